package prefill

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/lancache-ops/lancache-opsd/internal/relay"
)

// maxFrameSize bounds a single wire-protocol frame, rejecting a daemon that
// has gone off the rails rather than allocating an unbounded buffer.
const maxFrameSize = 16 * 1024 * 1024

// Request is a command sent to the in-container daemon (spec.md §6:
// "Request: {command, parameters, timeout}").
type Request struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Timeout    int            `json:"timeout,omitempty"` // seconds
}

// Response is a command's result (spec.md §6: "Response: {success,
// message?, error?, data?}").
type Response struct {
	Success bool           `json:"success"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// CredentialChallengePayload is the body of a credential-challenge event
// (spec.md §6: "{challengeId, serverPublicKey, credentialType}").
type CredentialChallengePayload struct {
	ChallengeID     string `json:"challengeId"`
	ServerPublicKey string `json:"serverPublicKey"`
	CredentialType  string `json:"credentialType"`
}

// wireEvent is the envelope for both directions on the wire: a command
// request or response carries no Event field; a server-initiated
// notification sets Event to one of credential-challenge, status-update,
// progress-update, error, disconnect and Payload to the event body.
type wireEvent struct {
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Request/Response fields, present when Event is empty.
	Request
	Response
}

// EventHandlers are invoked from the Transport's read loop as
// server-initiated events arrive (spec.md §4.M step 10: "Register event
// handlers for onChallenge, onStatus, onProgress, onError, onDisconnect").
// Each handler is optional; nil handlers are simply not called. Handlers
// run on the read-loop goroutine and must not block.
type EventHandlers struct {
	OnChallenge  func(CredentialChallengePayload)
	OnStatus     func(map[string]any)
	OnProgress   func(map[string]any)
	OnError      func(string)
	OnDisconnect func(error)
}

// Transport is a connection to one session's in-container daemon, over a
// Unix domain socket or loopback TCP (spec.md §4.M step 5/§6). Requests
// are sent one at a time; server-initiated events are dispatched
// concurrently from a background read loop.
type Transport struct {
	conn   net.Conn
	secret string

	sendMu  sync.Mutex
	respCh  chan Response
	closed  chan struct{}
	closeMu sync.Mutex

	// breaker trips after a run of failed sends (a hung or crash-looping
	// daemon) so callers fail fast instead of each waiting out their own
	// timeout in turn.
	breaker *relay.CircuitBreaker
}

// transportBreakerConfig trips after 3 consecutive send failures and
// probes again after 15s — a daemon process is cheap to restart, so
// there is no reason to wait as long as a network peer would warrant.
func transportBreakerConfig() relay.CircuitBreakerConfig {
	return relay.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          15 * time.Second,
	}
}

// DialUnix connects to a session daemon over a Unix domain socket.
func DialUnix(ctx context.Context, socketPath, secret string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing daemon socket %s: %w", socketPath, err)
	}
	return newTransport(conn, secret), nil
}

// DialTCP connects to a session daemon over loopback TCP (spec.md §4.M
// step 5: "Windows or UseTcp=true: loopback TCP with an ephemeral host
// port").
func DialTCP(ctx context.Context, host string, port int, secret string) (*Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("dialing daemon tcp %s:%d: %w", host, port, err)
	}
	return newTransport(conn, secret), nil
}

func newTransport(conn net.Conn, secret string) *Transport {
	return &Transport{
		conn:    conn,
		secret:  secret,
		respCh:  make(chan Response, 1),
		closed:  make(chan struct{}),
		breaker: relay.NewCircuitBreaker(transportBreakerConfig()),
	}
}

// Serve runs the read loop until the connection closes or ctx is
// cancelled, dispatching events to handlers and responses to whichever
// call to Send is currently waiting. It blocks; callers run it in its own
// goroutine.
func (t *Transport) Serve(ctx context.Context, handlers EventHandlers) {
	defer close(t.closed)
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	for {
		frame, err := readFrame(t.conn)
		if err != nil {
			if handlers.OnDisconnect != nil {
				handlers.OnDisconnect(err)
			}
			return
		}

		var ev wireEvent
		if err := json.Unmarshal(frame, &ev); err != nil {
			continue // ProtocolError on a single frame is not fatal to the session
		}

		switch ev.Event {
		case "":
			select {
			case t.respCh <- ev.Response:
			default:
				// No one is waiting (a response to a request we already
				// gave up on); drop it.
			}
		case "credential-challenge":
			if handlers.OnChallenge != nil {
				var payload CredentialChallengePayload
				_ = json.Unmarshal(ev.Payload, &payload)
				handlers.OnChallenge(payload)
			}
		case "status-update":
			if handlers.OnStatus != nil {
				var payload map[string]any
				_ = json.Unmarshal(ev.Payload, &payload)
				handlers.OnStatus(payload)
			}
		case "progress-update":
			if handlers.OnProgress != nil {
				var payload map[string]any
				_ = json.Unmarshal(ev.Payload, &payload)
				handlers.OnProgress(payload)
			}
		case "error":
			if handlers.OnError != nil {
				var payload struct {
					Message string `json:"message"`
				}
				_ = json.Unmarshal(ev.Payload, &payload)
				handlers.OnError(payload.Message)
			}
		case "disconnect":
			if handlers.OnDisconnect != nil {
				handlers.OnDisconnect(nil)
			}
			return
		}
	}
}

// Send issues a command and waits for its response or for ctx/timeout to
// expire. Only one Send may be outstanding at a time; concurrent callers
// serialize on sendMu.
func (t *Transport) Send(ctx context.Context, command string, parameters map[string]any, timeout time.Duration) (Response, error) {
	if !t.breaker.Allow() {
		return Response{}, fmt.Errorf("sending request %s: %w", command, relay.ErrCircuitOpen)
	}

	resp, err := t.send(ctx, command, parameters, timeout)
	if err != nil {
		t.breaker.RecordFailure()
	} else {
		t.breaker.RecordSuccess()
	}
	return resp, err
}

func (t *Transport) send(ctx context.Context, command string, parameters map[string]any, timeout time.Duration) (Response, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	req := Request{Command: command, Parameters: parameters, Timeout: int(timeout.Seconds())}
	if parameters != nil {
		if _, ok := parameters["socketSecret"]; !ok && t.secret != "" {
			parameters["socketSecret"] = t.secret
		}
	} else if t.secret != "" {
		req.Parameters = map[string]any{"socketSecret": t.secret}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encoding request %s: %w", command, err)
	}
	if err := writeFrame(t.conn, payload); err != nil {
		return Response{}, fmt.Errorf("sending request %s: %w", command, err)
	}

	deadline := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		deadline, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case resp := <-t.respCh:
		return resp, nil
	case <-deadline.Done():
		return Response{}, fmt.Errorf("waiting for response to %s: %w", command, deadline.Err())
	case <-t.closed:
		return Response{}, fmt.Errorf("daemon transport closed while waiting for %s", command)
	}
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	return t.conn.Close()
}

func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
