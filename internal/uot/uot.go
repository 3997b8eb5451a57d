// Package uot implements the Unified Operation Tracker (spec.md §4.F): the
// single process-wide registry of in-flight and recently-terminal
// Operations. It is the source of truth while an operation runs; the
// Operation State Store (internal/operationstate) exists only so a
// restarted process can notice an interrupted one.
package uot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lancache-ops/lancache-opsd/internal/eventbus"
)

// Status is an Operation's lifecycle state.
type Status string

const (
	StatusRunning    Status = "Running"
	StatusCancelling Status = "Cancelling"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// IsTerminal reports whether status is one an Operation cannot leave.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type identifies the kind of work an Operation represents (spec.md §3).
type Type string

const (
	TypeLogProcessing       Type = "LogProcessing"
	TypeCacheClearing       Type = "CacheClearing"
	TypeCorruptionDetection Type = "CorruptionDetection"
	TypeGameDetection       Type = "GameDetection"
	TypeGameRemoval         Type = "GameRemoval"
	TypeServiceRemoval      Type = "ServiceRemoval"
	TypeDepotBackfill       Type = "DepotBackfill"
	TypePrefillSession      Type = "PrefillSession"
)

// CancelHandle is the cooperative-cancellation half of an Operation's
// (CancelHandle, ProcessHandle) pair (spec.md §9). Cancel must be
// idempotent and non-blocking.
type CancelHandle interface {
	Cancel()
}

// ProcessHandle is the forceful half of the pair: a running native worker
// or container process a ForceKill must be able to terminate outright.
type ProcessHandle interface {
	Kill() error
}

// cancelFunc adapts a context.CancelFunc to CancelHandle.
type cancelFunc struct{ fn context.CancelFunc }

func (c cancelFunc) Cancel() { c.fn() }

// NewCancelHandle wraps a context.CancelFunc as a CancelHandle.
func NewCancelHandle(fn context.CancelFunc) CancelHandle {
	return cancelFunc{fn: fn}
}

// ErrAlreadyInProgress is returned by Register when an entity key already
// maps to a non-terminal Operation.
type ErrAlreadyInProgress struct {
	EntityKey string
	Existing  uuid.UUID
}

func (e *ErrAlreadyInProgress) Error() string {
	return fmt.Sprintf("operation already in progress for %q (id %s)", e.EntityKey, e.Existing)
}

// ErrNotFound is returned when an operation id is unknown to the tracker.
var ErrNotFound = fmt.Errorf("operation not found")

// Operation is a tracked unit of work. All mutation goes through the
// Tracker that owns it; callers only ever see a Clone.
type Operation struct {
	ID         uuid.UUID
	Type       Type
	Name       string
	EntityKey  string
	Status     Status
	Percent    float64
	Message    string
	Error      string
	Cancelled  bool
	Metadata   map[string]any
	StartedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time

	cancel  CancelHandle
	process ProcessHandle
}

// Clone returns a copy safe to hand to a caller outside the tracker lock.
func (o *Operation) Clone() *Operation {
	clone := *o
	clone.cancel = nil
	clone.process = nil
	if o.Metadata != nil {
		clone.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// evictionDelay is how long a terminal Operation stays reachable by id
// after its terminal transition (spec.md §3: ~10-15s).
const evictionDelay = 12 * time.Second

// Tracker is the Unified Operation Tracker singleton.
type Tracker struct {
	mu         sync.Mutex
	operations map[uuid.UUID]*Operation
	byEntity   map[string]uuid.UUID
	timers     map[uuid.UUID]*time.Timer

	bus    *eventbus.Bus
	logger *slog.Logger
}

// New builds an empty Tracker publishing lifecycle events on bus.
func New(bus *eventbus.Bus, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		operations: make(map[uuid.UUID]*Operation),
		byEntity:   make(map[string]uuid.UUID),
		timers:     make(map[uuid.UUID]*time.Timer),
		bus:        bus,
		logger:     logger.With("component", "uot"),
	}
}

// entityIndexKey namespaces EntityKey by Type so, e.g., a GameRemoval and a
// ServiceRemoval can never collide even if their entity keys coincide.
func entityIndexKey(opType Type, entityKey string) string {
	return string(opType) + "|" + entityKey
}

// Register starts tracking a new Operation. If entityKey already maps to a
// non-terminal Operation of the same type, it returns ErrAlreadyInProgress
// instead of registering a second one (spec.md §4.F: "EntityKey maps to at
// most one non-terminal Operation").
func (t *Tracker) Register(opType Type, name, entityKey string, cancel CancelHandle, metadata map[string]any) (uuid.UUID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idxKey := entityIndexKey(opType, entityKey)
	if entityKey != "" {
		if existingID, ok := t.byEntity[idxKey]; ok {
			if existing, ok := t.operations[existingID]; ok && !existing.Status.IsTerminal() {
				return uuid.Nil, &ErrAlreadyInProgress{EntityKey: entityKey, Existing: existingID}
			}
		}
	}

	id := uuid.New()
	now := time.Now()
	op := &Operation{
		ID:        id,
		Type:      opType,
		Name:      name,
		EntityKey: entityKey,
		Status:    StatusRunning,
		Metadata:  metadata,
		StartedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}
	if op.Metadata == nil {
		op.Metadata = make(map[string]any)
	}

	t.operations[id] = op
	if entityKey != "" {
		t.byEntity[idxKey] = id
	}

	t.logger.Debug("operation registered",
		slog.String("operation_id", id.String()),
		slog.String("type", string(opType)),
		slog.String("entity_key", entityKey),
	)
	t.notifyLocked(op)

	return id, nil
}

// AttachProcess records the ProcessHandle a subsequent ForceKill should
// terminate. Call once the native worker or container process is running.
func (t *Tracker) AttachProcess(id uuid.UUID, process ProcessHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		return ErrNotFound
	}
	op.process = process
	return nil
}

// GetOperation returns a Clone of the tracked Operation, or nil if id is
// unknown (including ids evicted past the grace window).
func (t *Tracker) GetOperation(id uuid.UUID) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		return nil
	}
	return op.Clone()
}

// GetOperationByEntityKey returns the non-evicted Operation registered
// under entityKey for opType, or nil.
func (t *Tracker) GetOperationByEntityKey(opType Type, entityKey string) *Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byEntity[entityIndexKey(opType, entityKey)]
	if !ok {
		return nil
	}
	op, ok := t.operations[id]
	if !ok {
		return nil
	}
	return op.Clone()
}

// GetActiveOperations returns every non-terminal Operation, optionally
// filtered to a single Type.
func (t *Tracker) GetActiveOperations(typeFilter *Type) []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	var result []*Operation
	for _, op := range t.operations {
		if op.Status.IsTerminal() {
			continue
		}
		if typeFilter != nil && op.Type != *typeFilter {
			continue
		}
		result = append(result, op.Clone())
	}
	return result
}

// UpdateProgress clamps percent to [0,100] and updates message. Updates
// against an unknown id are logged and ignored rather than erroring -
// spec.md §4.F treats a stale progress report from a worker racing
// eviction as expected, not exceptional.
func (t *Tracker) UpdateProgress(id uuid.UUID, percent float64, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		t.logger.Warn("progress update for unknown operation", slog.String("operation_id", id.String()))
		return
	}

	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}

	op.Percent = percent
	op.Message = message
	op.UpdatedAt = time.Now()
	t.notifyLocked(op)
}

// UpdateMetadata atomically applies mutate to the Operation's metadata map.
func (t *Tracker) UpdateMetadata(id uuid.UUID, mutate func(map[string]any)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		return ErrNotFound
	}
	mutate(op.Metadata)
	op.UpdatedAt = time.Now()
	return nil
}

// Cancel requests cooperative cancellation. Idempotent: a Running
// operation moves to Cancelling and its CancelHandle is invoked; any other
// status (already Cancelling, or any terminal status) is a no-op. Returns
// ErrNotFound for an unknown id.
func (t *Tracker) Cancel(id uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	op, ok := t.operations[id]
	if !ok {
		return ErrNotFound
	}
	if op.Status != StatusRunning {
		return nil
	}

	op.Status = StatusCancelling
	op.Cancelled = true
	op.UpdatedAt = time.Now()
	if op.cancel != nil {
		op.cancel.Cancel()
	}
	t.notifyLocked(op)
	return nil
}

// ForceKill signals the CancelHandle and kills the attached ProcessHandle
// outright, then transitions the Operation straight to Cancelled.
// Idempotent like Cancel: a no-op once the Operation is already terminal.
func (t *Tracker) ForceKill(id uuid.UUID) error {
	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	if op.Status.IsTerminal() {
		t.mu.Unlock()
		return nil
	}

	if op.cancel != nil {
		op.cancel.Cancel()
	}
	process := op.process
	t.mu.Unlock()

	if process != nil {
		if err := process.Kill(); err != nil {
			t.logger.Warn("force kill failed to terminate process",
				slog.String("operation_id", id.String()),
				slog.Any("error", err),
			)
		}
	}

	t.completeLocked(id, false, true, "Force killed by user")
	return nil
}

// Complete performs the terminal transition for id: success=true moves to
// Completed, otherwise Failed unless the Operation was already cancelling
// (in which case it becomes Cancelled). The CancelHandle and ProcessHandle
// are released and eviction is scheduled for evictionDelay later.
func (t *Tracker) Complete(id uuid.UUID, success bool, opErr error) error {
	message := ""
	if opErr != nil {
		message = opErr.Error()
	}

	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok {
		t.mu.Unlock()
		return ErrNotFound
	}
	wasCancelling := op.Status == StatusCancelling
	t.mu.Unlock()

	// A cancellation request always wins the terminal status once it has
	// been issued, regardless of how the worker itself reports its exit.
	t.completeLocked(id, success && !wasCancelling, wasCancelling, message)
	return nil
}

// completeLocked performs the shared terminal-transition bookkeeping for
// Complete and ForceKill: exactly one of success/cancelled should be true,
// or both false to mean Failed.
func (t *Tracker) completeLocked(id uuid.UUID, success, cancelled bool, message string) {
	t.mu.Lock()
	op, ok := t.operations[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	if op.Status.IsTerminal() {
		t.mu.Unlock()
		return
	}

	now := time.Now()
	op.FinishedAt = &now
	op.UpdatedAt = now
	op.cancel = nil
	op.process = nil

	switch {
	case cancelled:
		op.Status = StatusCancelled
		op.Cancelled = true
		op.Message = message
	case success:
		op.Status = StatusCompleted
		op.Percent = 100
		op.Message = message
	default:
		op.Status = StatusFailed
		op.Error = message
	}

	if op.EntityKey != "" {
		idxKey := entityIndexKey(op.Type, op.EntityKey)
		if t.byEntity[idxKey] == id {
			delete(t.byEntity, idxKey)
		}
	}

	t.notifyLocked(op)
	t.scheduleEvictionLocked(id)
	t.mu.Unlock()
}

// scheduleEvictionLocked arms the timer that removes a terminal Operation
// from the tracker evictionDelay after this call. Must be called with
// t.mu held.
func (t *Tracker) scheduleEvictionLocked(id uuid.UUID) {
	if existing, ok := t.timers[id]; ok {
		existing.Stop()
	}
	t.timers[id] = time.AfterFunc(evictionDelay, func() {
		t.mu.Lock()
		delete(t.operations, id)
		delete(t.timers, id)
		t.mu.Unlock()
	})
}

// notifyLocked publishes an operation-updated event. Must be called with
// t.mu held; the clone taken here is safe to hand to the bus.
func (t *Tracker) notifyLocked(op *Operation) {
	if t.bus == nil {
		return
	}
	clone := op.Clone()
	if op.Status.IsTerminal() {
		t.bus.NotifyTerminal(context.Background(), "OperationUpdated", clone)
		return
	}
	t.bus.NotifyAll(context.Background(), "OperationUpdated", clone)
}
