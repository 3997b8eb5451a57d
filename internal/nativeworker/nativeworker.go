// Package nativeworker implements the Native Worker Supervisor (spec.md
// §4.E): spawning the native helper binaries (log-manager, log-processor,
// corruption-manager, cache-cleaner, the game/service detectors and
// removers), polling the JSON progress file each writes roughly every
// 500ms, and enforcing the exit-code-137-means-Cancelled convention so a
// supervisor-issued kill is never reported to callers as a Failed
// operation.
package nativeworker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// killedExitCode is the exit status a process reports when the supervisor
// itself sent SIGKILL after a cancellation request (spec.md §4.E/§8):
// on Linux, a process killed by signal N exits with code 128+N, and
// 128+9=137 for SIGKILL.
const killedExitCode = 137

// DefaultPollInterval is the cadence workers are expected to rewrite their
// progress file at, and the cadence the supervisor polls it (spec.md
// §4.E: "at least every ~500ms").
const DefaultPollInterval = 500 * time.Millisecond

// StartInfo describes a native worker invocation.
type StartInfo struct {
	// Name identifies the helper for logging and error messages, e.g.
	// "cache-cleaner" (spec.md §6).
	Name       string
	BinaryPath string
	Args       []string
	WorkingDir string
	Env        []string
}

// Result is what a completed native worker invocation produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Cancelled is true when ExitCode is the supervisor's own
	// kill-after-cancellation sentinel (137): this must never be surfaced
	// as a Failed operation (spec.md §4.E/§8).
	Cancelled bool
}

// ErrBinaryMissing is returned by ValidateBinaryExists.
type ErrBinaryMissing struct {
	Name string
	Path string
}

func (e *ErrBinaryMissing) Error() string {
	return fmt.Sprintf("native worker binary %q not found at %s", e.Name, e.Path)
}

// ValidateBinaryExists fails fast before a worker is spawned, rather than
// letting exec.Command surface an opaque "file not found" deep in a poll
// loop (spec.md §4.E).
func ValidateBinaryExists(path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		return &ErrBinaryMissing{Name: name, Path: path}
	}
	if info.IsDir() {
		return &ErrBinaryMissing{Name: name, Path: path}
	}
	return nil
}

// Supervisor runs native worker processes and polls their progress files.
type Supervisor struct {
	pollInterval time.Duration
}

// New builds a Supervisor. A zero pollInterval uses DefaultPollInterval.
func New(pollInterval time.Duration) *Supervisor {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Supervisor{pollInterval: pollInterval}
}

// ExecuteProcess runs a native worker to completion, capturing stdout and
// stderr, and reports progress by polling progressPath (if non-empty) at
// the Supervisor's poll interval until the process exits. cancel is
// consulted each poll tick; when it fires the process tree is killed and
// the Result comes back with Cancelled=true.
func (s *Supervisor) ExecuteProcess(ctx context.Context, info StartInfo, progressPath string, onProgress func(raw []byte)) (*Result, error) {
	if err := ValidateBinaryExists(info.BinaryPath, info.Name); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, info.BinaryPath, info.Args...)
	cmd.Dir = info.WorkingDir
	if len(info.Env) > 0 {
		cmd.Env = info.Env
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", info.BinaryPath, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	waitErr := s.waitWithPolling(ctx, cmd, progressPath, onProgress, done)

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	result.ExitCode = exitCodeOf(cmd, waitErr)
	result.Cancelled = result.ExitCode == killedExitCode
	return result, nil
}

// waitWithPolling blocks until done fires, polling progressPath at the
// supervisor's interval in the meantime (when progressPath and onProgress
// are both set). If ctx is cancelled first, the process tree is killed
// and this keeps waiting for done so the child is properly reaped.
func (s *Supervisor) waitWithPolling(ctx context.Context, cmd *exec.Cmd, progressPath string, onProgress func([]byte), done chan error) error {
	var tick <-chan time.Time
	if progressPath != "" && onProgress != nil {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	ctxDone := ctx.Done()
	for {
		select {
		case err := <-done:
			if progressPath != "" && onProgress != nil {
				if raw, ok := ReadProgressFileRaw(progressPath); ok {
					onProgress(raw)
				}
			}
			return err
		case <-tick:
			if raw, ok := ReadProgressFileRaw(progressPath); ok {
				onProgress(raw)
			}
		case <-ctxDone:
			if cmd.Process != nil {
				_ = killTree(cmd.Process.Pid)
			}
			ctxDone = nil // already acted on; now just wait for done
		}
	}
}

// exitCodeOf extracts the process exit code from the error Wait returned,
// or 0 if it exited cleanly.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

// ReadProgressFileRaw reads path's raw bytes, tolerating a missing or
// empty file (returns ok=false rather than an error): a worker that has
// not written its first progress snapshot yet is an ordinary, expected
// state, not a fault (spec.md §4.E).
func ReadProgressFileRaw(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return data, true
}

// ReadProgressFile reads and decodes path into a T, tolerating a missing,
// empty, partially-written, or malformed file by returning (nil, nil)
// rather than an error: workers rewrite this file in place roughly every
// 500ms, so the supervisor can observe it mid-write (spec.md §4.E).
func ReadProgressFile[T any](path string) (*T, error) {
	data, ok := ReadProgressFileRaw(path)
	if !ok {
		return nil, nil
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, nil
	}
	return &value, nil
}

// maxDeleteAttempts bounds DeleteTemporaryFile's retry loop against a
// worker process that briefly still holds the file open on Windows-style
// filesystems; on POSIX this almost always succeeds first try.
const maxDeleteAttempts = 5

// DeleteTemporaryFile best-effort removes path, retrying briefly on
// transient errors and swallowing the case where it is already gone
// (spec.md §4.E: cancellation and failure paths both clean up temp files,
// and either may race a worker's own cleanup).
func DeleteTemporaryFile(path string) {
	if path == "" {
		return
	}
	for attempt := 0; attempt < maxDeleteAttempts; attempt++ {
		err := os.Remove(path)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
	}
}

// Handle is a live reference to a spawned, not-yet-reaped native worker
// process, implementing uot.ProcessHandle so the Unified Operation
// Tracker can force-kill it without importing os/exec itself.
type Handle struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// Kill terminates the worker's entire process tree. Safe to call more
// than once; a process that has already exited is a no-op.
func (h *Handle) Kill() error {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return killTree(cmd.Process.Pid)
}

// Wait blocks until the spawned process exits and returns its Result.
func (h *Handle) Wait() (*Result, error) {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()

	if cmd == nil {
		return nil, fmt.Errorf("process was never started")
	}

	var stdout, stderr bytes.Buffer
	if bo, ok := cmd.Stdout.(*bytes.Buffer); ok {
		stdout = *bo
	}
	if be, ok := cmd.Stderr.(*bytes.Buffer); ok {
		stderr = *be
	}

	waitErr := cmd.Wait()
	exitCode := exitCodeOf(cmd, waitErr)
	return &Result{
		ExitCode:  exitCode,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Cancelled: exitCode == killedExitCode,
	}, nil
}

// Spawn starts a long-running native worker (one that reports progress by
// rewriting a file on its own schedule, e.g. the log-processor tailing
// access.log) without waiting for it to exit, returning a Handle the
// caller polls or force-kills via the Unified Operation Tracker.
func (s *Supervisor) Spawn(ctx context.Context, info StartInfo) (*Handle, error) {
	if err := ValidateBinaryExists(info.BinaryPath, info.Name); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, info.BinaryPath, info.Args...)
	cmd.Dir = info.WorkingDir
	if len(info.Env) > 0 {
		cmd.Env = info.Env
	}
	cmd.Stdout = &bytes.Buffer{}
	cmd.Stderr = &bytes.Buffer{}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", info.BinaryPath, err)
	}

	return &Handle{cmd: cmd}, nil
}

// killTree terminates pid and every descendant it can enumerate via
// gopsutil's process tree walk, which raw /proc parsing does not give
// cleanly across platforms. Children are killed before the parent so none
// are orphaned by a parent that exits mid-walk.
func killTree(pid int) error {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Already gone.
		return nil
	}

	children, _ := proc.Children()
	for _, child := range children {
		_ = killTree(int(child.Pid))
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing pid %d: %w", pid, err)
	}
	return nil
}
