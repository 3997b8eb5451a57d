package uot

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCancel struct{ calls int }

func (f *fakeCancel) Cancel() { f.calls++ }

type fakeProcess struct {
	killed  bool
	killErr error
}

func (f *fakeProcess) Kill() error {
	f.killed = true
	return f.killErr
}

func TestRegister_AssignsIDAndRunningStatus(t *testing.T) {
	tr := New(nil, nil)
	id, err := tr.Register(TypeCacheClearing, "clear main", "", nil, nil)
	require.NoError(t, err)

	op := tr.GetOperation(id)
	require.NotNil(t, op)
	assert.Equal(t, StatusRunning, op.Status)
	assert.Equal(t, "clear main", op.Name)
}

func TestRegister_DuplicateEntityKeyReturnsAlreadyInProgress(t *testing.T) {
	tr := New(nil, nil)
	_, err := tr.Register(TypeGameRemoval, "remove 440", "440", nil, nil)
	require.NoError(t, err)

	_, err = tr.Register(TypeGameRemoval, "remove 440 again", "440", nil, nil)
	require.Error(t, err)
	var alreadyInProgress *ErrAlreadyInProgress
	assert.ErrorAs(t, err, &alreadyInProgress)
}

func TestRegister_SameEntityKeyDifferentTypeDoesNotCollide(t *testing.T) {
	tr := New(nil, nil)
	_, err := tr.Register(TypeGameRemoval, "remove 440", "440", nil, nil)
	require.NoError(t, err)

	_, err = tr.Register(TypeServiceRemoval, "remove steam", "440", nil, nil)
	assert.NoError(t, err)
}

func TestRegister_EntityKeyReusableAfterTermination(t *testing.T) {
	tr := New(nil, nil)
	id, err := tr.Register(TypeGameRemoval, "remove 440", "440", nil, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Complete(id, true, nil))

	_, err = tr.Register(TypeGameRemoval, "remove 440 again", "440", nil, nil)
	assert.NoError(t, err)
}

func TestUpdateProgress_ClampsToRange(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)

	tr.UpdateProgress(id, -5, "starting")
	assert.Equal(t, float64(0), tr.GetOperation(id).Percent)

	tr.UpdateProgress(id, 150, "overshoot")
	assert.Equal(t, float64(100), tr.GetOperation(id).Percent)
}

func TestUpdateProgress_UnknownIDIsIgnored(t *testing.T) {
	tr := New(nil, nil)
	assert.NotPanics(t, func() {
		tr.UpdateProgress(unknownID(), 50, "ignored")
	})
}

func TestUpdateMetadata_MutatesAtomically(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeGameDetection, "detect", "", nil, nil)

	require.NoError(t, tr.UpdateMetadata(id, func(m map[string]any) {
		m["failedDepotResolutions"] = []int64{123}
	}))

	op := tr.GetOperation(id)
	assert.Equal(t, []int64{123}, op.Metadata["failedDepotResolutions"])
}

func TestCancel_TransitionsRunningToCancelling(t *testing.T) {
	tr := New(nil, nil)
	cancel := &fakeCancel{}
	id, _ := tr.Register(TypeCacheClearing, "clear", "", cancel, nil)

	require.NoError(t, tr.Cancel(id))
	assert.Equal(t, StatusCancelling, tr.GetOperation(id).Status)
	assert.Equal(t, 1, cancel.calls)
}

func TestCancel_IsIdempotent(t *testing.T) {
	tr := New(nil, nil)
	cancel := &fakeCancel{}
	id, _ := tr.Register(TypeCacheClearing, "clear", "", cancel, nil)

	require.NoError(t, tr.Cancel(id))
	require.NoError(t, tr.Cancel(id))
	assert.Equal(t, 1, cancel.calls, "second Cancel must not re-invoke the handle")
}

func TestCancel_NoOpOnTerminalOperation(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	require.NoError(t, tr.Complete(id, true, nil))

	require.NoError(t, tr.Cancel(id))
	assert.Equal(t, StatusCompleted, tr.GetOperation(id).Status)
}

func TestCancel_UnknownIDReturnsNotFound(t *testing.T) {
	tr := New(nil, nil)
	assert.ErrorIs(t, tr.Cancel(unknownID()), ErrNotFound)
}

func TestComplete_CancellingOperationBecomesCancelled(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	require.NoError(t, tr.Cancel(id))

	require.NoError(t, tr.Complete(id, true, nil))
	assert.Equal(t, StatusCancelled, tr.GetOperation(id).Status)
}

func TestComplete_FailureSetsError(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)

	require.NoError(t, tr.Complete(id, false, assertError("disk full")))
	op := tr.GetOperation(id)
	assert.Equal(t, StatusFailed, op.Status)
	assert.Equal(t, "disk full", op.Error)
}

func TestComplete_IsIdempotent(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	require.NoError(t, tr.Complete(id, true, nil))
	require.NoError(t, tr.Complete(id, false, assertError("should not override")))

	assert.Equal(t, StatusCompleted, tr.GetOperation(id).Status)
}

func TestForceKill_KillsProcessAndTransitionsToCancelled(t *testing.T) {
	tr := New(nil, nil)
	cancel := &fakeCancel{}
	process := &fakeProcess{}
	id, _ := tr.Register(TypeCacheClearing, "clear", "", cancel, nil)
	require.NoError(t, tr.AttachProcess(id, process))

	require.NoError(t, tr.ForceKill(id))

	assert.True(t, process.killed)
	assert.Equal(t, 1, cancel.calls)
	op := tr.GetOperation(id)
	assert.Equal(t, StatusCancelled, op.Status)
	assert.Equal(t, "Force killed by user", op.Message)
}

func TestForceKill_IsIdempotent(t *testing.T) {
	tr := New(nil, nil)
	process := &fakeProcess{}
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	require.NoError(t, tr.AttachProcess(id, process))

	require.NoError(t, tr.ForceKill(id))
	require.NoError(t, tr.ForceKill(id))
	assert.True(t, process.killed)
}

func TestGetOperationByEntityKey(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeGameRemoval, "remove 440", "440", nil, nil)

	op := tr.GetOperationByEntityKey(TypeGameRemoval, "440")
	require.NotNil(t, op)
	assert.Equal(t, id, op.ID)

	assert.Nil(t, tr.GetOperationByEntityKey(TypeServiceRemoval, "440"))
}

func TestGetActiveOperations_ExcludesTerminal(t *testing.T) {
	tr := New(nil, nil)
	running, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	done, _ := tr.Register(TypeGameDetection, "detect", "", nil, nil)
	require.NoError(t, tr.Complete(done, true, nil))

	active := tr.GetActiveOperations(nil)
	require.Len(t, active, 1)
	assert.Equal(t, running, active[0].ID)
}

func TestGetActiveOperations_FiltersByType(t *testing.T) {
	tr := New(nil, nil)
	_, _ = tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	_, _ = tr.Register(TypeGameDetection, "detect", "", nil, nil)

	typeFilter := TypeGameDetection
	active := tr.GetActiveOperations(&typeFilter)
	require.Len(t, active, 1)
	assert.Equal(t, TypeGameDetection, active[0].Type)
}

func TestGetOperation_EvictedAfterGraceWindow(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, nil)
	require.NoError(t, tr.Complete(id, true, nil))

	assert.NotNil(t, tr.GetOperation(id))

	tr.mu.Lock()
	tr.timers[id].Stop()
	tr.mu.Unlock()
	tr.mu.Lock()
	delete(tr.operations, id)
	tr.mu.Unlock()

	assert.Nil(t, tr.GetOperation(id))
}

func TestClone_MetadataIsDeepCopied(t *testing.T) {
	tr := New(nil, nil)
	id, _ := tr.Register(TypeCacheClearing, "clear", "", nil, map[string]any{"a": 1})

	op := tr.GetOperation(id)
	op.Metadata["a"] = 2

	op2 := tr.GetOperation(id)
	assert.Equal(t, 1, op2.Metadata["a"])
}

func unknownID() uuid.UUID { return uuid.New() }

func assertError(msg string) error { return errString(msg) }

type errString string

func (e errString) Error() string { return string(e) }
