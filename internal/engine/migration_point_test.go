package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/kafu/internal/wasmmeta"
)

func testInstance(nodeID string, mode CheckpointMode, meta *wasmmeta.Metadata) *Instance {
	return &Instance{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		nodeID:    nodeID,
		linkerCfg: LinkerConfig{CheckpointMode: mode},
		callStack: &callStack{},
		module:    &Module{meta: meta},
	}
}

func callShouldCheckpoint(t *testing.T, inst *Instance, callerIdx uint32, reason Reason) uint64 {
	t.Helper()
	inst.callStack.push(callerIdx)
	stack := []uint64{uint64(uint32(reason))}
	inst.shouldCheckpoint(context.Background(), nil, stack)
	inst.callStack.pop()
	return stack[0]
}

func TestCallStack_PushTopPop(t *testing.T) {
	cs := &callStack{}
	_, ok := cs.top()
	assert.False(t, ok)

	cs.push(5)
	top, ok := cs.top()
	require.True(t, ok)
	assert.Equal(t, uint32(5), top)

	cs.pop()
	_, ok = cs.top()
	assert.False(t, ok)
}

func TestShouldCheckpoint_FuncEntryNoDestIsNoop(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f"},
	}}
	inst := testInstance("n1", CheckpointEnabled, meta)

	result := callShouldCheckpoint(t, inst, 1, FuncEntry)
	assert.Equal(t, uint64(0), result)
	assert.Empty(t, inst.migrationStack)
	assert.Nil(t, inst.pending)
}

func TestShouldCheckpoint_FuncEntryWithDestTriggersMigration(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f", Dest: "n2"},
	}}
	inst := testInstance("n1", CheckpointEnabled, meta)

	result := callShouldCheckpoint(t, inst, 1, FuncEntry)
	assert.Equal(t, uint64(1), result)
	require.Len(t, inst.migrationStack, 1)
	assert.Equal(t, "n1", inst.migrationStack[0].FromNodeID)
	require.NotNil(t, inst.pending)
	assert.Equal(t, "n2", inst.pending.ToNodeID)
	assert.Equal(t, FuncEntry, inst.pending.Reason)
}

func TestShouldCheckpoint_FuncEntrySameNodeIsNoop(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f", Dest: "n1"},
	}}
	inst := testInstance("n1", CheckpointEnabled, meta)

	result := callShouldCheckpoint(t, inst, 1, FuncEntry)
	assert.Equal(t, uint64(0), result)
	assert.Nil(t, inst.pending)
}

func TestShouldCheckpoint_FuncExitWithEmptyStackIsNoop(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f"},
	}}
	inst := testInstance("n2", CheckpointEnabled, meta)

	result := callShouldCheckpoint(t, inst, 1, FuncExit)
	assert.Equal(t, uint64(0), result)
}

func TestShouldCheckpoint_FuncExitReturnsHome(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f"},
	}}
	inst := testInstance("n2", CheckpointEnabled, meta)
	inst.migrationStack = []StackEntry{{FromNodeID: "n1", WasmStackHeight: currentWasmStackHeight}}

	result := callShouldCheckpoint(t, inst, 1, FuncExit)
	assert.Equal(t, uint64(1), result)
	assert.Empty(t, inst.migrationStack)
	require.NotNil(t, inst.pending)
	assert.Equal(t, "n1", inst.pending.ToNodeID)
	assert.Equal(t, FuncExit, inst.pending.Reason)
}

func TestShouldCheckpoint_DummyModeSwapsNodeWithoutMigrating(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f", Dest: "n2"},
	}}
	inst := testInstance("n1", CheckpointDummy, meta)

	result := callShouldCheckpoint(t, inst, 1, FuncEntry)
	assert.Equal(t, uint64(0), result)
	assert.Equal(t, "n2", inst.nodeID)
	assert.Nil(t, inst.pending)
}

func TestShouldCheckpoint_DummyModeRoundTripRevertsNodeID(t *testing.T) {
	meta := &wasmmeta.Metadata{Functions: map[uint32]wasmmeta.FunctionMeta{
		1: {Name: "f", Dest: "n2"},
	}}
	inst := testInstance("n1", CheckpointDummy, meta)

	entryResult := callShouldCheckpoint(t, inst, 1, FuncEntry)
	assert.Equal(t, uint64(0), entryResult)
	assert.Equal(t, "n2", inst.nodeID)
	require.Len(t, inst.migrationStack, 1)
	assert.Equal(t, "n1", inst.migrationStack[0].FromNodeID)

	exitResult := callShouldCheckpoint(t, inst, 1, FuncExit)
	assert.Equal(t, uint64(0), exitResult)
	assert.Equal(t, "n1", inst.nodeID)
	assert.Empty(t, inst.migrationStack)
	assert.Nil(t, inst.pending)
}

func TestShouldCheckpoint_NoTrackedCallerIsNoop(t *testing.T) {
	meta := &wasmmeta.Metadata{}
	inst := testInstance("n1", CheckpointEnabled, meta)

	stack := []uint64{uint64(FuncEntry)}
	inst.shouldCheckpoint(context.Background(), nil, stack)
	assert.Equal(t, uint64(0), stack[0])
}

func TestRegisterMigrationPoint_DisabledSkipsLinking(t *testing.T) {
	ctx := context.Background()
	rt, err := NewRuntime(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer rt.Close(ctx)

	inst := testInstance("n1", CheckpointDisabled, &wasmmeta.Metadata{})
	err = registerMigrationPoint(ctx, rt.wazero(), inst)
	require.NoError(t, err)
}
