package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"

	"github.com/manthysbr/kafu/internal/kafuerr"
	"github.com/manthysbr/kafu/internal/migration"
)

const (
	memoryMain    = "memory"
	memorySnapify = "snapify_memory"

	exportStart              = "_start"
	exportCheckpointGlobals  = "snapify_checkpoint_globals"
	exportStartRestore       = "snapify_start_restore"
	exportRestoreGlobals     = "snapify_restore_globals"
)

// Config configures a single Instance: one long-lived guest module running
// on one node (SPEC_FULL.md §4.1), as opposed to the teacher's Plugin,
// which re-instantiated a fresh module per call.
type Config struct {
	NodeID       string
	Args         []string
	PreopenedDir string // host directory mapped to the guest's "/", empty disables it
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
	Linker       LinkerConfig
}

// Instance is a running guest module instance plus all of the migration
// bookkeeping C1/C3 need: the call-stack tracker behind should_checkpoint,
// the migration stack of "return home" obligations, the last pending
// migration request, and the in-store baseline used for delta checkpoints.
type Instance struct {
	mu sync.Mutex

	logger    *slog.Logger
	nodeID    string
	runtime   *Runtime
	module    *Module
	linkerCfg LinkerConfig

	wazeroMod api.Module
	callStack *callStack

	migrationStack []StackEntry
	pending        *PendingMigration

	baselineMain    []byte
	baselineSnapify []byte

	onExecutionStart func()
}

// NewInstance links the module's host imports and instantiates it, but does
// not run it — callers explicitly choose Start (fresh run) or Restore+Resume
// (resuming a migrated guest) per SPEC_FULL.md §4.1.
func NewInstance(ctx context.Context, rt *Runtime, mod *Module, cfg Config) (*Instance, error) {
	inst := &Instance{
		logger:    rt.logger,
		nodeID:    cfg.NodeID,
		runtime:   rt,
		module:    mod,
		linkerCfg: cfg.Linker,
		callStack: &callStack{},
	}

	if err := registerMigrationPoint(ctx, rt.wazero(), inst); err != nil {
		return nil, kafuerr.Wrap(kafuerr.Instantiation, "failed to link migration point", err)
	}
	if err := registerOptionalImportGroups(ctx, rt.wazero(), cfg.Linker); err != nil {
		return nil, kafuerr.Wrap(kafuerr.Instantiation, "failed to link optional import groups", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(cfg.NodeID).
		WithStartFunctions() // no implicit _start: Start/Resume call it explicitly

	if cfg.Stdin != nil {
		modCfg = modCfg.WithStdin(cfg.Stdin)
	}
	if cfg.Stdout != nil {
		modCfg = modCfg.WithStdout(cfg.Stdout)
	}
	if cfg.Stderr != nil {
		modCfg = modCfg.WithStderr(cfg.Stderr)
	}
	if len(cfg.Args) > 0 {
		modCfg = modCfg.WithArgs(append([]string{cfg.NodeID}, cfg.Args...)...)
	}
	if cfg.PreopenedDir != "" {
		modCfg = modCfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(cfg.PreopenedDir, "/"))
	}

	listenerCtx := experimental.WithFunctionListenerFactory(ctx, &listenerFactory{stack: inst.callStack})

	wm, err := rt.wazero().InstantiateModule(listenerCtx, mod.compiled, modCfg)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Instantiation, "failed to instantiate guest module", err)
	}
	inst.wazeroMod = wm

	return inst, nil
}

// NodeID reports the node this instance currently believes it is running
// on — mutated in CheckpointDummy mode, otherwise fixed at construction.
func (inst *Instance) NodeID() string {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.nodeID
}

// ModuleDigest returns the compiled module's content digest, used to gate
// migration requests against code drift (SPEC_FULL.md §4.5 step 2).
func (inst *Instance) ModuleDigest() [32]byte {
	return inst.module.Digest()
}

// OnExecutionStart registers a callback fired just before the guest's
// _start export is entered (by Start or Resume). The liveness package uses
// this to flip the leader_execution health service and the heartbeat
// payload's execution_started flag at the moment the coordinator's guest
// actually begins running, rather than as soon as the process comes up
// (SPEC_FULL.md §3 "Leader heartbeat state", §4.6, §6).
func (inst *Instance) OnExecutionStart(fn func()) {
	inst.mu.Lock()
	inst.onExecutionStart = fn
	inst.mu.Unlock()
}

// Start runs the guest module from the beginning by invoking its _start
// export, the WASI CLI convention (SPEC_FULL.md §4.1 Start).
func (inst *Instance) Start(ctx context.Context) error {
	inst.mu.Lock()
	onStart := inst.onExecutionStart
	inst.mu.Unlock()
	if onStart != nil {
		onStart()
	}

	fn := inst.wazeroMod.ExportedFunction(exportStart)
	if fn == nil {
		return kafuerr.Newf(kafuerr.Execution, "guest module has no %q export", exportStart)
	}
	if _, err := fn.Call(ctx); err != nil {
		return kafuerr.Wrap(kafuerr.Execution, "guest execution failed", err)
	}
	return nil
}

// Resume re-enters _start after a Restore, the guest's own
// snapify_start_restore/snapify_restore_globals exports having already put
// it back where it left off (SPEC_FULL.md §4.1 Resume).
func (inst *Instance) Resume(ctx context.Context) error {
	return inst.Start(ctx)
}

// HasBaseline reports whether this instance has a prior checkpoint to diff
// against. A fresh, never-restored instance has none, so its first
// checkpoint must ship a full snapshot rather than a delta (SPEC_FULL.md
// §4.4 "if the runtime has no local baseline, fall back to full").
func (inst *Instance) HasBaseline() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.baselineMain != nil || inst.baselineSnapify != nil
}

// HasPendingMigrationRequest reports whether should_checkpoint recorded a
// migration decision on the guest's most recent annotated call.
func (inst *Instance) HasPendingMigrationRequest() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.pending != nil
}

// TakePendingMigrationRequest consumes and clears the pending migration
// request, or returns nil if there is none.
func (inst *Instance) TakePendingMigrationRequest() *PendingMigration {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	p := inst.pending
	inst.pending = nil
	return p
}

// GetSnapshotInto checkpoints the guest's globals via
// snapify_checkpoint_globals and copies both linear memories in full, used
// by the cold-cache migration path (SPEC_FULL.md §4.4).
func (inst *Instance) GetSnapshotInto(ctx context.Context) (main, snapify []byte, err error) {
	if err := inst.checkpointGlobals(ctx); err != nil {
		return nil, nil, err
	}
	main, err = inst.readMemory(memoryMain)
	if err != nil {
		return nil, nil, err
	}
	snapify, err = inst.readMemory(memorySnapify)
	if err != nil {
		return nil, nil, err
	}

	inst.mu.Lock()
	inst.baselineMain = main
	inst.baselineSnapify = snapify
	inst.mu.Unlock()

	return main, snapify, nil
}

// Baseline returns copies of the in-store baseline images last established
// by GetSnapshotInto, CheckpointAndGetDeltaPages or Restore — the full
// image a caller would need to, for instance, seed C7's snapshot cache
// after a successful send.
func (inst *Instance) Baseline() (main, snapify []byte) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return append([]byte(nil), inst.baselineMain...), append([]byte(nil), inst.baselineSnapify...)
}

// CheckpointAndGetDeltaPages checkpoints the guest's globals and diffs both
// linear memories against this instance's in-store baseline, per
// SPEC_FULL.md §4.1/§4.4. It then adopts the freshly checkpointed bytes as
// the new baseline, so a subsequent hop from the same node diffs against
// the latest state rather than re-accumulating every change since the last
// restore.
func (inst *Instance) CheckpointAndGetDeltaPages(ctx context.Context) (mainPages, snapifyPages []migration.Page, mainLen, snapifyLen uint64, err error) {
	if err := inst.checkpointGlobals(ctx); err != nil {
		return nil, nil, 0, 0, err
	}

	main, err := inst.readMemory(memoryMain)
	if err != nil {
		return nil, nil, 0, 0, err
	}
	snapify, err := inst.readMemory(memorySnapify)
	if err != nil {
		return nil, nil, 0, 0, err
	}

	inst.mu.Lock()
	mainPages = migration.Diff(inst.baselineMain, main)
	snapifyPages = migration.Diff(inst.baselineSnapify, snapify)
	inst.baselineMain = main
	inst.baselineSnapify = snapify
	inst.mu.Unlock()

	return mainPages, snapifyPages, uint64(len(main)), uint64(len(snapify)), nil
}

// Restore writes reconstructed memory images into the guest's two linear
// memories, replays the migration stack carried from the sending node, and
// runs the guest's restore hooks. A missing restore export is fatal: a
// module that annotates migration points but doesn't export the restore
// ABI cannot resume (SPEC_FULL.md §4.1).
func (inst *Instance) Restore(ctx context.Context, stack []StackEntry, main, snapify []byte) error {
	if err := inst.writeMemory(memoryMain, main); err != nil {
		return err
	}
	if err := inst.writeMemory(memorySnapify, snapify); err != nil {
		return err
	}

	inst.mu.Lock()
	inst.migrationStack = append([]StackEntry(nil), stack...)
	inst.baselineMain = append([]byte(nil), main...)
	inst.baselineSnapify = append([]byte(nil), snapify...)
	inst.mu.Unlock()

	startRestore := inst.wazeroMod.ExportedFunction(exportStartRestore)
	if startRestore == nil {
		return kafuerr.Newf(kafuerr.Instantiation, "guest module missing required %q export for restore", exportStartRestore)
	}
	if _, err := startRestore.Call(ctx); err != nil {
		return kafuerr.Wrap(kafuerr.Execution, "snapify_start_restore failed", err)
	}

	restoreGlobals := inst.wazeroMod.ExportedFunction(exportRestoreGlobals)
	if restoreGlobals == nil {
		return kafuerr.Newf(kafuerr.Instantiation, "guest module missing required %q export for restore", exportRestoreGlobals)
	}
	if _, err := restoreGlobals.Call(ctx); err != nil {
		return kafuerr.Wrap(kafuerr.Execution, "snapify_restore_globals failed", err)
	}

	return nil
}

// Close releases the underlying wazero module instance.
func (inst *Instance) Close(ctx context.Context) error {
	return inst.wazeroMod.Close(ctx)
}

func (inst *Instance) checkpointGlobals(ctx context.Context) error {
	fn := inst.wazeroMod.ExportedFunction(exportCheckpointGlobals)
	if fn == nil {
		return kafuerr.Newf(kafuerr.Instantiation, "guest module missing required %q export to checkpoint", exportCheckpointGlobals)
	}
	if _, err := fn.Call(ctx); err != nil {
		return kafuerr.Wrap(kafuerr.Execution, "snapify_checkpoint_globals failed", err)
	}
	return nil
}

func (inst *Instance) memory(name string) (api.Memory, error) {
	mem := inst.wazeroMod.ExportedMemory(name)
	if mem == nil {
		return nil, kafuerr.Newf(kafuerr.Execution, "guest module has no exported memory %q", name)
	}
	return mem, nil
}

func (inst *Instance) readMemory(name string) ([]byte, error) {
	mem, err := inst.memory(name)
	if err != nil {
		return nil, err
	}
	buf, ok := mem.Read(0, mem.Size())
	if !ok {
		return nil, kafuerr.Newf(kafuerr.Execution, "failed to read memory %q", name)
	}
	return append([]byte(nil), buf...), nil
}

func (inst *Instance) writeMemory(name string, data []byte) error {
	mem, err := inst.memory(name)
	if err != nil {
		return err
	}

	if want := uint32(len(data)); want > mem.Size() {
		grow := want - mem.Size()
		pages := grow / wasmPageSize
		if grow%wasmPageSize != 0 {
			pages++
		}
		if _, ok := mem.Grow(pages); !ok {
			return kafuerr.Newf(kafuerr.Execution, "failed to grow memory %q by %d pages", name, pages)
		}
	}

	if !mem.Write(0, data) {
		return fmt.Errorf("engine: failed to write %d bytes into memory %q", len(data), name)
	}
	return nil
}

const wasmPageSize = 64 * 1024
