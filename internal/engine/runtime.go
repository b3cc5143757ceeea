// Package engine implements the checkpoint/restore runtime (C1), the
// module-metadata wiring (C2) and the migration-point host callback (C3)
// described by SPEC_FULL.md §4.1–§4.3.
//
// It wraps wazero (the teacher's own WASM engine choice) the same way
// internal/synapse wrapped it for ahead-of-time-compiled plugin execution,
// generalized here to a single long-lived guest module per node instead of
// a registry of short-lived tool invocations.
package engine

import (
	"context"
	"crypto/sha256"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/manthysbr/kafu/internal/kafuerr"
	"github.com/manthysbr/kafu/internal/wasmmeta"
)

// CheckpointMode selects how the `snapify.should_checkpoint` import is
// linked, per SPEC_FULL.md §4.1 and the decided Open Question (b) in §9.
type CheckpointMode int

const (
	// CheckpointEnabled links the real migration-point handler (C3).
	CheckpointEnabled CheckpointMode = iota
	// CheckpointDummy emulates multi-hop programs on a single node: the
	// callback swaps the in-store node ID and never suspends.
	CheckpointDummy
	// CheckpointDisabled omits the `snapify` host module entirely. A
	// guest that imports it anyway fails instantiation — wazero's own
	// unsatisfied-import error, surfaced as kafuerr.Instantiation.
	CheckpointDisabled
)

// LinkerConfig toggles the import groups described by SPEC_FULL.md §4.1.
type LinkerConfig struct {
	// WASI is not consulted: NewRuntime instantiates WASI preview1 for
	// every Runtime, so it is linked whether this is true or false.
	WASI           bool
	NeuralNet      bool
	Spectest       bool
	DomainHelpers  bool
	CheckpointMode CheckpointMode
}

// DefaultLinkerConfig sets WASI and the real migration hook; the three
// optional ABI groups are off unless a deployment opts in.
func DefaultLinkerConfig() LinkerConfig {
	return LinkerConfig{WASI: true, CheckpointMode: CheckpointEnabled}
}

// Module is the compiled, immutable guest module shared by every Instance
// built from it: raw bytes, digest and module metadata (C2) are parsed
// once regardless of how many Instances reference the module.
type Module struct {
	bytes    []byte
	digest   [32]byte
	compiled wazero.CompiledModule
	meta     *wasmmeta.Metadata
}

// Digest returns the SHA-256 of the raw Wasm bytes, used to gate migration
// requests against code drift (SPEC_FULL.md §4.5 step 2).
func (m *Module) Digest() [32]byte { return m.digest }

// Metadata returns the parsed function→destination map (C2).
func (m *Module) Metadata() *wasmmeta.Metadata { return m.meta }

// Runtime owns the wazero engine and compiles guest modules into Module
// values. One Runtime is constructed per node process.
type Runtime struct {
	logger *slog.Logger
	rt     wazero.Runtime
}

// NewRuntime builds a wazero engine using the AOT compiler (falling back to
// the interpreter on unsupported architectures, same as the teacher's
// synapse runtime) with WASI preview1 instantiated.
func NewRuntime(ctx context.Context, logger *slog.Logger) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, kafuerr.Wrap(kafuerr.Instantiation, "failed to instantiate WASI", err)
	}

	logger.Info("engine: runtime initialized")
	return &Runtime{logger: logger, rt: rt}, nil
}

// CompileModule parses the module's metadata (C2) and compiles it.
func (r *Runtime) CompileModule(ctx context.Context, wasmBytes []byte) (*Module, error) {
	meta, err := wasmmeta.Parse(wasmBytes)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Instantiation, "failed to parse module metadata", err)
	}

	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Instantiation, "failed to compile module", err)
	}

	return &Module{
		bytes:    wasmBytes,
		digest:   sha256.Sum256(wasmBytes),
		compiled: compiled,
		meta:     meta,
	}, nil
}

// Close shuts down the underlying wazero runtime, closing every module
// compiled from it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}

func (r *Runtime) wazero() wazero.Runtime { return r.rt }
