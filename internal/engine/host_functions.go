package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// registerOptionalImportGroups wires the three optional ABI groups toggled
// by LinkerConfig (SPEC_FULL.md §4.1): the neural-net helper ABI, the
// spectest ABI, and a domain-specific helper ABI. Their actual bodies are
// external collaborators out of this module's scope (SPEC_FULL.md §1); what
// matters here is only that a guest module referencing one of these imports
// links successfully when the corresponding toggle is on, the same way
// CheckpointDisabled deliberately leaves `snapify` unlinked when off.
func registerOptionalImportGroups(ctx context.Context, rt wazero.Runtime, cfg LinkerConfig) error {
	if cfg.NeuralNet {
		if _, err := rt.NewHostModuleBuilder("nn").
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, inputPtr, inputLen, outputPtr uint32) uint32 {
				return 0
			}).
			WithParameterNames("input_ptr", "input_len", "output_ptr").
			Export("infer").
			Instantiate(ctx); err != nil {
			return err
		}
	}

	if cfg.Spectest {
		if _, err := rt.NewHostModuleBuilder("spectest").
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module) {}).
			Export("print").
			Instantiate(ctx); err != nil {
			return err
		}
	}

	if cfg.DomainHelpers {
		if _, err := rt.NewHostModuleBuilder("kafu").
			NewFunctionBuilder().
			WithFunc(func(ctx context.Context, mod api.Module, ptr, length uint32) {}).
			WithParameterNames("ptr", "len").
			Export("log").
			Instantiate(ctx); err != nil {
			return err
		}
	}

	return nil
}
