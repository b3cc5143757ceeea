package rpc

import (
	"github.com/manthysbr/kafu/internal/engine"
	"github.com/manthysbr/kafu/internal/migration"
)

func stackToWire(stack []engine.StackEntry) []StackEntryWire {
	out := make([]StackEntryWire, len(stack))
	for i, s := range stack {
		out[i] = StackEntryWire{FromNodeID: s.FromNodeID, WasmStackHeight: s.WasmStackHeight}
	}
	return out
}

func stackFromWire(stack []StackEntryWire) []engine.StackEntry {
	out := make([]engine.StackEntry, len(stack))
	for i, s := range stack {
		out[i] = engine.StackEntry{FromNodeID: s.FromNodeID, WasmStackHeight: s.WasmStackHeight}
	}
	return out
}

func pagesToWire(pages []migration.Page) []MemoryDeltaPage {
	out := make([]MemoryDeltaPage, len(pages))
	for i, p := range pages {
		out[i] = MemoryDeltaPage{Index: p.Index, Data: p.Data}
	}
	return out
}

func pagesFromWire(pages []MemoryDeltaPage) []migration.Page {
	out := make([]migration.Page, len(pages))
	for i, p := range pages {
		out[i] = migration.Page{Index: p.Index, Data: p.Data}
	}
	return out
}
