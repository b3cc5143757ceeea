// Package migration implements the page-level delta codec (part of C1's
// algorithm, SPEC_FULL.md §4.1), the LZ4 compression framing and the
// per-node snapshot cache (C7). The migration sender (C4) that uses them
// lives in internal/rpc (sender.go).
package migration

import "errors"

// errNoSourceOfTruth is returned by Apply when neither a baseline nor any
// delta pages are available to reconstruct a memory image from.
var errNoSourceOfTruth = errors.New("migration: no baseline and no delta pages to apply")

// PageSize is the fixed 64 KiB unit used for all delta encoding; both
// linear memories grow in multiples of it.
const PageSize = 64 * 1024

// Page is one changed 64 KiB unit of a linear memory, carrying its
// absolute page index and the (at most PageSize) bytes at that offset.
type Page struct {
	Index uint32
	Data  []byte
}

// Diff walks current in PageSize chunks against baseline and returns the
// pages that differ, per SPEC_FULL.md §4.1: a page is included if it lies
// beyond baseline's length, or its bytes differ from baseline's
// corresponding page (the last page is compared only over its actual
// length).
func Diff(baseline, current []byte) []Page {
	var pages []Page
	for start := 0; start < len(current); start += PageSize {
		end := start + PageSize
		if end > len(current) {
			end = len(current)
		}
		chunk := current[start:end]

		var baseChunk []byte
		if start < len(baseline) {
			baseEnd := start + len(chunk)
			if baseEnd > len(baseline) {
				baseEnd = len(baseline)
			}
			baseChunk = baseline[start:baseEnd]
		}

		if len(baseChunk) != len(chunk) || !bytesEqual(baseChunk, chunk) {
			pages = append(pages, Page{Index: uint32(start / PageSize), Data: append([]byte(nil), chunk...)})
		}
	}
	return pages
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Apply reconstructs a memory image from a baseline, a set of (disjoint,
// by construction) delta pages, and a target length in bytes, per
// SPEC_FULL.md §4.1. Fails only when baseline is empty and no delta pages
// are supplied — there is then no source of truth to reconstruct from.
func Apply(baseline []byte, pages []Page, targetLen int) ([]byte, error) {
	if len(baseline) == 0 && len(pages) == 0 {
		return nil, errNoSourceOfTruth

	}

	outLen := len(baseline)
	if targetLen > outLen {
		outLen = targetLen
	}
	for _, p := range pages {
		end := int(p.Index)*PageSize + len(p.Data)
		if end > outLen {
			outLen = end
		}
	}

	out := make([]byte, outLen)
	copyLen := len(baseline)
	if copyLen > outLen {
		copyLen = outLen
	}
	copy(out[:copyLen], baseline[:copyLen])

	applyPages(out, pages)

	return out, nil
}

// applyPages writes each page's bytes at page_index × PageSize. Pages are
// disjoint by construction (SPEC_FULL.md §8 property 4).
func applyPages(out []byte, pages []Page) {
	for _, p := range pages {
		offset := int(p.Index) * PageSize
		copy(out[offset:offset+len(p.Data)], p.Data)
	}
}
