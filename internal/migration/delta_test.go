package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(index uint32, data []byte) Page { return Page{Index: index, Data: data} }

func TestDiff_EmptyBaselineYieldsFullPages(t *testing.T) {
	current := make([]byte, PageSize+10)
	for i := range current {
		current[i] = byte(i)
	}

	pages := Diff(nil, current)
	require.Len(t, pages, 2)
	assert.Equal(t, uint32(0), pages[0].Index)
	assert.Len(t, pages[0].Data, PageSize)
	assert.Equal(t, uint32(1), pages[1].Index)
	assert.Len(t, pages[1].Data, 10)
}

func TestDiff_OnlyChangedPagesReturned(t *testing.T) {
	baseline := make([]byte, PageSize*3)
	current := append([]byte(nil), baseline...)
	current[PageSize+5] = 0xFF // touch only page 1

	pages := Diff(baseline, current)
	require.Len(t, pages, 1)
	assert.Equal(t, uint32(1), pages[0].Index)
}

func TestDiff_IdenticalMemoryYieldsNoPages(t *testing.T) {
	baseline := []byte{1, 2, 3, 4}
	current := append([]byte(nil), baseline...)
	assert.Empty(t, Diff(baseline, current))
}

func TestDiff_GrowthBeyondBaselineIsIncluded(t *testing.T) {
	baseline := make([]byte, PageSize)
	current := make([]byte, PageSize*2)
	pages := Diff(baseline, current)
	require.Len(t, pages, 1)
	assert.Equal(t, uint32(1), pages[0].Index)
}

func TestApply_ReconstructsFromBaselineAndPages(t *testing.T) {
	baseline := make([]byte, PageSize*2)
	want := append([]byte(nil), baseline...)
	want[PageSize+3] = 0xAB

	pages := Diff(baseline, want)
	got, err := Apply(baseline, pages, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestApply_FullImageWithNoBaseline(t *testing.T) {
	want := make([]byte, PageSize+1)
	want[0] = 0x11

	pages := Diff(nil, want)
	got, err := Apply(nil, pages, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestApply_NoBaselineNoPagesIsFatal(t *testing.T) {
	_, err := Apply(nil, nil, 0)
	require.Error(t, err)
}

func TestApply_PagesExtendBaselineLength(t *testing.T) {
	baseline := make([]byte, PageSize)
	extra := page(1, []byte{0x01, 0x02})

	got, err := Apply(baseline, []Page{extra}, PageSize+2)
	require.NoError(t, err)
	assert.Len(t, got, PageSize+2)
	assert.Equal(t, byte(0x01), got[PageSize])
	assert.Equal(t, byte(0x02), got[PageSize+1])
}
