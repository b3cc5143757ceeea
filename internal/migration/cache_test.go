package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCache_EmptyByDefault(t *testing.T) {
	c := NewSnapshotCache()
	var digest [32]byte
	assert.False(t, c.Has(digest))
	_, _, ok := c.Get(digest)
	assert.False(t, ok)
}

func TestSnapshotCache_PutThenGet(t *testing.T) {
	c := NewSnapshotCache()
	digest := [32]byte{1, 2, 3}
	c.Put(digest, []byte("main"), []byte("snapify"))

	require.True(t, c.Has(digest))
	main, snapify, ok := c.Get(digest)
	require.True(t, ok)
	assert.Equal(t, []byte("main"), main)
	assert.Equal(t, []byte("snapify"), snapify)
}

func TestSnapshotCache_MissOnDifferentDigest(t *testing.T) {
	c := NewSnapshotCache()
	c.Put([32]byte{1}, []byte("a"), []byte("b"))
	assert.False(t, c.Has([32]byte{2}))
}

func TestSnapshotCache_PutReplacesSlot(t *testing.T) {
	c := NewSnapshotCache()
	c.Put([32]byte{1}, []byte("old"), nil)
	c.Put([32]byte{2}, []byte("new"), nil)

	assert.False(t, c.Has([32]byte{1}))
	main, _, ok := c.Get([32]byte{2})
	require.True(t, ok)
	assert.Equal(t, []byte("new"), main)
}

func TestSnapshotCache_ClearEmpties(t *testing.T) {
	c := NewSnapshotCache()
	digest := [32]byte{9}
	c.Put(digest, []byte("x"), []byte("y"))
	c.Clear()
	assert.False(t, c.Has(digest))
}
