package audit_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/kafu/internal/audit"
)

func TestStore_RecordMigrationAndLiveness(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.duckdb")

	store, err := audit.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.RecordMigration(ctx, "mig-1", "n1", "send", "func_entry", "n2", 65536, 0, "success"))
	require.NoError(t, store.RecordLiveness(ctx, "n1", "n2", "heartbeat_timeout", "5 consecutive failures"))
}

func TestOpen_CreatesFileAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.duckdb")

	store1, err := audit.Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, store1.Close())

	store2, err := audit.Open(ctx, path)
	require.NoError(t, err)
	defer store2.Close()

	assert.NotNil(t, store2)
}
