package kafuconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
name: demo
app:
  path: ./guest.wasm
nodes:
  n1:
    address: 127.0.0.1
    port: 50051
  n2:
    address: 127.0.0.1
    port: 50052
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Name)
	require.Len(t, cfg.Nodes, 2)
	assert.Equal(t, "n1", cfg.Nodes[0].ID)
	assert.Equal(t, "n1", cfg.CoordinatorID())
	assert.Equal(t, "n2", cfg.Nodes[1].ID)

	assert.Equal(t, ShutdownSelf, cfg.Cluster.Heartbeat.FollowerOnCoordinatorLost)
	assert.EqualValues(t, 1000, cfg.Cluster.Heartbeat.IntervalMS)
	assert.True(t, cfg.Cluster.Migration.MemoryCompression)
	assert.Equal(t, Delta, cfg.Cluster.Migration.MemoryMigration)

	wasmPath, ok := cfg.WasmPath()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "guest.wasm"), wasmPath)
}

func TestLoad_NodeOrderPreserved(t *testing.T) {
	path := writeConfig(t, `
name: demo
app:
  url: https://example.invalid/guest.wasm
nodes:
  zeta:
    address: 10.0.0.3
    port: 1
  alpha:
    address: 10.0.0.1
    port: 2
  mu:
    address: 10.0.0.2
    port: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Nodes, 3)
	assert.Equal(t, []string{"zeta", "alpha", "mu"}, []string{cfg.Nodes[0].ID, cfg.Nodes[1].ID, cfg.Nodes[2].ID})
	assert.Equal(t, "zeta", cfg.CoordinatorID())
}

func TestLoad_RejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
name: demo
app:
  path: ./guest.wasm
nodes:
  n1:
    address: 127.0.0.1
    port: 1
bogus_field: true
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMissingNodes(t *testing.T) {
	path := writeConfig(t, `
name: demo
app:
  path: ./guest.wasm
nodes: {}
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsBothPathAndURL(t *testing.T) {
	path := writeConfig(t, `
name: demo
app:
  path: ./guest.wasm
  url: https://example.invalid/guest.wasm
nodes:
  n1:
    address: 127.0.0.1
    port: 1
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_ExplicitClusterOverrides(t *testing.T) {
	path := writeConfig(t, `
name: demo
app:
  path: ./guest.wasm
nodes:
  n1:
    address: 127.0.0.1
    port: 1
cluster:
  heartbeat:
    follower_on_coordinator_lost: ignore
    interval_ms: 250
  migration:
    memory_compression: false
    memory_migration: full
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Ignore, cfg.Cluster.Heartbeat.FollowerOnCoordinatorLost)
	assert.EqualValues(t, 250, cfg.Cluster.Heartbeat.IntervalMS)
	assert.False(t, cfg.Cluster.Migration.MemoryCompression)
	assert.Equal(t, Full, cfg.Cluster.Migration.MemoryMigration)
}
