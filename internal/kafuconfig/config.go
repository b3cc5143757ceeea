// Package kafuconfig loads and validates the cluster configuration file
// shared by every node: node addresses, the guest Wasm location, and
// cluster-wide heartbeat/migration policy.
package kafuconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/manthysbr/kafu/internal/kafuerr"
	"gopkg.in/yaml.v3"
)

// FollowerOnCoordinatorLost selects how a follower reacts when it judges the
// coordinator lost.
type FollowerOnCoordinatorLost string

const (
	// ShutdownSelf tears the node down when the coordinator is lost.
	ShutdownSelf FollowerOnCoordinatorLost = "shutdown_self"
	// Ignore logs the loss and keeps running.
	Ignore FollowerOnCoordinatorLost = "ignore"
)

// MemoryMigrationMode selects whether migrations always carry a full
// snapshot or prefer page-level deltas when a baseline exists.
type MemoryMigrationMode string

const (
	// Full always sends the complete memory image.
	Full MemoryMigrationMode = "full"
	// Delta sends only changed pages when the receiver reports a baseline.
	Delta MemoryMigrationMode = "delta"
)

// HeartbeatConfig is the `cluster.heartbeat` section.
type HeartbeatConfig struct {
	FollowerOnCoordinatorLost FollowerOnCoordinatorLost `yaml:"follower_on_coordinator_lost"`
	IntervalMS                uint64                    `yaml:"interval_ms"`
}

// MigrationConfig is the `cluster.migration` section. Both fields are
// parsed and validated, but the migration sender (internal/rpc) does not
// read them: it always frames payloads with migration.Compress and picks
// delta or full from the peer's cache state and its own baseline alone.
type MigrationConfig struct {
	MemoryCompression bool                 `yaml:"memory_compression"`
	MemoryMigration   MemoryMigrationMode  `yaml:"memory_migration"`
}

// ClusterConfig is the `cluster` section; wholly optional in the YAML file.
type ClusterConfig struct {
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Migration MigrationConfig  `yaml:"migration"`
}

// AppConfig is the `app` section describing the guest Wasm binary.
type AppConfig struct {
	Path          string   `yaml:"path,omitempty"`
	URL           string   `yaml:"url,omitempty"`
	Args          []string `yaml:"args"`
	PreopenedDir  string   `yaml:"preopened_dir,omitempty"`
}

// NodeConfig describes one cluster member.
type NodeConfig struct {
	Address   string `yaml:"address"`
	Port      uint16 `yaml:"port"`
	Placement string `yaml:"placement,omitempty"`
}

// rawConfig mirrors the YAML shape before node-order and defaults are
// resolved; yaml.Node keeps map insertion order, which plain map[string]T
// loses and which this schema depends on (first node == coordinator).
type rawConfig struct {
	Name    string     `yaml:"name"`
	App     AppConfig  `yaml:"app"`
	Nodes   yaml.Node  `yaml:"nodes"`
	Cluster *ClusterConfig `yaml:"cluster"`
}

// Config is the fully loaded, defaulted and validated cluster configuration.
type Config struct {
	Name    string
	App     AppConfig
	Nodes   []NodeEntry
	Cluster ClusterConfig

	dir string // directory containing the config file; resolves relative app.path
}

// NodeEntry is one ordered (id, config) pair; Nodes[0] is the coordinator.
type NodeEntry struct {
	ID     string
	Config NodeConfig
}

// Load reads, parses, defaults and validates a cluster config file.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Config, "failed to open config file", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	// Pre-seed memory_compression with its default: once decoded, a bool
	// left out of the YAML cannot be told apart from an explicit false.
	raw := rawConfig{Cluster: &ClusterConfig{Migration: MigrationConfig{MemoryCompression: true}}}
	if err := dec.Decode(&raw); err != nil {
		return nil, kafuerr.Wrap(kafuerr.Config, "failed to parse YAML", err)
	}

	nodes, err := decodeNodes(&raw.Nodes)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Config, "failed to parse nodes", err)
	}

	cluster := defaultClusterConfig()
	if raw.Cluster != nil {
		cluster = *raw.Cluster
		applyClusterDefaults(&cluster)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Config, "failed to resolve config path", err)
	}

	cfg := &Config{
		Name:    raw.Name,
		App:     raw.App,
		Nodes:   nodes,
		Cluster: cluster,
		dir:     filepath.Dir(absPath),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeNodes(node *yaml.Node) ([]NodeEntry, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("nodes must be a mapping")
	}
	entries := make([]NodeEntry, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var id string
		if err := node.Content[i].Decode(&id); err != nil {
			return nil, err
		}
		var nc NodeConfig
		nc.Port = 0
		dec := node.Content[i+1]
		// yaml.Node.Decode does not apply the outer decoder's KnownFields
		// check, so node entries' keys are checked here.
		if dec.Kind == yaml.MappingNode {
			for j := 0; j+1 < len(dec.Content); j += 2 {
				switch key := dec.Content[j].Value; key {
				case "address", "port", "placement":
				default:
					return nil, fmt.Errorf("node %q: unknown field %q", id, key)
				}
			}
		}
		if err := dec.Decode(&nc); err != nil {
			return nil, err
		}
		entries = append(entries, NodeEntry{ID: id, Config: nc})
	}
	return entries, nil
}

func defaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		Heartbeat: HeartbeatConfig{
			FollowerOnCoordinatorLost: ShutdownSelf,
			IntervalMS:                1000,
		},
		Migration: MigrationConfig{
			MemoryCompression: true,
			MemoryMigration:   Delta,
		},
	}
}

func applyClusterDefaults(c *ClusterConfig) {
	if c.Heartbeat.FollowerOnCoordinatorLost == "" {
		c.Heartbeat.FollowerOnCoordinatorLost = ShutdownSelf
	}
	if c.Heartbeat.IntervalMS == 0 {
		c.Heartbeat.IntervalMS = 1000
	}
	if c.Migration.MemoryMigration == "" {
		c.Migration.MemoryMigration = Delta
	}
}

func (c *Config) validate() error {
	if c.Name == "" {
		return kafuerr.New(kafuerr.Config, "name is required")
	}
	if len(c.Nodes) == 0 {
		return kafuerr.New(kafuerr.Config, "at least one node is required")
	}
	for _, n := range c.Nodes {
		if n.ID == "" {
			return kafuerr.New(kafuerr.Config, "node id must not be empty")
		}
		if n.Config.Address == "" {
			return kafuerr.Newf(kafuerr.Config, "node %q: address must not be empty", n.ID)
		}
	}
	if c.App.Path != "" && c.App.URL != "" {
		return kafuerr.New(kafuerr.Config, "only one of app.path or app.url can be specified")
	}
	if c.App.Path == "" && c.App.URL == "" {
		return kafuerr.New(kafuerr.Config, "one of app.path or app.url must be specified")
	}
	switch c.Cluster.Heartbeat.FollowerOnCoordinatorLost {
	case ShutdownSelf, Ignore:
	default:
		return kafuerr.Newf(kafuerr.Config, "invalid follower_on_coordinator_lost: %q", c.Cluster.Heartbeat.FollowerOnCoordinatorLost)
	}
	switch c.Cluster.Migration.MemoryMigration {
	case Full, Delta:
	default:
		return kafuerr.Newf(kafuerr.Config, "invalid memory_migration: %q", c.Cluster.Migration.MemoryMigration)
	}
	return nil
}

// CoordinatorID returns the first node listed in the config file.
func (c *Config) CoordinatorID() string {
	return c.Nodes[0].ID
}

// Node looks up a node by ID.
func (c *Config) Node(id string) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n.Config, true
		}
	}
	return NodeConfig{}, false
}

// OtherNodes returns every configured node except the given one, in order.
func (c *Config) OtherNodes(exceptID string) []NodeEntry {
	out := make([]NodeEntry, 0, len(c.Nodes))
	for _, n := range c.Nodes {
		if n.ID != exceptID {
			out = append(out, n)
		}
	}
	return out
}

// WasmPath resolves the app's Wasm location to a filesystem path, relative
// paths being relative to the config file's directory. Returns ("", false)
// when the app is configured by URL instead.
func (c *Config) WasmPath() (string, bool) {
	if c.App.Path == "" {
		return "", false
	}
	if filepath.IsAbs(c.App.Path) {
		return c.App.Path, true
	}
	return filepath.Join(c.dir, c.App.Path), true
}

// Endpoint returns the "host:port" address for a node, the form
// rpc.NewClient expects (it supplies the scheme itself).
func (n NodeConfig) Endpoint() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}
