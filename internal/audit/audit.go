// Package audit provides an embedded, append-only log of migration and
// liveness events (SPEC_FULL.md §2B/§3's migration audit record), backed
// by DuckDB the same way the teacher's own repository opened its store:
// migrate the schema on open, then insert through plain database/sql.
package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/kafu/internal/kafuerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS migration_events (
	migration_id   VARCHAR,
	node_id        VARCHAR NOT NULL,
	direction      VARCHAR NOT NULL,
	kind           VARCHAR NOT NULL,
	peer_node_id   VARCHAR NOT NULL,
	main_bytes     UBIGINT NOT NULL,
	snapify_bytes  UBIGINT NOT NULL,
	outcome        VARCHAR NOT NULL,
	recorded_at    TIMESTAMP NOT NULL DEFAULT current_timestamp
);

CREATE TABLE IF NOT EXISTS liveness_events (
	node_id        VARCHAR NOT NULL,
	peer_node_id   VARCHAR NOT NULL,
	kind           VARCHAR NOT NULL,
	detail         VARCHAR,
	recorded_at    TIMESTAMP NOT NULL DEFAULT current_timestamp
);
`

// Store is an append-only audit log for one node process. It satisfies
// rpc.AuditLog so the migration sender/receiver can record outcomes
// without importing this package directly.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a DuckDB file at path and migrates
// its schema, mirroring the teacher's schema-migration-on-open pattern.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, kafuerr.Wrap(kafuerr.Config, "failed to open audit database", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, kafuerr.Wrap(kafuerr.Config, "failed to migrate audit schema", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordMigration appends one migration attempt outcome.
func (s *Store) RecordMigration(ctx context.Context, migrationID, nodeID, direction, kind, peer string, mainBytes, snapifyBytes uint64, outcome string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO migration_events (migration_id, node_id, direction, kind, peer_node_id, main_bytes, snapify_bytes, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		migrationID, nodeID, direction, kind, peer, mainBytes, snapifyBytes, outcome,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record migration event: %w", err)
	}
	return nil
}

// RecordLiveness appends one liveness event (heartbeat loss, coordinator
// change, shutdown fan-out) for operational history.
func (s *Store) RecordLiveness(ctx context.Context, nodeID, peer, kind, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO liveness_events (node_id, peer_node_id, kind, detail) VALUES (?, ?, ?, ?)`,
		nodeID, peer, kind, detail,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record liveness event: %w", err)
	}
	return nil
}
