package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/database"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/types"
)

// DefaultSnapshotName is used when a save or restore names no snapshot.
const DefaultSnapshotName = "latest"

// Snapshot is a named, point-in-time export of the entire graph store.
// Snapshots back deterministic test fixtures, fast restores, and the
// pre-fault state the fix operation rolls back to.
type Snapshot struct {
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
}

// SnapshotRecord is one registry row describing a snapshot on disk.
type SnapshotRecord struct {
	Name      string    `db:"name" json:"name"`
	Path      string    `db:"path" json:"path"`
	NodeCount int       `db:"node_count" json:"node_count"`
	EdgeCount int       `db:"edge_count" json:"edge_count"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// SnapshotManager saves and restores named graph snapshots. Files live
// under the configured snapshot directory as <name>.json; the SQLite
// registry tracks what exists so list and restore need no directory scan.
type SnapshotManager struct {
	db  *database.DB
	dir string
}

// NewSnapshotManager creates a snapshot manager writing to dir.
func NewSnapshotManager(db *database.DB, dir string) *SnapshotManager {
	return &SnapshotManager{db: db, dir: dir}
}

// Save exports the store and persists it under name, overwriting any
// previous snapshot of the same name.
func (m *SnapshotManager) Save(ctx context.Context, store Store, name string) (*SnapshotRecord, error) {
	if name == "" {
		name = DefaultSnapshotName
	}

	snap, err := store.Export(ctx)
	if err != nil {
		return nil, err
	}
	snap.Name = name

	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "failed to create snapshot directory", err)
	}

	path := filepath.Join(m.dir, name+".json")
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "failed to encode snapshot", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "failed to write snapshot file", err)
	}

	record := &SnapshotRecord{
		Name:      name,
		Path:      path,
		NodeCount: len(snap.Nodes),
		EdgeCount: len(snap.Edges),
		CreatedAt: snap.CreatedAt,
	}

	query := `
		INSERT INTO snapshots (name, path, node_count, edge_count, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			path = excluded.path,
			node_count = excluded.node_count,
			edge_count = excluded.edge_count,
			created_at = excluded.created_at
	`
	if _, err := m.db.ExecContext(ctx, query,
		record.Name, record.Path, record.NodeCount, record.EdgeCount, record.CreatedAt); err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to record snapshot", err)
	}

	return record, nil
}

// Restore loads the named snapshot and imports it into the store,
// replacing the store's current contents.
func (m *SnapshotManager) Restore(ctx context.Context, store Store, name string) (*Snapshot, error) {
	if name == "" {
		name = DefaultSnapshotName
	}

	record, err := m.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(record.Path)
	if err != nil {
		return nil, types.WrapError(types.SNAPSHOT_NOT_FOUND,
			fmt.Sprintf("snapshot file missing for %q", name), err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, types.WrapError(types.GRAPH_STORE_FAILED, "failed to decode snapshot", err)
	}

	if err := store.Import(ctx, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Get returns the registry record for the named snapshot.
func (m *SnapshotManager) Get(ctx context.Context, name string) (*SnapshotRecord, error) {
	query := `
		SELECT name, path, node_count, edge_count, created_at
		FROM snapshots
		WHERE name = ?
	`

	var record SnapshotRecord
	err := m.db.QueryRowContext(ctx, query, name).Scan(
		&record.Name,
		&record.Path,
		&record.NodeCount,
		&record.EdgeCount,
		&record.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.SNAPSHOT_NOT_FOUND, "snapshot not found: "+name)
	}
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to query snapshot", err)
	}
	return &record, nil
}

// List returns all registered snapshots, newest first.
func (m *SnapshotManager) List(ctx context.Context) ([]SnapshotRecord, error) {
	query := `
		SELECT name, path, node_count, edge_count, created_at
		FROM snapshots
		ORDER BY created_at DESC
	`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to list snapshots", err)
	}
	defer rows.Close()

	var records []SnapshotRecord
	for rows.Next() {
		var record SnapshotRecord
		if err := rows.Scan(
			&record.Name,
			&record.Path,
			&record.NodeCount,
			&record.EdgeCount,
			&record.CreatedAt,
		); err != nil {
			return nil, types.WrapError(types.DB_QUERY_FAILED, "failed to scan snapshot", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, types.WrapError(types.DB_QUERY_FAILED, "error iterating snapshots", err)
	}
	return records, nil
}
