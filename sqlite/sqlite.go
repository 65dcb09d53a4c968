// Package sqlite provides a durable graph.Backend on a single SQLite file.
//
// Records are stored as kind-tagged JSON (the graph package's codec), with
// side tables for reverse references (rekey rewriting) and the
// reverse-dependency index. Every change-set applies inside one SQL
// transaction, which is the atomicity boundary.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jacentio/espalier/graph"
	"github.com/jacentio/espalier/internal/fanout"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	ref        TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	id         TEXT NOT NULL,
	record     TEXT NOT NULL,
	etag       TEXT NOT NULL DEFAULT '',
	updated_at TEXT NOT NULL,
	tombstone  INTEGER NOT NULL DEFAULT 0,
	tags       TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS refs (
	source_ref TEXT NOT NULL,
	target_ref TEXT NOT NULL,
	PRIMARY KEY (target_ref, source_ref)
);
CREATE INDEX IF NOT EXISTS refs_by_source ON refs(source_ref);
CREATE TABLE IF NOT EXISTS deps (
	root_key   TEXT NOT NULL,
	shape_id   TEXT NOT NULL,
	entity_ref TEXT NOT NULL,
	PRIMARY KEY (root_key, shape_id, entity_ref)
);
CREATE INDEX IF NOT EXISTS deps_by_entity ON deps(entity_ref);
`

// Backend is a SQLite implementation of graph.Backend.
type Backend struct {
	db     *sql.DB
	logger *slog.Logger
	hub    *fanout.Hub

	closeMu sync.RWMutex
	closed  bool
}

// Open opens (creating if needed) the database at path and prepares the
// schema. A nil logger falls back to slog.Default().
func Open(path string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("espalier/sqlite: open %s: %w", path, err)
	}
	// Single writer at a time; SQLite serializes the rest.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("espalier/sqlite: prepare schema: %w", err)
	}
	return &Backend{db: db, logger: logger, hub: fanout.New()}, nil
}

func (b *Backend) checkOpen() error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return graph.ErrBackendClosed
	}
	return nil
}

// Get retrieves an entity record, returning graph.ErrNotFound if absent or
// tombstoned.
func (b *Backend) Get(ctx context.Context, key graph.EntityKey) (graph.NormalizedRecord, graph.EntityMeta, error) {
	if err := b.checkOpen(); err != nil {
		return nil, graph.EntityMeta{}, err
	}
	row := b.db.QueryRowContext(ctx,
		`SELECT record, etag, updated_at, tombstone, tags FROM entities WHERE ref = ?`,
		key.Ref(),
	)
	rec, meta, err := scanEntity(row)
	if err != nil {
		return nil, graph.EntityMeta{}, err
	}
	if meta.Tombstone {
		return nil, graph.EntityMeta{}, graph.ErrNotFound
	}
	return rec, meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (graph.NormalizedRecord, graph.EntityMeta, error) {
	var (
		recordJSON string
		etag       string
		updatedAt  string
		tombstone  int
		tagsJSON   string
	)
	err := row.Scan(&recordJSON, &etag, &updatedAt, &tombstone, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, graph.EntityMeta{}, graph.ErrNotFound
	}
	if err != nil {
		return nil, graph.EntityMeta{}, err
	}

	var rec graph.NormalizedRecord
	if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
		return nil, graph.EntityMeta{}, fmt.Errorf("espalier/sqlite: corrupt record: %w", err)
	}
	meta := graph.EntityMeta{ETag: etag, Tombstone: tombstone != 0}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		meta.UpdatedAt = t
	}
	if err := json.Unmarshal([]byte(tagsJSON), &meta.Tags); err != nil {
		return nil, graph.EntityMeta{}, fmt.Errorf("espalier/sqlite: corrupt tags: %w", err)
	}
	return rec, meta, nil
}

// Apply writes the change-set inside one transaction, then publishes the
// affected roots.
func (b *Backend) Apply(ctx context.Context, changes *graph.ChangeSet) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := b.applyTx(ctx, tx, changes); err != nil {
		return err
	}

	keys := changes.Keys()
	roots, err := affectedTx(ctx, tx, keys)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if len(roots) > 0 {
		b.hub.Publish(graph.NewRootSet(roots...))
	}
	b.logger.Debug("change-set applied",
		"changedKeys", len(keys),
		"affectedRoots", len(roots),
	)
	return nil
}

func (b *Backend) applyTx(ctx context.Context, tx *sql.Tx, changes *graph.ChangeSet) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	for key, expected := range changes.ExpectETag {
		var etag string
		var tombstone int
		err := tx.QueryRowContext(ctx,
			`SELECT etag, tombstone FROM entities WHERE ref = ?`, key.Ref(),
		).Scan(&etag, &tombstone)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && (tombstone != 0 || etag != expected)) {
			return graph.ErrConcurrentModification
		}
		if err != nil {
			return err
		}
	}

	for _, rk := range changes.Rekeys {
		if _, upserted := changes.Upserts[rk.New]; upserted {
			continue
		}
		var occupied int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM entities WHERE ref = ?`, rk.New.Ref(),
		).Scan(&occupied)
		if err != nil {
			return err
		}
		if occupied > 0 {
			return graph.ErrRekeyConflict
		}
	}

	for key, rec := range changes.Upserts {
		merged := rec
		if mask := changes.FieldMasks[key]; mask != nil {
			base, baseMeta, err := b.getTx(ctx, tx, key)
			if err != nil && !errors.Is(err, graph.ErrNotFound) {
				return err
			}
			if baseMeta.Tombstone {
				base = nil
			}
			merged = base.Merge(rec, mask)
		}

		meta, hasMeta := changes.Meta[key]
		if !hasMeta {
			_, existing, err := b.getTx(ctx, tx, key)
			if err != nil && !errors.Is(err, graph.ErrNotFound) {
				return err
			}
			meta = existing
		}
		meta.Tombstone = false

		if err := writeEntityTx(ctx, tx, key, merged, meta, now); err != nil {
			return err
		}
	}

	for key := range changes.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE ref = ?`, key.Ref()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM refs WHERE source_ref = ?`, key.Ref()); err != nil {
			return err
		}
	}

	for _, rk := range changes.Rekeys {
		if err := applyRekeyTx(ctx, tx, rk, now); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) getTx(ctx context.Context, tx *sql.Tx, key graph.EntityKey) (graph.NormalizedRecord, graph.EntityMeta, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT record, etag, updated_at, tombstone, tags FROM entities WHERE ref = ?`,
		key.Ref(),
	)
	return scanEntity(row)
}

func writeEntityTx(ctx context.Context, tx *sql.Tx, key graph.EntityKey, rec graph.NormalizedRecord, meta graph.EntityMeta, now string) error {
	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tags := meta.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (ref, type, id, record, etag, updated_at, tombstone, tags)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(ref) DO UPDATE SET
			record = excluded.record,
			etag = excluded.etag,
			updated_at = excluded.updated_at,
			tombstone = 0,
			tags = excluded.tags`,
		key.Ref(), key.Type, key.ID, string(recordJSON), meta.ETag, now, string(tagsJSON),
	)
	if err != nil {
		return err
	}

	// Reference rows are maintained exactly: replace the source's rows with
	// the record's current targets.
	if _, err := tx.ExecContext(ctx, `DELETE FROM refs WHERE source_ref = ?`, key.Ref()); err != nil {
		return err
	}
	seen := make(map[string]struct{})
	for _, target := range rec.ReferencedKeys() {
		if _, dup := seen[target.Ref()]; dup {
			continue
		}
		seen[target.Ref()] = struct{}{}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO refs (source_ref, target_ref) VALUES (?, ?)`,
			key.Ref(), target.Ref(),
		); err != nil {
			return err
		}
	}
	return nil
}

func applyRekeyTx(ctx context.Context, tx *sql.Tx, rk graph.Rekey, now string) error {
	// Move the record itself.
	if _, err := tx.ExecContext(ctx,
		`UPDATE entities SET ref = ?, type = ?, id = ?, updated_at = ? WHERE ref = ?`,
		rk.New.Ref(), rk.New.Type, rk.New.ID, now, rk.Old.Ref(),
	); err != nil {
		return err
	}

	// Rewrite every record that references the old key.
	rows, err := tx.QueryContext(ctx,
		`SELECT source_ref FROM refs WHERE target_ref = ?`, rk.Old.Ref(),
	)
	if err != nil {
		return err
	}
	var sources []string
	for rows.Next() {
		var source string
		if err := rows.Scan(&source); err != nil {
			rows.Close()
			return err
		}
		sources = append(sources, source)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, sourceRef := range sources {
		source, err := graph.ParseRef(sourceRef)
		if err != nil {
			continue
		}
		if source == rk.Old {
			source = rk.New // self reference, record already moved
		}
		var recordJSON string
		err = tx.QueryRowContext(ctx,
			`SELECT record FROM entities WHERE ref = ?`, source.Ref(),
		).Scan(&recordJSON)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		var rec graph.NormalizedRecord
		if err := json.Unmarshal([]byte(recordJSON), &rec); err != nil {
			return err
		}
		rewritten, changed := rec.RewriteRefs(rk.Old, rk.New)
		if !changed {
			continue
		}
		out, err := json.Marshal(rewritten)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE entities SET record = ?, updated_at = ? WHERE ref = ?`,
			string(out), now, source.Ref(),
		); err != nil {
			return err
		}
	}

	// Migrate the side tables to the new identity.
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE refs SET target_ref = ? WHERE target_ref = ?`,
		rk.New.Ref(), rk.Old.Ref(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE refs SET source_ref = ? WHERE source_ref = ?`,
		rk.New.Ref(), rk.Old.Ref(),
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE OR REPLACE deps SET entity_ref = ? WHERE entity_ref = ?`,
		rk.New.Ref(), rk.Old.Ref(),
	); err != nil {
		return err
	}
	return nil
}

// UpdateRootDependencies replaces the dependency rows for root in one
// transaction.
func (b *Backend) UpdateRootDependencies(ctx context.Context, root graph.RootRef, entities []graph.EntityKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM deps WHERE root_key = ? AND shape_id = ?`,
		root.Key, root.ShapeID,
	); err != nil {
		return err
	}
	for _, key := range entities {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO deps (root_key, shape_id, entity_ref) VALUES (?, ?, ?)`,
			root.Key, root.ShapeID, key.Ref(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RemoveRootDependencies drops every dependency row for root.
func (b *Backend) RemoveRootDependencies(ctx context.Context, root graph.RootRef) error {
	return b.UpdateRootDependencies(ctx, root, nil)
}

// AffectedRoots returns the roots whose dependency rows intersect the given
// keys.
func (b *Backend) AffectedRoots(ctx context.Context, entities []graph.EntityKey) ([]graph.RootRef, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := b.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return affectedTx(ctx, tx, entities)
}

func affectedTx(ctx context.Context, tx *sql.Tx, entities []graph.EntityKey) ([]graph.RootRef, error) {
	if len(entities) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entities)), ",")
	args := make([]any, len(entities))
	for i, key := range entities {
		args[i] = key.Ref()
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT root_key, shape_id FROM deps WHERE entity_ref IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []graph.RootRef
	for rows.Next() {
		var root graph.RootRef
		if err := rows.Scan(&root.Key, &root.ShapeID); err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}

// Invalidate publishes an invalidation for externally observed changes, e.g.
// another process writing the same database file. With no keys it publishes
// the recompose-everything sentinel.
func (b *Backend) Invalidate(ctx context.Context, entities []graph.EntityKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if len(entities) == 0 {
		b.hub.Publish(graph.RootSet{})
		return nil
	}
	roots, err := b.AffectedRoots(ctx, entities)
	if err != nil {
		return err
	}
	if len(roots) > 0 {
		b.hub.Publish(graph.NewRootSet(roots...))
	}
	return nil
}

// Subscribe registers a conflated invalidation receiver.
func (b *Backend) Subscribe() (<-chan graph.RootSet, func()) {
	return b.hub.Subscribe()
}

// Close shuts the backend down, closes subscriptions, and closes the
// database.
func (b *Backend) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()
	b.hub.Close()
	return b.db.Close()
}
