package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"loom/internal/artifact"
	"loom/internal/config"
	"loom/internal/services"
)

// Store is the storage collaborator: a content-addressed payload cache plus
// checkpoint snapshots, backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the project database and applies migrations.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.ProjectDir, "loom.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// GetPayload looks up the payload reference for a fingerprint.
// The second return value reports whether the fingerprint was found.
func (s *Store) GetPayload(ctx context.Context, fingerprint artifact.Fingerprint) (string, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload_ref FROM payloads WHERE fingerprint = ?`, string(fingerprint))
	var ref string
	err := row.Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, services.Wrap(services.ErrStorage, "store", "get payload", string(fingerprint), err)
	}
	return ref, true, nil
}

// PutPayload stores a payload under its fingerprint and returns the payload
// reference. Writing an already-present fingerprint returns the existing
// reference; the payload row is written atomically so a node is never left
// half-persisted.
func (s *Store) PutPayload(ctx context.Context, fingerprint artifact.Fingerprint, kind artifact.Kind, payload []byte) (string, error) {
	ref := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payloads (fingerprint, kind, payload_ref, payload, size_bytes, created_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(fingerprint) DO NOTHING`,
		string(fingerprint), string(kind), ref, payload, len(payload), now)
	if err != nil {
		return "", services.Wrap(services.ErrStorage, "store", "put payload", string(fingerprint), err)
	}

	existing, found, err := s.GetPayload(ctx, fingerprint)
	if err != nil {
		return "", err
	}
	if !found {
		return "", services.Wrap(services.ErrStorage, "store", "put payload",
			fmt.Sprintf("payload for %s missing after insert", fingerprint), nil)
	}
	return existing, nil
}

// Payload returns the stored bytes for a fingerprint.
func (s *Store) Payload(ctx context.Context, fingerprint artifact.Fingerprint) ([]byte, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM payloads WHERE fingerprint = ?`, string(fingerprint))
	var payload []byte
	err := row.Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrStorage, "store", "payload",
			fmt.Sprintf("no payload for %s", fingerprint), nil)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "store", "payload", string(fingerprint), err)
	}
	return payload, nil
}

// SnapshotCheckpoint records a valid checkpoint row for level.
func (s *Store) SnapshotCheckpoint(ctx context.Context, level int, nodeIDs []artifact.ID) error {
	encoded, err := json.Marshal(nodeIDs)
	if err != nil {
		return services.Wrap(services.ErrStorage, "store", "snapshot checkpoint", "encode node ids", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (level, status, node_ids, created_at) VALUES (?, 'valid', ?, ?)`,
		level, string(encoded), now)
	if err != nil {
		return services.Wrap(services.ErrStorage, "store", "snapshot checkpoint",
			fmt.Sprintf("level %d", level), err)
	}
	return nil
}

// SupersedeCheckpoints marks every live checkpoint at fromLevel and above as
// superseded. Rows are never deleted or rewritten; history stays intact.
func (s *Store) SupersedeCheckpoints(ctx context.Context, fromLevel int) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET superseded_at = ? WHERE level >= ? AND superseded_at IS NULL`,
		now, fromLevel)
	if err != nil {
		return services.Wrap(services.ErrStorage, "store", "supersede checkpoints",
			fmt.Sprintf("from level %d", fromLevel), err)
	}
	return nil
}

// CheckpointRow is a persisted checkpoint record.
type CheckpointRow struct {
	Level      int
	Status     string
	NodeIDs    []artifact.ID
	CreatedAt  time.Time
	Superseded bool
}

// LoadCheckpoint returns the live (non-superseded) checkpoint for a level.
func (s *Store) LoadCheckpoint(ctx context.Context, level int) (*CheckpointRow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT level, status, node_ids, created_at, superseded_at
         FROM checkpoints WHERE level = ? AND superseded_at IS NULL
         ORDER BY id DESC LIMIT 1`, level)
	rec, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "store", "load checkpoint",
			fmt.Sprintf("level %d", level), err)
	}
	return rec, nil
}

// LiveCheckpoints returns all non-superseded checkpoints ordered by level.
func (s *Store) LiveCheckpoints(ctx context.Context) ([]CheckpointRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT level, status, node_ids, created_at, superseded_at
         FROM checkpoints WHERE superseded_at IS NULL ORDER BY level`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "store", "live checkpoints", "", err)
	}
	defer rows.Close()

	var out []CheckpointRow
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, services.Wrap(services.ErrStorage, "store", "live checkpoints", "scan", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, services.Wrap(services.ErrStorage, "store", "live checkpoints", "iterate", err)
	}
	return out, nil
}

// ClearProject discards all checkpoint records and cached payloads,
// forcing full regeneration.
func (s *Store) ClearProject(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return services.Wrap(services.ErrStorage, "store", "clear project", "begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payloads`); err != nil {
		return services.Wrap(services.ErrStorage, "store", "clear project", "delete payloads", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return services.Wrap(services.ErrStorage, "store", "clear project", "delete checkpoints", err)
	}
	if err := tx.Commit(); err != nil {
		return services.Wrap(services.ErrStorage, "store", "clear project", "commit", err)
	}
	return nil
}

// KindStats aggregates cached payloads for one artifact kind.
type KindStats struct {
	Count int
	Bytes int64
}

// PayloadStats returns cached payload counts and sizes grouped by kind.
func (s *Store) PayloadStats(ctx context.Context) (map[artifact.Kind]KindStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(1), COALESCE(SUM(size_bytes), 0) FROM payloads GROUP BY kind`)
	if err != nil {
		return nil, services.Wrap(services.ErrStorage, "store", "payload stats", "", err)
	}
	defer rows.Close()

	stats := make(map[artifact.Kind]KindStats)
	for rows.Next() {
		var kind string
		var entry KindStats
		if err := rows.Scan(&kind, &entry.Count, &entry.Bytes); err != nil {
			return nil, services.Wrap(services.ErrStorage, "store", "payload stats", "scan", err)
		}
		stats[artifact.Kind(kind)] = entry
	}
	return stats, rows.Err()
}

func scanCheckpoint(scanner interface{ Scan(dest ...any) error }) (*CheckpointRow, error) {
	var (
		level      int
		status     string
		nodeIDsRaw string
		createdRaw string
		superseded sql.NullString
	)
	if err := scanner.Scan(&level, &status, &nodeIDsRaw, &createdRaw, &superseded); err != nil {
		return nil, err
	}

	rec := &CheckpointRow{Level: level, Status: status, Superseded: superseded.Valid}
	if err := json.Unmarshal([]byte(nodeIDsRaw), &rec.NodeIDs); err != nil {
		return nil, fmt.Errorf("decode node ids: %w", err)
	}
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		rec.CreatedAt = created
	}
	return rec, nil
}
