// Package storage keeps a local history of snapshots in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// ErrNoSnapshot is returned by Latest when nothing has been stored yet.
var ErrNoSnapshot = errors.New("no snapshot stored")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	recorded_at INTEGER NOT NULL,
	device_time TEXT    NOT NULL,
	power_ac    REAL    NOT NULL,
	yield_day   REAL    NOT NULL,
	payload     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_recorded_at ON snapshots(recorded_at);
`

// Record is one stored snapshot.
type Record struct {
	ID         int64            `json:"id"`
	RecordedAt time.Time        `json:"recorded_at"`
	Snapshot   *domain.Snapshot `json:"snapshot"`
}

// SQLiteStore implements domain.SnapshotStore on a SQLite database file.
type SQLiteStore struct {
	db        *sql.DB
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

// Open opens or creates the database at path. Snapshots older than
// retention are pruned on every save; zero keeps everything.
func Open(ctx context.Context, path string, retention time.Duration) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to create snapshot schema: %w", err)
	}

	store := &SQLiteStore{
		db:        db,
		retention: retention,
		logger:    log.With().Str("component", "storage").Logger(),
		now:       time.Now,
	}
	store.logger.Info().Str("path", path).Dur("retention", retention).Msg("Snapshot store opened")
	return store, nil
}

// Save stores the snapshot and prunes expired rows.
func (s *SQLiteStore) Save(ctx context.Context, snapshot *domain.Snapshot) error {
	if snapshot == nil {
		return nil
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	now := s.now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (recorded_at, device_time, power_ac, yield_day, payload) VALUES (?, ?, ?, ?, ?)`,
		now.UnixNano(),
		snapshot.LastUpdated.Format(time.RFC3339),
		snapshot.PowerAC,
		snapshot.YieldDay,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}

	if s.retention > 0 {
		if _, err := s.Prune(ctx, now.Add(-s.retention)); err != nil {
			return err
		}
	}
	return nil
}

// Prune deletes snapshots recorded before cutoff and returns how many were removed.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE recorded_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned snapshots: %w", err)
	}
	if removed > 0 {
		s.logger.Debug().Int64("removed", removed).Time("cutoff", cutoff).Msg("Pruned old snapshots")
	}
	return removed, nil
}

// Latest returns the most recently stored snapshot.
func (s *SQLiteStore) Latest(ctx context.Context) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, recorded_at, payload FROM snapshots ORDER BY recorded_at DESC, id DESC LIMIT 1`)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	return record, err
}

// History returns the snapshots recorded at or after since, oldest first.
// A zero since returns everything. A positive limit keeps only the newest
// limit records.
func (s *SQLiteStore) History(ctx context.Context, since time.Time, limit int) ([]*Record, error) {
	query := `SELECT id, recorded_at, payload FROM (
		SELECT id, recorded_at, payload FROM snapshots`
	var args []interface{}
	// the zero time is outside the int64 nanosecond range
	if !since.IsZero() {
		query += ` WHERE recorded_at >= ?`
		args = append(args, since.UnixNano())
	}
	query += ` ORDER BY recorded_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `) ORDER BY recorded_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	return records, nil
}

// Count returns the number of stored snapshots.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		id         int64
		recordedAt int64
		payload    string
	)
	if err := row.Scan(&id, &recordedAt, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	var snapshot domain.Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %d: %w", id, err)
	}

	return &Record{
		ID:         id,
		RecordedAt: time.Unix(0, recordedAt),
		Snapshot:   &snapshot,
	}, nil
}
