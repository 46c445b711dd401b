package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"utspclient/internal/job"
	"utspclient/internal/result"
)

// PGStore persists cache entries in a Postgres table, one row per
// fingerprint. The monotonic merge rule is enforced inside the upsert so
// concurrent writers from several processes cannot demote a terminal entry.
type PGStore struct {
	db *sql.DB

	schemaOnce sync.Once
	schemaErr  error
}

func NewPGStore(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PGStore{db: db}, nil
}

func (s *PGStore) ensureSchema(ctx context.Context) error {
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS result_cache (
	fingerprint TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	status_rank INT  NOT NULL,
	remote_id   TEXT NOT NULL DEFAULT '',
	envelope    JSONB,
	updated_at  TIMESTAMPTZ NOT NULL
)`)
	})
	return s.schemaErr
}

func (s *PGStore) Lookup(ctx context.Context, fingerprint string) (Entry, bool, error) {
	if s == nil || s.db == nil {
		return Entry{}, false, fmt.Errorf("cache: store is nil")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return Entry{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
SELECT status, remote_id, envelope, updated_at
FROM result_cache WHERE fingerprint = $1`, fingerprint)

	entry := Entry{Fingerprint: fingerprint}
	var status string
	var envelope []byte
	if err := row.Scan(&status, &entry.RemoteID, &envelope, &entry.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	parsed, err := job.ParseStatus(status)
	if err != nil {
		return Entry{}, false, err
	}
	entry.Status = parsed
	if len(envelope) > 0 {
		var env result.Envelope
		if err := json.Unmarshal(envelope, &env); err != nil {
			return Entry{}, false, fmt.Errorf("cache: corrupt envelope for %s: %w", fingerprint, err)
		}
		entry.Envelope = &env
	}
	return entry, true, nil
}

func (s *PGStore) Put(ctx context.Context, entry Entry) (Entry, error) {
	if s == nil || s.db == nil {
		return Entry{}, fmt.Errorf("cache: store is nil")
	}
	if strings.TrimSpace(entry.Fingerprint) == "" {
		return Entry{}, fmt.Errorf("cache: entry fingerprint is required")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return Entry{}, err
	}
	var envelope []byte
	if entry.Envelope != nil {
		raw, err := json.Marshal(entry.Envelope)
		if err != nil {
			return Entry{}, err
		}
		envelope = raw
	}
	// The conditional update is the merge rule from entry.go expressed in
	// SQL: lower-ranked writes lose and leave the row untouched.
	_, err := s.db.ExecContext(ctx, `
INSERT INTO result_cache (fingerprint, status, status_rank, remote_id, envelope, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (fingerprint) DO UPDATE
SET status = EXCLUDED.status,
	status_rank = EXCLUDED.status_rank,
	remote_id = EXCLUDED.remote_id,
	envelope = EXCLUDED.envelope,
	updated_at = EXCLUDED.updated_at
WHERE result_cache.status_rank <= EXCLUDED.status_rank`,
		entry.Fingerprint, entry.Status.String(), entry.Status.Rank(),
		entry.RemoteID, envelope, entry.UpdatedAt)
	if err != nil {
		return Entry{}, err
	}
	stored, ok, err := s.Lookup(ctx, entry.Fingerprint)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, fmt.Errorf("cache: entry for %s vanished after upsert", entry.Fingerprint)
	}
	return stored, nil
}

func (s *PGStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
