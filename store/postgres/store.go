// Package postgres persists resources and allocation requests in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"resource-allocator/allocator"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	capacity   INTEGER NOT NULL CHECK (capacity > 0),
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS allocation_requests (
	id                TEXT PRIMARY KEY,
	resource_id       TEXT NOT NULL,
	user_id           TEXT NOT NULL,
	start_time        TIMESTAMPTZ NOT NULL,
	end_time          TIMESTAMPTZ NOT NULL,
	capacity_required INTEGER NOT NULL,
	priority          TEXT NOT NULL,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL,
	cancelled         BOOLEAN NOT NULL DEFAULT FALSE,
	preempted_by      TEXT NOT NULL DEFAULT '',
	reason            TEXT NOT NULL DEFAULT '',
	detail            TEXT NOT NULL DEFAULT '',
	conflict_ids      TEXT[] NOT NULL DEFAULT '{}'
);
ALTER TABLE allocation_requests
	ADD COLUMN IF NOT EXISTS cancelled    BOOLEAN NOT NULL DEFAULT FALSE,
	ADD COLUMN IF NOT EXISTS preempted_by TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS reason       TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS detail       TEXT NOT NULL DEFAULT '',
	ADD COLUMN IF NOT EXISTS conflict_ids TEXT[] NOT NULL DEFAULT '{}';
CREATE INDEX IF NOT EXISTS allocation_requests_resource_start ON allocation_requests (resource_id, start_time);
`

const (
	selectResources = `SELECT id, name, capacity, type, status, created_at FROM resources ORDER BY id`
	upsertResource  = `INSERT INTO resources (id, name, capacity, type, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, capacity = EXCLUDED.capacity, type = EXCLUDED.type, status = EXCLUDED.status`
	deleteResource = `DELETE FROM resources WHERE id = $1`

	selectRequests = `SELECT id, resource_id, user_id, start_time, end_time, capacity_required, priority, status, created_at,
cancelled, preempted_by, reason, detail, conflict_ids
FROM allocation_requests ORDER BY created_at, id`
	upsertRequest = `INSERT INTO allocation_requests (id, resource_id, user_id, start_time, end_time, capacity_required, priority, status, created_at,
cancelled, preempted_by, reason, detail, conflict_ids)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, cancelled = EXCLUDED.cancelled, preempted_by = EXCLUDED.preempted_by,
reason = EXCLUDED.reason, detail = EXCLUDED.detail, conflict_ids = EXCLUDED.conflict_ids`
)

// Store implements allocator.Store on a database/sql handle using the lib/pq driver.
type Store struct {
	db *sql.DB
}

var _ allocator.Store = (*Store)(nil)

// New wraps an open handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn, retrying the initial ping while the database comes up, and
// creates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	var lastErr error
	for attempt := 1; attempt <= 10; attempt++ {
		if lastErr = db.PingContext(ctx); lastErr == nil {
			break
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Msg("postgres: ping failed; retrying")
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	if lastErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to database: %w", lastErr)
	}
	s := New(db)
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info().Msg("postgres: connected")
	return s, nil
}

// Init creates the tables if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping is used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) LoadResources(ctx context.Context) ([]allocator.Resource, error) {
	rows, err := s.db.QueryContext(ctx, selectResources)
	if err != nil {
		return nil, fmt.Errorf("load resources: %w", err)
	}
	defer rows.Close()

	var out []allocator.Resource
	for rows.Next() {
		var (
			r           allocator.Resource
			typ, status string
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Capacity, &typ, &status, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		if r.Type, err = allocator.ParseResourceType(typ); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ID, err)
		}
		if r.Status, err = allocator.ParseResourceStatus(status); err != nil {
			return nil, fmt.Errorf("resource %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) LoadRequests(ctx context.Context) ([]allocator.Request, error) {
	rows, err := s.db.QueryContext(ctx, selectRequests)
	if err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	defer rows.Close()

	var out []allocator.Request
	for rows.Next() {
		var (
			r                allocator.Request
			priority, status string
		)
		if err := rows.Scan(&r.ID, &r.ResourceID, &r.UserID, &r.StartTime, &r.EndTime,
			&r.CapacityRequired, &priority, &status, &r.CreatedAt,
			&r.Cancelled, &r.PreemptedBy, &r.Reason, &r.Detail, pq.Array(&r.ConflictIDs)); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		if r.Priority, err = allocator.ParsePriority(priority); err != nil {
			return nil, fmt.Errorf("request %s: %w", r.ID, err)
		}
		if r.Status, err = allocator.ParseRequestStatus(status); err != nil {
			return nil, fmt.Errorf("request %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SaveResource(ctx context.Context, r allocator.Resource) error {
	_, err := s.db.ExecContext(ctx, upsertResource,
		r.ID, r.Name, r.Capacity, r.Type.String(), r.Status.String(), r.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save resource %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) DeleteResource(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, deleteResource, id); err != nil {
		return fmt.Errorf("delete resource %s: %w", id, err)
	}
	return nil
}

// SaveRequest upserts a request. Rows are never deleted so decisions survive restarts.
func (s *Store) SaveRequest(ctx context.Context, r allocator.Request) error {
	conflicts := r.ConflictIDs
	if conflicts == nil {
		conflicts = []string{}
	}
	_, err := s.db.ExecContext(ctx, upsertRequest,
		r.ID, r.ResourceID, r.UserID, r.StartTime.UTC(), r.EndTime.UTC(),
		r.CapacityRequired, r.Priority.String(), r.Status.String(), r.CreatedAt.UTC(),
		r.Cancelled, r.PreemptedBy, r.Reason, r.Detail, pq.Array(conflicts))
	if err != nil {
		return fmt.Errorf("save request %s: %w", r.ID, err)
	}
	return nil
}

