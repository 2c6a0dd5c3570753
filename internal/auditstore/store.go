// Package auditstore persists queue lifecycle events for offline analytics
// and compliance audit trails. It subscribes to internal/queue's events
// stream as an external listener; it never writes job state back into the
// queue's own keyspace, since the backing store is the sole system of
// record for an in-flight job (spec.md 1: no persistence independent of the
// backing store).
package auditstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"jobqueue/internal/queue"
)

// Store wraps pgxpool for the audit_events table.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Record inserts one event row, keyed by the stream entry id so replaying
// from an earlier offset after a crash does not duplicate rows.
func (s *Store) Record(ctx context.Context, queueName string, ev queue.Event) error {
	fieldsJSON, err := json.Marshal(ev.Fields)
	if err != nil {
		return fmt.Errorf("marshal event fields: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, queue_name, job_id, event, fields, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, ev.ID, queueName, ev.JobID, ev.Name, fieldsJSON, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// Subscribe drains listener's event channel into the audit table until ctx
// is cancelled. Errors from the listener's error channel are logged rather
// than fatal, since a transient Redis hiccup shouldn't take the whole
// sink down.
func (s *Store) Subscribe(ctx context.Context, queueName string, listener *queue.EventListener, lastID string) error {
	events, errs := listener.Listen(ctx, lastID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("auditstore: listener error: %v", err)
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := s.Record(ctx, queueName, ev); err != nil {
				log.Printf("auditstore: record event %s/%s: %v", ev.Name, ev.JobID, err)
			}
		}
	}
}

// RecentForJob returns the most recent events recorded for a job, newest
// first, for operational inspection.
func (s *Store) RecentForJob(ctx context.Context, jobID string, limit int) ([]AuditRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue_name, job_id, event, fields, occurred_at
		FROM audit_events WHERE job_id = $1
		ORDER BY occurred_at DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var fieldsJSON []byte
		if err := rows.Scan(&r.ID, &r.QueueName, &r.JobID, &r.Event, &fieldsJSON, &r.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &r.Fields); err != nil {
			return nil, fmt.Errorf("unmarshal audit event fields: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditRow is one persisted event row.
type AuditRow struct {
	ID         string
	QueueName  string
	JobID      string
	Event      string
	Fields     map[string]string
	OccurredAt time.Time
}
