package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-dcb/pkg/dcb/processor"
)

// ProgressStore implements processor.ProgressStore against the
// processor_progress table.
type ProgressStore struct {
	pool *pgxpool.Pool
}

// NewProgressStore builds a ProgressStore over pool (the write pool: it
// writes on every successful or failed cycle).
func NewProgressStore(pool *pgxpool.Pool) *ProgressStore {
	return &ProgressStore{pool: pool}
}

func (s *ProgressStore) Get(ctx context.Context, processorID string) (processor.Progress, bool, error) {
	var p processor.Progress
	var statusText string
	err := s.pool.QueryRow(ctx,
		`SELECT processor_id, last_position, status, error_count, instance_id, updated_at
		   FROM processor_progress WHERE processor_id = $1`,
		processorID,
	).Scan(&p.ProcessorID, &p.LastPosition, &statusText, &p.ErrorCount, &p.InstanceID, &p.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return processor.Progress{}, false, nil
		}
		return processor.Progress{}, false, fmt.Errorf("storage: get progress: %w", err)
	}
	p.Status = parseStatus(statusText)
	return p, true, nil
}

func (s *ProgressStore) Upsert(ctx context.Context, p processor.Progress) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processor_progress (processor_id, last_position, status, error_count, instance_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (processor_id) DO UPDATE SET
		   last_position = EXCLUDED.last_position,
		   status        = EXCLUDED.status,
		   error_count   = EXCLUDED.error_count,
		   instance_id   = EXCLUDED.instance_id,
		   updated_at    = EXCLUDED.updated_at`,
		p.ProcessorID, p.LastPosition, p.Status.String(), p.ErrorCount, p.InstanceID, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert progress: %w", err)
	}
	return nil
}

func (s *ProgressStore) List(ctx context.Context) ([]processor.Progress, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT processor_id, last_position, status, error_count, instance_id, updated_at FROM processor_progress`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list progress: %w", err)
	}
	defer rows.Close()

	var out []processor.Progress
	for rows.Next() {
		var p processor.Progress
		var statusText string
		if err := rows.Scan(&p.ProcessorID, &p.LastPosition, &statusText, &p.ErrorCount, &p.InstanceID, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan progress row: %w", err)
		}
		p.Status = parseStatus(statusText)
		out = append(out, p)
	}
	return out, rows.Err()
}

func parseStatus(s string) processor.Status {
	switch s {
	case "PAUSED":
		return processor.StatusPaused
	case "FAILED":
		return processor.StatusFailed
	default:
		return processor.StatusActive
	}
}
