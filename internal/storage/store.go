// Package storage implements the Postgres-backed persistence layer beneath
// pkg/dcb: the events/commands/processor_progress tables, the query
// translation in querybuilder.go, and the Store type implementing
// dcb.EventStore and dcb.Transaction.
package storage

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-dcb/pkg/dcb"
)

// appendLockKey is the fixed advisory-lock key serializing position
// assignment with commit order. Every Append/AppendIf transaction holds
// pg_advisory_xact_lock(appendLockKey) from before its condition checks and
// INSERT until commit or rollback. Because the lock is released only at transaction end,
// a reader that takes MaxPosition (or the cursor of a Query) under its own
// transaction never observes a position gap: whichever append committed
// first to the position sequence also committed first to visibility, since
// a second appender could not even assign its position until the first's
// transaction (lock and all) had concluded.
const appendLockKey = int64(-8531900128301299152) // hashtext('dcb:append') folded to int64, fixed at compile time

// Store is a dcb.EventStore backed by a Postgres connection pool. Reads use
// readPool; appends and transactions use writePool. A single pool may be
// passed for both when the caller has no read/write split.
type Store struct {
	writePool *pgxpool.Pool
	readPool  *pgxpool.Pool
	cfg       dcb.EventStoreConfig
	clock     func() time.Time
	logger    *log.Logger
}

// NewStore builds a Store. cfg is defaulted via its own zero-value rules.
func NewStore(writePool, readPool *pgxpool.Pool, cfg dcb.EventStoreConfig) *Store {
	return &Store{writePool: writePool, readPool: readPool, cfg: cfg.WithDefaults(), clock: time.Now, logger: log.Default()}
}

// SetLogger replaces the logger used for pool-health diagnostics,
// defaulting to log.Default(). Call before the store is in use.
func (s *Store) SetLogger(logger *log.Logger) { s.logger = logger }

func (s *Store) GetConfig() dcb.EventStoreConfig { return s.cfg }

// SetClock overrides the clock stamping events.occurred_at, for
// deterministic tests. Call before any append is in flight.
func (s *Store) SetClock(now func() time.Time) { s.clock = now }

// ResetToSystemClock restores the default wall-clock.
func (s *Store) ResetToSystemClock() { s.clock = time.Now }

// Query implements dcb.EventStore.
func (s *Store) Query(ctx context.Context, q dcb.Query, after dcb.Cursor) ([]dcb.Event, error) {
	return queryRows(ctx, s.readPool, q, after, 0)
}

// QueryStream implements dcb.EventStore, paging through matches in batches
// of cfg.StreamBuffer so the whole result set need not be materialized.
func (s *Store) QueryStream(ctx context.Context, q dcb.Query, after dcb.Cursor) (<-chan dcb.Event, error) {
	out := make(chan dcb.Event, s.cfg.StreamBuffer)

	go func() {
		defer close(out)
		cursor := after
		for {
			batch, err := queryRows(ctx, s.readPool, q, cursor, s.cfg.StreamBuffer)
			if err != nil {
				return
			}
			if len(batch) == 0 {
				return
			}
			for _, ev := range batch {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			cursor = dcb.Cursor{TransactionID: batch[len(batch)-1].TransactionID, Position: batch[len(batch)-1].Position}
			if len(batch) < s.cfg.StreamBuffer {
				return
			}
		}
	}()

	return out, nil
}

// MaxPosition implements dcb.EventStore.
func (s *Store) MaxPosition(ctx context.Context) (int64, error) {
	var max int64
	err := s.readPool.QueryRow(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&max)
	if err != nil {
		return 0, &dcb.EventStoreError{Op: "MaxPosition", Err: err}
	}
	return max, nil
}

// Append implements dcb.EventStore.
func (s *Store) Append(ctx context.Context, events []dcb.InputEvent) error {
	return s.AppendIf(ctx, events, dcb.AppendCondition{})
}

// AppendIf implements dcb.EventStore, opening its own transaction.
func (s *Store) AppendIf(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) error {
	return s.withTx(ctx, func(ctx context.Context, tx *txn) error {
		return tx.AppendIf(ctx, events, condition)
	})
}

// ExecuteInTransaction implements dcb.EventStore.
func (s *Store) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, tx dcb.Transaction) error) error {
	return s.withTx(ctx, func(ctx context.Context, tx *txn) error {
		return fn(ctx, tx)
	})
}

func (s *Store) withTx(ctx context.Context, fn func(ctx context.Context, tx *txn) error) (err error) {
	pgxTx, err := s.writePool.BeginTx(ctx, pgx.TxOptions{IsoLevel: isoLevelOf(s.cfg.DefaultAppendIsolation)})
	if err != nil {
		LogPoolHealth(s.logger, s.writePool, "BeginTx")
		return &dcb.ResourceError{EventStoreError: dcb.EventStoreError{Op: "BeginTx", Err: err}, Resource: "postgres"}
	}

	defer func() {
		if p := recover(); p != nil {
			_ = pgxTx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = pgxTx.Rollback(ctx)
			return
		}
		err = pgxTx.Commit(ctx)
	}()

	err = fn(ctx, &txn{tx: pgxTx, clock: s.clock})
	return err
}

func isoLevelOf(l dcb.IsolationLevel) pgx.TxIsoLevel {
	switch l {
	case dcb.IsolationLevelRepeatableRead:
		return pgx.RepeatableRead
	case dcb.IsolationLevelSerializable:
		return pgx.Serializable
	default:
		return pgx.ReadCommitted
	}
}

// txn is the dcb.Transaction implementation handed to ExecuteInTransaction
// callbacks and used internally by AppendIf.
type txn struct {
	tx    pgx.Tx
	clock func() time.Time
}

func (t *txn) Query(ctx context.Context, q dcb.Query, after dcb.Cursor) ([]dcb.Event, error) {
	return queryRowsTx(ctx, t.tx, q, after, 0)
}

func (t *txn) Append(ctx context.Context, events []dcb.InputEvent) error {
	return t.AppendIf(ctx, events, dcb.AppendCondition{})
}

// AppendIf acquires the fixed-key advisory transaction lock, evaluates the
// condition's checks against the current committed log, then inserts. The
// lock is held until the surrounding transaction commits or rolls back.
func (t *txn) AppendIf(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) error {
	if len(events) == 0 {
		return nil
	}

	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", appendLockKey); err != nil {
		return &dcb.ResourceError{EventStoreError: dcb.EventStoreError{Op: "AppendIf", Err: err}, Resource: "postgres"}
	}

	// Idempotency is evaluated before the cursor check: a retried command
	// whose first attempt committed must surface as a duplicate, not as a
	// stale-cursor conflict against its own earlier event.
	if q := condition.IdempotencyQuery(); q != nil {
		matches, err := queryRowsTx(ctx, t.tx, q, dcb.ZeroCursor, 1)
		if err != nil {
			return &dcb.EventStoreError{Op: "AppendIf", Err: err}
		}
		if len(matches) > 0 {
			match := matches[0]
			var conflictTag dcb.Tag
			if len(match.Tags) > 0 {
				conflictTag = match.Tags[0]
			}
			return &dcb.DuplicateOperationError{
				EventStoreError:      dcb.EventStoreError{Op: "AppendIf"},
				ConflictingEventType: match.Type,
				ConflictingTag:       conflictTag,
			}
		}
	}

	if q := condition.StateChangeQuery(); q != nil {
		matches, err := queryRowsTx(ctx, t.tx, q, condition.Cursor(), 1)
		if err != nil {
			return &dcb.EventStoreError{Op: "AppendIf", Err: err}
		}
		if len(matches) > 0 {
			return &dcb.ConcurrencyError{
				EventStoreError: dcb.EventStoreError{Op: "AppendIf"},
				ExpectedCursor:  condition.Cursor(),
				ActualPosition:  matches[0].Position,
			}
		}
	}

	txID, err := t.CurrentTransactionID(ctx)
	if err != nil {
		return err
	}

	// Positions are assigned explicitly from MAX(position)+1 rather than a
	// sequence: the advisory lock above serializes appenders until commit,
	// so two transactions never compute the same base, and a rolled-back
	// transaction leaves no gap because it never consumed a number.
	var base int64
	if err := t.tx.QueryRow(ctx, "SELECT COALESCE(MAX(position), 0) FROM events").Scan(&base); err != nil {
		return &dcb.EventStoreError{Op: "AppendIf", Err: err}
	}

	occurredAt := t.clock().UTC()
	batch := &pgx.Batch{}
	for i, ev := range events {
		batch.Queue(
			"INSERT INTO events (position, transaction_id, type, tags, data, occurred_at) VALUES ($1, $2, $3, $4, $5, $6)",
			base+int64(i)+1, txID, ev.Type(), dcb.TagsToArray(ev.Tags()), ev.Data(), occurredAt,
		)
	}
	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return &dcb.EventStoreError{Op: "AppendIf", Err: err}
		}
	}
	return nil
}

func (t *txn) StoreCommand(ctx context.Context, commandType string, payload []byte, metadata map[string]any) error {
	id, err := typeidCommandID()
	if err != nil {
		return &dcb.EventStoreError{Op: "StoreCommand", Err: err}
	}
	txID, err := t.CurrentTransactionID(ctx)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx,
		"INSERT INTO commands (command_id, type, transaction_id, payload, metadata) VALUES ($1, $2, $3, $4, $5)",
		id, commandType, txID, payload, metadataJSON(metadata),
	)
	if err != nil {
		return &dcb.EventStoreError{Op: "StoreCommand", Err: err}
	}
	return nil
}

// Lock implements dcb.Transaction.
func (t *txn) Lock(ctx context.Context, key string) error {
	if _, err := t.tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
		return &dcb.ResourceError{EventStoreError: dcb.EventStoreError{Op: "Lock", Err: err}, Resource: "postgres"}
	}
	return nil
}

func (t *txn) CurrentTransactionID(ctx context.Context) (uint64, error) {
	var id uint64
	if err := t.tx.QueryRow(ctx, "SELECT pg_current_xact_id()::text::bigint").Scan(&id); err != nil {
		return 0, &dcb.EventStoreError{Op: "CurrentTransactionID", Err: err}
	}
	return id, nil
}

func queryRows(ctx context.Context, pool *pgxpool.Pool, q dcb.Query, after dcb.Cursor, limit int) ([]dcb.Event, error) {
	sqlText, args := buildReadSQL(q, after.Position, limit)
	rows, err := pool.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, &dcb.EventStoreError{Op: "Query", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func queryRowsTx(ctx context.Context, tx pgx.Tx, q dcb.Query, after dcb.Cursor, limit int) ([]dcb.Event, error) {
	sqlText, args := buildReadSQL(q, after.Position, limit)
	rows, err := tx.Query(ctx, sqlText, args...)
	if err != nil {
		return nil, &dcb.EventStoreError{Op: "Query", Err: err}
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]dcb.Event, error) {
	var out []dcb.Event
	for rows.Next() {
		var (
			ev       dcb.Event
			tagArray []string
		)
		if err := rows.Scan(&ev.Type, &tagArray, &ev.Data, &ev.TransactionID, &ev.Position, &ev.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Tags = dcb.ParseTagsArray(tagArray)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: row iteration: %w", err)
	}
	return out, nil
}
