package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LeaderElector ensures at most one instance across a deployment actively
// processes each processor identifier. Implementations bind a lease's
// lifetime to the connection/session that acquired it, so losing that
// session implicitly releases the lease and enables automatic failover.
type LeaderElector interface {
	// TryAcquire makes a non-blocking attempt to become leader for
	// processorID under instanceID. Calling it again while already leader
	// is a no-op that returns true.
	TryAcquire(ctx context.Context, processorID, instanceID string) (bool, error)

	// Release gives up leadership of processorID. Idempotent: a no-op if
	// not currently held.
	Release(ctx context.Context, processorID string) error

	// IsLeader is a snapshot query of current leadership.
	IsLeader(ctx context.Context, processorID string) bool
}

// PostgresLeaderElector implements LeaderElector with a dedicated
// connection per held lease and pg_try_advisory_lock(hashtext(id)): the
// lock belongs to that connection's session, so losing the session (a
// crash, a dropped connection) releases it automatically, which is what
// gives failover its "no stop-the-world handshake" property. Release
// unlocks explicitly with pg_advisory_unlock before returning the
// connection to the pool, since a pooled connection keeps its session.
type PostgresLeaderElector struct {
	pool *pgxpool.Pool

	mu     sync.Mutex
	leases map[string]*pgxpool.Conn
}

// NewPostgresLeaderElector builds a PostgresLeaderElector over pool. pool
// should be the write pool: holding a lease pins one connection for its
// duration.
func NewPostgresLeaderElector(pool *pgxpool.Pool) *PostgresLeaderElector {
	return &PostgresLeaderElector{pool: pool, leases: make(map[string]*pgxpool.Conn)}
}

func (e *PostgresLeaderElector) TryAcquire(ctx context.Context, processorID, instanceID string) (bool, error) {
	e.mu.Lock()
	if _, held := e.leases[processorID]; held {
		e.mu.Unlock()
		return true, nil
	}
	e.mu.Unlock()

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("processor: acquire connection for lease %q: %w", processorID, err)
	}

	var acquired bool
	err = conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", processorID).Scan(&acquired)
	if err != nil {
		conn.Release()
		return false, fmt.Errorf("processor: try advisory lock for %q: %w", processorID, err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	e.mu.Lock()
	e.leases[processorID] = conn
	e.mu.Unlock()
	return true, nil
}

func (e *PostgresLeaderElector) Release(ctx context.Context, processorID string) error {
	e.mu.Lock()
	conn, held := e.leases[processorID]
	if held {
		delete(e.leases, processorID)
	}
	e.mu.Unlock()

	if !held {
		return nil
	}

	_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock(hashtext($1))", processorID)
	conn.Release()
	return err
}

func (e *PostgresLeaderElector) IsLeader(ctx context.Context, processorID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, held := e.leases[processorID]
	return held
}
