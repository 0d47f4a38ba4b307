package storage

import (
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolHealth reports the shape of a connection pool's current usage, used
// to detect exhaustion or leaks before they surface as query timeouts.
type PoolHealth struct {
	TotalConns        int32
	IdleConns         int32
	AcquiredConns     int32
	ConstructingConns int32
	Healthy           bool
	Message           string
}

// CheckPoolHealth inspects pool.Stat() and flags the conditions that tend
// to precede query timeouts: high acquisition relative to total (leak),
// zero idle under load (exhaustion), and a growing constructing count
// (churn).
func CheckPoolHealth(pool *pgxpool.Pool) PoolHealth {
	stats := pool.Stat()

	health := PoolHealth{
		TotalConns:        stats.TotalConns(),
		IdleConns:         stats.IdleConns(),
		AcquiredConns:     stats.AcquiredConns(),
		ConstructingConns: stats.ConstructingConns(),
		Healthy:           true,
	}

	if stats.AcquiredConns() > stats.TotalConns()*80/100 {
		health.Healthy = false
		health.Message = "high number of acquired connections - potential connection leak"
	}

	if stats.IdleConns() == 0 && stats.AcquiredConns() > 0 {
		health.Healthy = false
		health.Message = "no idle connections available - pool may be exhausted"
	}

	if stats.ConstructingConns() > 5 {
		health.Healthy = false
		health.Message = fmt.Sprintf("high number of connections being constructed: %d", stats.ConstructingConns())
	}

	return health
}

// LogPoolHealth writes a one-line health summary for operation to logger,
// marked UNHEALTHY with the reason when unhealthy. The Store calls it with its injected
// logger whenever a transaction cannot be opened, so pool exhaustion shows
// up next to the failure it caused.
func LogPoolHealth(logger *log.Logger, pool *pgxpool.Pool, operation string) {
	h := CheckPoolHealth(pool)
	if h.Healthy {
		logger.Printf("[pool] %s: healthy total=%d idle=%d acquired=%d constructing=%d",
			operation, h.TotalConns, h.IdleConns, h.AcquiredConns, h.ConstructingConns)
		return
	}
	logger.Printf("[pool] %s: UNHEALTHY %s total=%d idle=%d acquired=%d constructing=%d",
		operation, h.Message, h.TotalConns, h.IdleConns, h.AcquiredConns, h.ConstructingConns)
}
