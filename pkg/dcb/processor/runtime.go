package processor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go-dcb/pkg/dcb"
	"go-dcb/pkg/dcb/observability"
)

type entry struct {
	cfg     Config
	fetcher dcb.EventFetcher
	handler dcb.EventHandler

	mu        sync.Mutex
	backoff   BackoffInfo
	wasLeader bool
}

// Runtime drives the per-processor polling loops described in this
// package's doc comment. One Runtime typically corresponds to one running
// instance of the application; InstanceID distinguishes it from peers
// competing for the same leases.
type Runtime struct {
	progress ProgressStore
	elector  LeaderElector
	store    dcb.EventStore
	clock    Clock
	observer observability.Observer
	logger   *log.Logger

	mu         sync.Mutex
	processors map[string]*entry

	instanceID string
	stop       chan struct{}
	wg         sync.WaitGroup
}

// New builds a Runtime. store is used only for getLag's maxPosition query.
func New(progress ProgressStore, elector LeaderElector, store dcb.EventStore) *Runtime {
	return &Runtime{
		progress:   progress,
		elector:    elector,
		store:      store,
		clock:      SystemClock,
		observer:   observability.NoopObserver{},
		logger:     log.Default(),
		processors: make(map[string]*entry),
	}
}

// SetLogger replaces the Runtime's logger, defaulting to log.Default().
// Call before Start.
func (r *Runtime) SetLogger(logger *log.Logger) { r.logger = logger }

// SetObserver installs o as the Runtime's Observer, replacing the default
// NoopObserver. Call before Start.
func (r *Runtime) SetObserver(o observability.Observer) { r.observer = o }

// SetClock overrides the runtime's clock, for deterministic tests.
func (r *Runtime) SetClock(c Clock) { r.clock = c }

// ResetToSystemClock restores the default wall-clock.
func (r *Runtime) ResetToSystemClock() { r.clock = SystemClock }

// Register adds a processor definition. It does not start polling; call
// Start to begin.
func (r *Runtime) Register(cfg Config, fetcher dcb.EventFetcher, handler dcb.EventHandler) error {
	if cfg.ID == "" {
		return fmt.Errorf("processor: config ID must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[cfg.ID]; exists {
		return fmt.Errorf("processor: %q already registered", cfg.ID)
	}
	r.processors[cfg.ID] = &entry{cfg: cfg.withDefaults(), fetcher: fetcher, handler: handler}
	return nil
}

// Start spawns one polling goroutine per registered, enabled processor,
// running on a shared worker pool via errgroup, under instanceID's
// identity for leader election. Start returns once all loops are
// launched; it does not block for their lifetime.
func (r *Runtime) Start(ctx context.Context, instanceID string) error {
	r.instanceID = instanceID
	r.stop = make(chan struct{})

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.processors))
	for _, e := range r.processors {
		if e.cfg.Enabled {
			entries = append(entries, e)
		}
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		r.wg.Add(1)
		g.Go(func() error {
			defer r.wg.Done()
			r.loop(gctx, e)
			return nil
		})
	}
	go func() { _ = g.Wait() }()
	return nil
}

// Stop signals every loop to exit and waits up to grace for in-flight
// cycles to finish.
func (r *Runtime) Stop(grace time.Duration) {
	if r.stop == nil {
		return
	}
	close(r.stop)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (r *Runtime) loop(ctx context.Context, e *entry) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.runCycle(ctx, e)
		}
	}
}

// runCycle executes one iteration of the scheduled cycle described in this
// package's doc comment, skipping entirely if this instance is not (and
// cannot become) the processor's leader.
func (r *Runtime) runCycle(ctx context.Context, e *entry) {
	leader, err := r.elector.TryAcquire(ctx, e.cfg.ID, r.instanceID)
	e.mu.Lock()
	if leader != e.wasLeader {
		if leader {
			r.logger.Printf("[processor] %s: instance %s acquired leadership", e.cfg.ID, r.instanceID)
		} else {
			r.logger.Printf("[processor] %s: instance %s lost leadership", e.cfg.ID, r.instanceID)
		}
		r.observer.LeadershipChanged(e.cfg.ID, r.instanceID, leader)
		e.wasLeader = leader
	}
	e.mu.Unlock()
	if err != nil || !leader {
		return
	}

	prog, ok, err := r.progress.Get(ctx, e.cfg.ID)
	if err != nil {
		return
	}
	if !ok {
		// Auto-registration: first sight of a processor id persists a row at
		// position 0, ACTIVE, stamped with this instance.
		prog = Progress{ProcessorID: e.cfg.ID, Status: StatusActive, InstanceID: r.instanceID, UpdatedAt: r.clock.Now()}
		if err := r.progress.Upsert(ctx, prog); err != nil {
			return
		}
	}

	// 1. Status gate.
	if prog.Status == StatusPaused || prog.Status == StatusFailed {
		return
	}

	// 2. Backoff gate.
	e.mu.Lock()
	if e.cfg.BackoffEnabled && e.backoff.SkipCycles > 0 {
		e.backoff.SkipCycles--
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	// 3. Fetch.
	events, err := e.fetcher.Fetch(ctx, e.cfg.ID, prog.LastPosition, e.cfg.BatchSize)
	if err != nil {
		r.logger.Printf("[processor] %s: fetch after position %d: %v", e.cfg.ID, prog.LastPosition, err)
		r.recordError(ctx, e, prog)
		r.observer.ProcessorCycleCompleted(e.cfg.ID, 0, err)
		return
	}

	if len(events) == 0 {
		// 4. Empty-poll accounting. Escalation multiplies from the level of
		// the previous engagement, not from the live countdown — by the time
		// backoff re-engages the countdown has already been consumed to 0.
		e.mu.Lock()
		e.backoff.ConsecutiveEmpty++
		if e.cfg.BackoffEnabled && e.backoff.ConsecutiveEmpty >= e.cfg.BackoffThreshold {
			level := nextSkipCycles(e.cfg, e.backoff.LastEngagedLevel)
			e.backoff.SkipCycles = level
			e.backoff.LastEngagedLevel = level
		}
		e.mu.Unlock()
		return
	}

	// 5. Handle.
	handledCount, err := e.handler.Handle(ctx, e.cfg.ID, events)
	if err != nil {
		r.logger.Printf("[processor] %s: handler failed on batch of %d: %v", e.cfg.ID, len(events), err)
		r.recordError(ctx, e, prog)
		r.observer.ProcessorCycleCompleted(e.cfg.ID, handledCount, err)
		return
	}

	e.mu.Lock()
	e.backoff = BackoffInfo{}
	e.mu.Unlock()

	// 6. Progress update: max position in the batch, regardless of
	// handledCount — the handler is trusted to be idempotent.
	maxPos := prog.LastPosition
	for _, ev := range events {
		if ev.Position > maxPos {
			maxPos = ev.Position
		}
	}

	_ = r.progress.Upsert(ctx, Progress{
		ProcessorID:  e.cfg.ID,
		LastPosition: maxPos,
		Status:       StatusActive,
		ErrorCount:   0,
		InstanceID:   r.instanceID,
		UpdatedAt:    r.clock.Now(),
	})

	r.observer.ProcessorCycleCompleted(e.cfg.ID, handledCount, nil)
}

// nextSkipCycles computes min(multiplier × lastEngagedLevel, maxSeconds /
// pollingInterval). The first engagement (lastEngagedLevel == 0) starts at
// a skip of exactly 1; only subsequent engagements multiply. The ceiling is
// computed in duration space so sub-second polling intervals keep their
// full cycle budget instead of truncating to whole seconds.
func nextSkipCycles(cfg Config, lastEngagedLevel int) int {
	next := 1
	if lastEngagedLevel > 0 {
		next = cfg.BackoffMultiplier * lastEngagedLevel
	}
	ceiling := int(time.Duration(cfg.BackoffMaxSeconds) * time.Second / cfg.Interval)
	if ceiling < 1 {
		ceiling = 1
	}
	if next > ceiling {
		next = ceiling
	}
	return next
}

// recordError bumps the processor's consecutive error count, transitioning
// it to FAILED at the configured threshold. lastPosition is never advanced
// on a failed cycle.
func (r *Runtime) recordError(ctx context.Context, e *entry, prog Progress) {
	errorCount := prog.ErrorCount + 1
	status := StatusActive
	if errorCount >= e.cfg.MaxErrors {
		status = StatusFailed
		r.logger.Printf("[processor] %s: quarantined after %d consecutive errors, reset required", e.cfg.ID, errorCount)
	}
	_ = r.progress.Upsert(ctx, Progress{
		ProcessorID:  e.cfg.ID,
		LastPosition: prog.LastPosition,
		Status:       status,
		ErrorCount:   errorCount,
		InstanceID:   r.instanceID,
		UpdatedAt:    r.clock.Now(),
	})
}
