// Package executor implements the command executor: command resolution,
// handler invocation, event validation, conditional append and command
// persistence inside one transaction.
package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go-dcb/pkg/dcb"
	"go-dcb/pkg/dcb/observability"
)

// registration pairs a handler with the duplicate-handling policy chosen at
// registration time. Whether a duplicate append condition match fails the
// command is never inferred from the command type string — it is this
// explicit bool, set once when the handler is registered.
type registration struct {
	handler         dcb.CommandHandler
	failOnDuplicate bool
}

// Executor dispatches commands by type to registered handlers and runs the
// handle-validate-append-persist pipeline against a dcb.EventStore.
type Executor struct {
	store    dcb.EventStore
	handlers map[string]registration
	observer observability.Observer
}

// New builds an Executor with no handlers registered and a NoopObserver.
func New(store dcb.EventStore) *Executor {
	return &Executor{store: store, handlers: make(map[string]registration), observer: observability.NoopObserver{}}
}

// SetObserver installs o as the Executor's Observer, replacing the default
// NoopObserver. Not safe to call concurrently with Execute/ExecuteWithLocks.
func (e *Executor) SetObserver(o observability.Observer) {
	e.observer = o
}

// Register binds commandType to handler. failOnDuplicate controls what
// happens when the handler's AppendCondition idempotency check matches an
// existing event: true surfaces a *dcb.DuplicateOperationError to the
// caller, false treats the match as a successful no-op. Registering the
// same command type twice is a programming error, reported immediately
// rather than silently overwriting the earlier handler.
func (e *Executor) Register(commandType string, handler dcb.CommandHandler, failOnDuplicate bool) error {
	if commandType == "" {
		return fmt.Errorf("executor: command type must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("executor: handler for %q must not be nil", commandType)
	}
	if _, exists := e.handlers[commandType]; exists {
		return fmt.Errorf("executor: command type %q already registered", commandType)
	}
	e.handlers[commandType] = registration{handler: handler, failOnDuplicate: failOnDuplicate}
	return nil
}

// Execute runs the full pipeline for cmd: resolve its handler, open a
// transaction, invoke the handler against the transaction-scoped view of
// the store, validate the events it produced, append them conditionally,
// and persist the command — then commit. A duplicate (idempotent) command
// is reported through CommandResult.IdempotencyReason rather than as an
// error, unless the handler's registration opted into failOnDuplicate.
func (e *Executor) Execute(ctx context.Context, cmd dcb.Command) (dcb.CommandResult, error) {
	return e.run(ctx, cmd, nil)
}

// ExecuteWithLocks runs the same pipeline as Execute but first acquires a
// transaction-scoped advisory lock per key in locks (sorted before
// acquisition to make lock order deterministic and avoid deadlocks between
// concurrent multi-key commands), serializing any commands sharing a key
// without relying on the append condition alone. Events produced by the
// handler must not carry a tag whose key starts with "lock:" — that
// namespace is reserved for locks expressed as tags elsewhere in the
// system, and ExecuteWithLocks callers express locking out of band instead.
func (e *Executor) ExecuteWithLocks(ctx context.Context, cmd dcb.Command, locks []string) (dcb.CommandResult, error) {
	if len(locks) == 0 {
		return dcb.CommandResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "ExecuteWithLocks", Err: fmt.Errorf("locks must not be empty")},
			Field:           "locks",
			Value:           "empty",
		}
	}
	sortedLocks := append([]string(nil), locks...)
	sort.Strings(sortedLocks)
	return e.run(ctx, cmd, sortedLocks)
}

func (e *Executor) run(ctx context.Context, cmd dcb.Command, locks []string) (result dcb.CommandResult, err error) {
	started := time.Now()
	defer func() {
		commandType := ""
		if cmd != nil {
			commandType = cmd.Type()
		}
		e.observer.CommandCompleted(commandType, time.Since(started), err)
	}()

	if cmd == nil || cmd.Type() == "" {
		return dcb.CommandResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("command is nil or has no type")},
			Field:           "type",
			Value:           "",
		}
	}

	reg, ok := e.handlers[cmd.Type()]
	if !ok {
		return dcb.CommandResult{}, &dcb.ValidationError{
			EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("no handler registered for command type %q", cmd.Type())},
			Field:           "type",
			Value:           cmd.Type(),
		}
	}

	persistCommands := e.store.GetConfig().PersistCommands
	var final dcb.CommandResult

	txErr := e.store.ExecuteInTransaction(ctx, func(ctx context.Context, tx dcb.Transaction) error {
		for _, key := range locks {
			if err := tx.Lock(ctx, key); err != nil {
				return err
			}
		}

		result, err := reg.handler.Handle(ctx, &txView{outer: e.store, tx: tx}, cmd)
		if err != nil {
			return err
		}

		if len(result.Events) == 0 && result.IdempotencyReason != dcb.ReasonNone {
			final = result
			return e.persistCommand(ctx, tx, cmd, persistCommands)
		}

		if len(result.Events) == 0 {
			return &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("handler for %q produced no events", cmd.Type())},
				Field:           "events",
				Value:           "empty",
			}
		}
		if err := validateEvents(result.Events); err != nil {
			return err
		}
		if locks != nil {
			if err := rejectReservedTags(result.Events); err != nil {
				return err
			}
		}

		appendErr := tx.AppendIf(ctx, result.Events, result.Condition)
		if appendErr != nil {
			if dup, isDup := dcb.AsDuplicateOperationError(appendErr); isDup {
				if reg.failOnDuplicate {
					return dup
				}
				final = dcb.CommandResult{IdempotencyReason: dcb.ReasonDuplicateOperation}
				return e.persistCommand(ctx, tx, cmd, persistCommands)
			}
			if dcb.IsConcurrencyError(appendErr) {
				e.observer.ConcurrencyConflict(result.Events[0].Type())
			}
			return appendErr
		}
		for _, ev := range result.Events {
			e.observer.EventsAppended(ev.Type(), 1)
		}

		final = result
		return e.persistCommand(ctx, tx, cmd, persistCommands)
	})
	if txErr != nil {
		return dcb.CommandResult{}, txErr
	}

	return final, nil
}

func (e *Executor) persistCommand(ctx context.Context, tx dcb.Transaction, cmd dcb.Command, enabled bool) error {
	if !enabled {
		return nil
	}
	return tx.StoreCommand(ctx, cmd.Type(), cmd.Data(), cmd.Metadata())
}

// txView is the store handed to a command handler: reads and appends go
// through the enclosing transaction so the handler's projection and its
// conditional append observe one consistent snapshot; everything else
// delegates to the outer store. Opening a nested transaction is refused.
type txView struct {
	outer dcb.EventStore
	tx    dcb.Transaction
}

func (v *txView) Query(ctx context.Context, q dcb.Query, after dcb.Cursor) ([]dcb.Event, error) {
	return v.tx.Query(ctx, q, after)
}

func (v *txView) QueryStream(ctx context.Context, q dcb.Query, after dcb.Cursor) (<-chan dcb.Event, error) {
	events, err := v.tx.Query(ctx, q, after)
	if err != nil {
		return nil, err
	}
	ch := make(chan dcb.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (v *txView) MaxPosition(ctx context.Context) (int64, error) {
	return v.outer.MaxPosition(ctx)
}

func (v *txView) Append(ctx context.Context, events []dcb.InputEvent) error {
	return v.tx.Append(ctx, events)
}

func (v *txView) AppendIf(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) error {
	return v.tx.AppendIf(ctx, events, condition)
}

func (v *txView) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, tx dcb.Transaction) error) error {
	return &dcb.EventStoreError{Op: "ExecuteInTransaction", Err: fmt.Errorf("nested transactions are not supported")}
}

func (v *txView) GetConfig() dcb.EventStoreConfig {
	return v.outer.GetConfig()
}

func rejectReservedTags(events []dcb.InputEvent) error {
	for i, ev := range events {
		for _, t := range ev.Tags() {
			if strings.HasPrefix(t.Key(), "lock:") {
				return &dcb.ValidationError{
					EventStoreError: dcb.EventStoreError{Op: "ExecuteWithLocks", Err: fmt.Errorf("event at index %d carries reserved tag %q", i, t.Key())},
					Field:           "event.tags",
					Value:           t.Key(),
				}
			}
		}
	}
	return nil
}

// validateEvents enforces shape constraints the storage layer does not
// check itself: non-empty type, non-empty tag keys/values, no duplicate tag
// keys on one event.
func validateEvents(events []dcb.InputEvent) error {
	for i, ev := range events {
		if ev.Type() == "" {
			return &dcb.ValidationError{
				EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("event at index %d has empty type", i)},
				Field:           "type",
				Value:           "",
			}
		}

		seen := make(map[string]bool, len(ev.Tags()))
		for _, t := range ev.Tags() {
			if t.Key() == "" {
				return &dcb.ValidationError{
					EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("event at index %d has an empty tag key", i)},
					Field:           "tag.key",
					Value:           "",
				}
			}
			if t.Value() == "" {
				return &dcb.ValidationError{
					EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("event at index %d tag %q has an empty value", i, t.Key())},
					Field:           "tag.value",
					Value:           t.Key(),
				}
			}
			if seen[t.Key()] {
				return &dcb.ValidationError{
					EventStoreError: dcb.EventStoreError{Op: "Execute", Err: fmt.Errorf("event at index %d has duplicate tag key %q", i, t.Key())},
					Field:           "tag.key",
					Value:           t.Key(),
				}
			}
			seen[t.Key()] = true
		}
	}
	return nil
}
