package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dcb/pkg/dcb"
	"go-dcb/pkg/dcb/executor"
)

// memStore is a minimal in-process dcb.EventStore/dcb.Transaction fake for
// exercising the executor pipeline without a database.
type memStore struct {
	events  []dcb.Event
	cfg     dcb.EventStoreConfig
	locks   []string
	command []string
}

func (m *memStore) Query(ctx context.Context, q dcb.Query, after dcb.Cursor) ([]dcb.Event, error) {
	return m.events, nil
}
func (m *memStore) QueryStream(ctx context.Context, q dcb.Query, after dcb.Cursor) (<-chan dcb.Event, error) {
	ch := make(chan dcb.Event)
	close(ch)
	return ch, nil
}
func (m *memStore) MaxPosition(ctx context.Context) (int64, error) { return int64(len(m.events)), nil }
func (m *memStore) Append(ctx context.Context, events []dcb.InputEvent) error {
	return m.AppendIf(ctx, events, dcb.AppendCondition{})
}
func (m *memStore) AppendIf(ctx context.Context, events []dcb.InputEvent, condition dcb.AppendCondition) error {
	if q := condition.IdempotencyQuery(); q != nil {
		for _, ev := range m.events {
			for _, item := range q.Items() {
				if itemMatches(item, ev) {
					return &dcb.DuplicateOperationError{ConflictingEventType: ev.Type}
				}
			}
		}
	}
	for _, ev := range events {
		m.events = append(m.events, dcb.Event{Type: ev.Type(), Tags: ev.Tags(), Data: ev.Data(), Position: int64(len(m.events) + 1)})
	}
	return nil
}
func itemMatches(item dcb.QueryItem, ev dcb.Event) bool {
	for _, want := range item.Tags() {
		if !dcb.HasTag(ev.Tags, want.Key(), want.Value()) {
			return false
		}
	}
	if types := item.EventTypes(); len(types) > 0 {
		for _, t := range types {
			if t == ev.Type {
				return true
			}
		}
		return false
	}
	return true
}
func (m *memStore) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context, tx dcb.Transaction) error) error {
	return fn(ctx, m)
}
func (m *memStore) GetConfig() dcb.EventStoreConfig { return m.cfg }
func (m *memStore) StoreCommand(ctx context.Context, commandType string, payload []byte, metadata map[string]any) error {
	m.command = append(m.command, commandType)
	return nil
}
func (m *memStore) CurrentTransactionID(ctx context.Context) (uint64, error) { return 1, nil }
func (m *memStore) Lock(ctx context.Context, key string) error {
	m.locks = append(m.locks, key)
	return nil
}

func openWalletHandler() dcb.CommandHandler {
	return dcb.CommandHandlerFunc(func(ctx context.Context, store dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
		tag := dcb.NewTag("wallet_id", "w1")
		return dcb.CommandResult{
			Events:    []dcb.InputEvent{dcb.NewInputEvent("WalletOpened", []dcb.Tag{tag}, nil)},
			Condition: dcb.NewIdempotencyCondition("WalletOpened", tag),
		}, nil
	})
}

func TestExecuteRegistersAndRunsHandler(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	require.NoError(t, exec.Register("OpenWallet", openWalletHandler(), true))

	result, err := exec.Execute(context.Background(), dcb.NewCommand("OpenWallet", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, dcb.ReasonNone, result.IdempotencyReason)
	assert.Len(t, store.events, 1)
	assert.Equal(t, []string{"OpenWallet"}, store.command)
}

func TestExecuteRejectsDoubleRegistration(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	require.NoError(t, exec.Register("OpenWallet", openWalletHandler(), true))
	assert.Error(t, exec.Register("OpenWallet", openWalletHandler(), false))
}

func TestExecuteUnknownCommandTypeIsValidationError(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)

	_, err := exec.Execute(context.Background(), dcb.NewCommand("Nope", nil, nil))
	assert.True(t, dcb.IsValidationError(err))
}

func TestExecuteFailOnDuplicateSurfacesError(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	require.NoError(t, exec.Register("OpenWallet", openWalletHandler(), true))

	ctx := context.Background()
	_, err := exec.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
	require.NoError(t, err)

	_, err = exec.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
	assert.True(t, dcb.IsDuplicateOperationError(err))
}

func TestExecuteDuplicateWithoutFailIsSuccessfulNoOp(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	require.NoError(t, exec.Register("OpenWallet", openWalletHandler(), false))

	ctx := context.Background()
	_, err := exec.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
	require.NoError(t, err)

	result, err := exec.Execute(ctx, dcb.NewCommand("OpenWallet", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, dcb.ReasonDuplicateOperation, result.IdempotencyReason)
	assert.Len(t, store.events, 1)
}

func TestExecuteWithLocksAcquiresSortedLocks(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	require.NoError(t, exec.Register("OpenWallet", openWalletHandler(), true))

	_, err := exec.ExecuteWithLocks(context.Background(), dcb.NewCommand("OpenWallet", nil, nil), []string{"z", "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, store.locks)
}

func TestExecuteAlreadyProcessedPersistsCommandOnly(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	handler := dcb.CommandHandlerFunc(func(ctx context.Context, store dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
		return dcb.CommandResult{IdempotencyReason: dcb.ReasonAlreadyProcessed}, nil
	})
	require.NoError(t, exec.Register("Replay", handler, false))

	result, err := exec.Execute(context.Background(), dcb.NewCommand("Replay", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, dcb.ReasonAlreadyProcessed, result.IdempotencyReason)
	assert.Empty(t, store.events)
	assert.Equal(t, []string{"Replay"}, store.command)
}

func TestExecuteNilCommandIsValidationError(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)

	_, err := exec.Execute(context.Background(), nil)
	assert.True(t, dcb.IsValidationError(err))

	_, err = exec.Execute(context.Background(), dcb.NewCommand("", nil, nil))
	assert.True(t, dcb.IsValidationError(err))
}

func TestExecuteHandlerSeesTransactionScopedReads(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	store.events = append(store.events, dcb.Event{Type: "Seeded", Position: 1})
	exec := executor.New(store)

	var seen int
	handler := dcb.CommandHandlerFunc(func(ctx context.Context, s dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
		got, err := s.Query(ctx, dcb.QueryAll(), dcb.ZeroCursor)
		if err != nil {
			return dcb.CommandResult{}, err
		}
		seen = len(got)
		if s.ExecuteInTransaction(ctx, func(context.Context, dcb.Transaction) error { return nil }) == nil {
			t.Error("nested transaction should be refused")
		}
		return dcb.CommandResult{Events: []dcb.InputEvent{dcb.NewInputEvent("Noted", nil, nil)}}, nil
	})
	require.NoError(t, exec.Register("Note", handler, false))

	_, err := exec.Execute(context.Background(), dcb.NewCommand("Note", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestExecuteRejectsHandlerProducingNoEvents(t *testing.T) {
	store := &memStore{cfg: dcb.DefaultEventStoreConfig()}
	exec := executor.New(store)
	noopHandler := dcb.CommandHandlerFunc(func(ctx context.Context, store dcb.EventStore, cmd dcb.Command) (dcb.CommandResult, error) {
		return dcb.CommandResult{}, nil
	})
	require.NoError(t, exec.Register("Noop", noopHandler, false))

	_, err := exec.Execute(context.Background(), dcb.NewCommand("Noop", nil, nil))
	assert.True(t, dcb.IsValidationError(err))
}
