package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelhq/keel"
	"github.com/keelhq/keel/domain/accounts"
	"github.com/keelhq/keel/domain/lending"
	"github.com/keelhq/keel/domain/stablecoin"
	"github.com/keelhq/keel/domain/treasury"
	"github.com/keelhq/keel/testing/assertions"
	"github.com/keelhq/keel/testing/sagas"
	"github.com/keelhq/keel/testing/testutil"
)

const tenantID = "acme"

type env struct {
	adapter  *testutil.FaultyAdapter
	store    *keel.EventStore
	accounts *accounts.Service
	loans    *lending.Service
	coins    *stablecoin.Service
	pools    *treasury.Service
	rates    *treasury.FixedRates
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{adapter: testutil.NewFaultyAdapter()}
	e.store = keel.New(e.adapter)
	e.rates = treasury.NewFixedRates(map[string]int64{"EUR/USD": 1_080_000})

	var err error
	e.accounts, err = accounts.NewService(e.store, keel.TenantPartition(tenantID, accounts.Domain))
	require.NoError(t, err)
	e.loans, err = lending.NewService(e.store, keel.TenantPartition(tenantID, lending.Domain))
	require.NoError(t, err)
	e.coins, err = stablecoin.NewService(e.store, keel.TenantPartition(tenantID, stablecoin.Domain))
	require.NoError(t, err)
	e.pools, err = treasury.NewService(e.store, keel.TenantPartition(tenantID, treasury.Domain), e.rates)
	require.NoError(t, err)
	return e
}

func (e *env) open(t *testing.T, id, currency string, balance int64) {
	t.Helper()
	ctx := context.Background()
	_, err := e.accounts.Open(ctx, id, id, currency)
	require.NoError(t, err)
	if balance > 0 {
		_, err = e.accounts.Deposit(ctx, id, balance, currency, "seed")
		require.NoError(t, err)
	}
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := e.accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func (e *env) streamTypes(t *testing.T, streamID string) []string {
	t.Helper()
	log, err := e.store.Partition(keel.TenantPartition(tenantID, accounts.Domain))
	require.NoError(t, err)
	var types []string
	for ev, err := range log.ReadAll(context.Background(), streamID) {
		require.NoError(t, err)
		types = append(types, ev.Type)
	}
	return types
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	sent  []Notification
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, note)
	return nil
}

var fastRetry = WithNotifyRetry(keel.FixedBackoff(2, time.Millisecond))

func TestTransfer_Completes(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "USD", 500)
	e.open(t, "bob", "USD", 0)
	notifier := &recordingNotifier{}

	f := sagas.TestSaga(t, NewTransfer(e.accounts, WithNotifier(notifier))).
		When(&Transfer{TransferID: "t-1", From: "alice", To: "bob", Amount: 100}).
		ThenCompleted().
		ThenSteps("withdraw", "deposit", "notify").
		ThenState(func(t sagas.TB, s *Transfer) {
			assert.Equal(t, int64(100), s.Withdrawn.Amount)
			assert.Equal(t, "bob", s.Deposited.AccountID)
		})

	assert.Equal(t, int64(400), e.balance(t, "alice"))
	assert.Equal(t, int64(100), e.balance(t, "bob"))
	assert.Equal(t, []Notification{{Workflow: TransferSaga, Reference: "t-1", Amount: 100, Currency: "USD"}}, notifier.sent)

	t.Run("events carry the saga as correlation", func(t *testing.T) {
		log, err := e.store.Partition(keel.TenantPartition(tenantID, accounts.Domain))
		require.NoError(t, err)
		events := assertions.ReadStream(t, context.Background(), log, "Account-bob")
		require.Len(t, events, 2)
		assertions.AssertGapless(t, events)
		assertions.AssertCausedBy(t, events[1], f.Outcome().SagaID, "deposit")
		assertions.AssertEventData(t, e.store.Serializer(), events[1],
			accounts.FundsDeposited{Amount: 100, Reference: "t-1"})
	})
}

// Withdraw 100 from A, deposit 100 to B, notify fails: B is debited back,
// then A is credited back, and both balances end where they started.
func TestTransfer_NotifyFailureRestoresBalances(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "USD", 500)
	e.open(t, "bob", "USD", 0)
	notifier := &recordingNotifier{err: errors.New("smtp down")}

	sagas.TestSaga(t, NewTransfer(e.accounts, WithNotifier(notifier), fastRetry)).
		When(&Transfer{TransferID: "t-1", From: "alice", To: "bob", Amount: 100}).
		ThenFailedAt("notify").
		ThenError(keel.ErrActivityFailed).
		ThenSteps("withdraw", "deposit").
		ThenCompensated("deposit", "withdraw")

	assert.Equal(t, 2, notifier.calls)
	assert.Equal(t, int64(500), e.balance(t, "alice"))
	assert.Equal(t, int64(0), e.balance(t, "bob"))
	log, err := e.store.Partition(keel.TenantPartition(tenantID, accounts.Domain))
	require.NoError(t, err)
	assertions.AssertStreamTypes(t, context.Background(), log, "Account-bob", "AccountOpened", "FundsDeposited", "FundsWithdrawn")
}

func TestTransfer_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		currency string
		to       string
		failed   string
		code     string
		undone   []string
	}{
		{"insufficient funds", 900, "", "bob", "withdraw", accounts.CodeInsufficientFunds, nil},
		{"unknown destination", 100, "", "nobody", "deposit", accounts.CodeNotOpen, []string{"withdraw"}},
		{"destination in another currency", 100, "", "erin", "deposit", accounts.CodeCurrencyMismatch, []string{"withdraw"}},
		{"source in another currency", 100, "EUR", "erin", "withdraw", accounts.CodeCurrencyMismatch, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.open(t, "alice", "USD", 500)
			e.open(t, "bob", "USD", 0)
			e.open(t, "erin", "EUR", 0)

			sagas.TestSaga(t, NewTransfer(e.accounts)).
				When(&Transfer{TransferID: "t-1", From: "alice", To: tt.to, Amount: tt.amount, Currency: tt.currency}).
				ThenFailedAt(tt.failed).
				ThenError(keel.NewDomainError(tt.code, "")).
				ThenCompensated(tt.undone...)

			assert.Equal(t, int64(500), e.balance(t, "alice"))
			assert.Equal(t, int64(0), e.balance(t, "erin"))
			assert.Equal(t, []string{"AccountOpened"}, e.streamTypes(t, "Account-erin"))
		})
	}
}

func TestTransfer_ExplicitCurrency(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "EUR", 500)
	e.open(t, "erin", "EUR", 0)

	sagas.TestSaga(t, NewTransfer(e.accounts)).
		When(&Transfer{TransferID: "t-1", From: "alice", To: "erin", Amount: 120, Currency: "EUR"}).
		ThenCompleted().
		ThenState(func(t sagas.TB, s *Transfer) {
			assert.Equal(t, "EUR", s.Withdrawn.Currency)
			assert.Equal(t, accounts.Movement{AccountID: "erin", Amount: 120, Currency: "EUR", Version: 2}, s.Deposited)
		})

	assert.Equal(t, int64(380), e.balance(t, "alice"))
	assert.Equal(t, int64(120), e.balance(t, "erin"))
}

func TestTransfer_CompensationFailureIsReported(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "USD", 500)
	e.open(t, "bob", "USD", 0)
	diskFull := errors.New("disk full")
	// bob's stream takes the open and the deposit, then nothing more
	e.adapter.FailAppends("Account-bob", 2, diskFull)

	sagas.TestSaga(t, NewTransfer(e.accounts, WithNotifier(&recordingNotifier{err: errors.New("down")}), fastRetry)).
		When(&Transfer{TransferID: "t-1", From: "alice", To: "bob", Amount: 100}).
		ThenFailedAt("notify").
		ThenError(diskFull).
		ThenCompensationFailed("deposit").
		ThenCompensated("withdraw")

	assert.Equal(t, int64(500), e.balance(t, "alice"))
	assert.Equal(t, int64(100), e.balance(t, "bob"))
}

func TestTransfer_NotifyIsSkippedWithoutNotifier(t *testing.T) {
	e := newEnv(t)
	e.open(t, "alice", "USD", 500)
	e.open(t, "bob", "USD", 0)

	sagas.TestSaga(t, NewTransfer(e.accounts)).
		When(&Transfer{TransferID: "t-1", From: "alice", To: "bob", Amount: 1}).
		ThenCompleted().
		ThenSkipped("notify")
}

func TestPublisherNotifier(t *testing.T) {
	publisher := testutil.NewRecordingPublisher("test")
	notifier := NewPublisherNotifier(publisher, "workflows")

	ctx := keel.WithTenantID(context.Background(), tenantID)
	ctx = keel.WithMetadata(ctx, keel.Metadata{CorrelationID: "saga-1"})
	require.NoError(t, notifier.Notify(ctx, Notification{Workflow: TransferSaga, Reference: "t-1", Amount: 5}))

	msgs := publisher.Messages()
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "test:workflows", msg.Destination)
	assert.Equal(t, "workflow.transfer.completed", msg.EventType)
	assert.Equal(t, "t-1", msg.StreamID)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, map[string]string{"correlation-id": "saga-1", "tenant-id": tenantID}, msg.Headers)

	var got Notification
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, int64(5), got.Amount)

	t.Run("publish failure", func(t *testing.T) {
		publisher.Err = errors.New("broker down")
		assert.Error(t, notifier.Notify(context.Background(), Notification{}))
	})

	t.Run("func adapter", func(t *testing.T) {
		var got Notification
		n := NotifierFunc(func(ctx context.Context, note Notification) error {
			got = note
			return nil
		})
		require.NoError(t, n.Notify(context.Background(), Notification{Reference: "x"}))
		assert.Equal(t, "x", got.Reference)
	})
}
