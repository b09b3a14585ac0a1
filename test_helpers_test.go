package keel

// test_helpers_test.go contains shared test doubles for keel package tests.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/keelhq/keel/adapters/memory"
)

// =============================================================================
// Shared Test Logger
// =============================================================================

type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

func (l *testLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errorLogs...)
}

// =============================================================================
// Shared Test Aggregate
// =============================================================================

type WalletOpened struct {
	Owner string `json:"owner"`
}

type WalletCredited struct {
	Amount int64 `json:"amount"`
}

type WalletDebited struct {
	Amount int64 `json:"amount"`
}

// WalletRenamed is deliberately absent from wallet.ApplyEvent.
type WalletRenamed struct {
	Name string `json:"name"`
}

func walletEvents() []interface{} {
	return []interface{}{WalletOpened{}, WalletCredited{}, WalletDebited{}}
}

type wallet struct {
	AggregateBase
	Owner   string
	Balance int64
	Applied int
}

func newWallet(id string) *wallet {
	return &wallet{AggregateBase: NewAggregateBase(id, "Wallet")}
}

func (w *wallet) Open(owner string) error {
	if w.Version() > 0 || w.HasUncommittedEvents() {
		return NewDomainError("already_open", "wallet %s is already open", w.AggregateID())
	}
	return w.record(WalletOpened{Owner: owner})
}

func (w *wallet) Credit(amount int64) error {
	return w.record(WalletCredited{Amount: amount})
}

func (w *wallet) Debit(amount int64) error {
	if amount > w.Balance {
		return NewDomainError("insufficient_funds", "balance %d, requested %d", w.Balance, amount)
	}
	return w.record(WalletDebited{Amount: amount})
}

func (w *wallet) record(event interface{}) error {
	w.Apply(event)
	return w.ApplyEvent(event)
}

func (w *wallet) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case WalletOpened:
		w.Owner = e.Owner
	case WalletCredited:
		w.Balance += e.Amount
	case WalletDebited:
		w.Balance -= e.Amount
	default:
		return NewSchemaDriftError(w.AggregateType(), event)
	}
	w.Applied++
	return nil
}

type walletState struct {
	Owner   string `json:"owner"`
	Balance int64  `json:"balance"`
}

func (w *wallet) Snapshot() ([]byte, error) {
	return json.Marshal(walletState{Owner: w.Owner, Balance: w.Balance})
}

func (w *wallet) RestoreSnapshot(state []byte) error {
	var s walletState
	if err := json.Unmarshal(state, &s); err != nil {
		return err
	}
	w.Owner, w.Balance = s.Owner, s.Balance
	return nil
}

// =============================================================================
// Store fixtures
// =============================================================================

var testPartition = NewPartition("wallets")

func newTestStore(opts ...Option) (*EventStore, *memory.MemoryAdapter) {
	adapter := memory.NewAdapter()
	store := New(adapter, opts...)
	store.RegisterEvents(walletEvents()...)
	return store, adapter
}

func newTestLog(store *EventStore) *EventLog {
	log, err := store.Partition(testPartition)
	if err != nil {
		panic(err)
	}
	return log
}

func newWalletRepo(store *EventStore, p Partition, opts ...RepositoryOption) *AggregateRepository[*wallet] {
	repo, err := NewAggregateRepository(store, p, newWallet, opts...)
	if err != nil {
		panic(err)
	}
	return repo
}

// =============================================================================
// Shared Test ProjectionMetrics and CheckpointStore
// =============================================================================

type testProjectionMetrics struct {
	mu              sync.Mutex
	eventsProcessed int
	failures        int
	checkpointsSet  int
	errorsRecorded  int
}

func (m *testProjectionMetrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventsProcessed++
	if !success {
		m.failures++
	}
}

func (m *testProjectionMetrics) RecordCheckpoint(projectionName string, position uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpointsSet++
}

func (m *testProjectionMetrics) RecordError(projectionName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorsRecorded++
}

type failingCheckpointStore struct{}

func (failingCheckpointStore) GetCheckpoint(context.Context, string) (uint64, error) { return 0, nil }
func (failingCheckpointStore) SetCheckpoint(context.Context, string, uint64) error {
	return fmt.Errorf("checkpoint store offline")
}

// recordingProjection records every applied event and can fail on demand.
type recordingProjection struct {
	ProjectionBase
	mu     sync.Mutex
	events []StoredEvent
	failOn func(StoredEvent) error
}

func newRecordingProjection(name string, handledEvents ...string) *recordingProjection {
	return &recordingProjection{ProjectionBase: NewProjectionBase(name, handledEvents...)}
}

func (p *recordingProjection) Apply(ctx context.Context, event StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != nil {
		if err := p.failOn(event); err != nil {
			return err
		}
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingProjection) Events() []StoredEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StoredEvent(nil), p.events...)
}
