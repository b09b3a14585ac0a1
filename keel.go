// Package keel provides event-sourced aggregates and saga orchestration for
// ledger-style Go services.
//
// Events are appended to per-stream logs with optimistic concurrency, and
// aggregates are rebuilt from them, optionally starting from a snapshot.
// Every log lives in a partition (a tenant and a domain), chosen once when a
// log, repository or projection engine is created.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	import (
//	    "github.com/keelhq/keel"
//	    "github.com/keelhq/keel/adapters/memory"
//	)
//
//	store := keel.New(memory.NewAdapter())
//	store.RegisterEvents(accounts.Events()...)
//
// For production, use the PostgreSQL adapter:
//
//	adapter, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := keel.New(adapter, keel.WithLogger(zaplog.New(logger)))
//
// # Aggregates
//
// Aggregates embed AggregateBase, record new events with Apply and change
// state only in ApplyEvent, whose type switch ends in a SchemaDriftError:
//
//	func (a *Account) Deposit(amount int64) error {
//	    e := FundsDeposited{Amount: amount}
//	    a.Apply(e)
//	    return a.ApplyEvent(e)
//	}
//
//	func (a *Account) ApplyEvent(event interface{}) error {
//	    switch e := event.(type) {
//	    case FundsDeposited:
//	        a.Balance += e.Amount
//	    default:
//	        return keel.NewSchemaDriftError(a.AggregateType(), event)
//	    }
//	    return nil
//	}
//
// Repositories are bound to one partition:
//
//	repo, err := keel.NewAggregateRepository(store, keel.TenantPartition("acme", "accounts"), accounts.NewAccount,
//	    keel.WithSnapshotPolicy(keel.EveryNEvents(50)),
//	    keel.WithConflictRetries(3))
//
//	acct, err := repo.Execute(ctx, "alice", func(a *accounts.Account) error {
//	    return a.Withdraw(100)
//	})
//
// # Sagas
//
// A saga runs steps in order and, if one fails, runs the compensations of the
// completed steps newest-first. A compensation receives what its step actually
// did:
//
//	saga := keel.NewSaga("transfer",
//	    keel.NewStep("withdraw", withdrawFromSource, depositBackToSource),
//	    keel.NewStep("deposit", depositToTarget, withdrawBackFromTarget),
//	    keel.Do("notify", notify).WithRetry(keel.ExponentialBackoff(5, 100*time.Millisecond, 2*time.Second)),
//	)
//	outcome, err := saga.Run(ctx, &TransferState{From: "alice", To: "bob", Amount: 100})
//
// # Optimistic Concurrency
//
// Version constants:
//   - AnyVersion (-1): Skip version check
//   - NoStream (0): Stream must not exist
//   - StreamExists (-2): Stream must exist
package keel

// Version returns the library version string.
func Version() string {
	return "0.3.0"
}
