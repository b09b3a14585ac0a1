package keel

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError(t *testing.T) {
	err := NewDomainError("insufficient_funds", "balance %d below %d", 5, 10)

	assert.Equal(t, "keel: insufficient_funds: balance 5 below 10", err.Error())
	assert.ErrorIs(t, err, ErrDomain)
	assert.ErrorIs(t, fmt.Errorf("withdraw: %w", err), &DomainError{Code: "insufficient_funds"})
	assert.NotErrorIs(t, err, &DomainError{Code: "account_closed"})
	assert.True(t, IsDomainError(err))
	assert.False(t, IsDomainError(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"concurrency conflict", NewConcurrencyError("Wallet-1", 1, 2), true},
		{"wrapped sentinel", fmt.Errorf("persist: %w", ErrConcurrencyConflict), true},
		{"domain", NewDomainError("x", "y"), false},
		{"schema drift", &SchemaDriftError{AggregateType: "Wallet", EventType: "X"}, false},
		{"stream missing", ErrStreamNotFound, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, isTerminal(Permanent(errors.New("closed"))))
	assert.True(t, isTerminal(NewDomainError("x", "y")))
	assert.True(t, isTerminal(&SchemaDriftError{}))
	assert.True(t, isTerminal(context.Canceled))
	assert.True(t, isTerminal(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.False(t, isTerminal(errors.New("timeout")))
	assert.Nil(t, Permanent(nil))

	cause := errors.New("closed")
	assert.ErrorIs(t, Permanent(cause), cause)
}

func TestSchemaDriftError(t *testing.T) {
	err := NewSchemaDriftError("Wallet", WalletRenamed{})
	assert.Equal(t, "WalletRenamed", err.EventType)
	assert.ErrorIs(t, err, ErrSchemaDrift)
	assert.Equal(t, `keel: schema drift: Wallet cannot apply event "WalletRenamed"`, err.Error())

	err.StreamID, err.Version = "Wallet-1", 4
	assert.Contains(t, err.Error(), `(stream "Wallet-1", version 4)`)
}

func TestTypedErrors(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"compensation", &CompensationError{Step: "withdraw", Cause: cause}, ErrCompensationFailed},
		{"activity", &ActivityError{Activity: "rates", Attempts: 3, Cause: cause}, ErrActivityFailed},
		{"serialization", NewSerializationError("WalletOpened", "deserialize", cause), ErrSerializationFailed},
		{"unregistered", NewEventTypeNotRegisteredError("WalletOpened"), ErrEventTypeNotRegistered},
		{"handler", NewHandlerNotFoundError("Ping"), ErrHandlerNotFound},
		{"panic", NewPanicError("Ping", "boom", ""), ErrHandlerPanicked},
		{"validation", NewValidationError("Ping", "", "bad"), ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)
			assert.NotEmpty(t, tt.err.Error())
		})
	}

	assert.ErrorIs(t, &CompensationError{Cause: cause}, cause)
	assert.ErrorIs(t, &ActivityError{Cause: cause}, cause)
}
