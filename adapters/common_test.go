package adapters

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionConstants(t *testing.T) {
	assert.Equal(t, int64(-1), AnyVersion)
	assert.Equal(t, int64(0), NoStream)
	assert.Equal(t, int64(-2), StreamExists)
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		name     string
		expected int64
		current  int64
		exists   bool
		wantErr  error
	}{
		{name: "any version on missing stream", expected: AnyVersion, current: 0, exists: false},
		{name: "any version on existing stream", expected: AnyVersion, current: 7, exists: true},
		{name: "no stream on missing stream", expected: NoStream, current: 0, exists: false},
		{name: "no stream on existing stream", expected: NoStream, current: 1, exists: true, wantErr: ErrConcurrencyConflict},
		{name: "stream exists on existing stream", expected: StreamExists, current: 3, exists: true},
		{name: "stream exists on missing stream", expected: StreamExists, current: 0, exists: false, wantErr: ErrStreamNotFound},
		{name: "exact match", expected: 5, current: 5, exists: true},
		{name: "stale expected version", expected: 4, current: 5, exists: true, wantErr: ErrConcurrencyConflict},
		{name: "expected ahead of stream", expected: 6, current: 5, exists: true, wantErr: ErrConcurrencyConflict},
		{name: "invalid negative version", expected: -9, current: 0, exists: false, wantErr: ErrInvalidVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckVersion("acct-1", tt.expected, tt.current, tt.exists)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConcurrencyError(t *testing.T) {
	err := NewConcurrencyError("acct-1", 0, 1)

	assert.Equal(t, `keel: concurrency conflict on stream "acct-1": expected version 0, got 1`, err.Error())
	assert.True(t, errors.Is(err, ErrConcurrencyConflict))
	assert.False(t, errors.Is(err, ErrStreamNotFound))

	var target *ConcurrencyError
	require.True(t, errors.As(err, &target))
	assert.Equal(t, int64(1), target.ActualVersion)
}

func TestStreamNotFoundError(t *testing.T) {
	err := NewStreamNotFoundError("loan-7")

	assert.Equal(t, `keel: stream "loan-7" not found`, err.Error())
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestValidateAppend(t *testing.T) {
	p := Partition{Domain: "accounts"}
	records := []EventRecord{{Type: "FundsDeposited"}}

	assert.NoError(t, ValidateAppend(p, "acct-1", records))
	assert.ErrorIs(t, ValidateAppend(p, "", records), ErrEmptyStreamID)
	assert.ErrorIs(t, ValidateAppend(p, "acct-1", nil), ErrNoEvents)
	assert.ErrorIs(t, ValidateAppend(Partition{}, "acct-1", records), ErrInvalidPartition)
}

func TestDefaultLimit(t *testing.T) {
	assert.Equal(t, 100, DefaultLimit(0, 100))
	assert.Equal(t, 100, DefaultLimit(-1, 100))
	assert.Equal(t, 25, DefaultLimit(25, 100))
}
