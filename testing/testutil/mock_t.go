// Package testutil provides doubles for testing code built on keel: a
// recording testing.TB, an adapter that fails on demand and recording
// projections and publishers.
package testutil

import (
	"fmt"
	"runtime"
	"testing"
)

// MockT is a testing.TB that records failures instead of failing the test.
// Fixtures in testing/bdd and testing/sagas are tested with it.
type MockT struct {
	testing.TB // embed to satisfy unexported methods
	Failed_    bool
	Fatal_     bool
	Message    string
}

// NewMockT creates a new MockT.
func NewMockT() *MockT {
	return &MockT{}
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) {
	m.Failed_ = true
	m.Message = fmt.Sprint(args...)
}

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) {
	m.Failed_ = true
	m.Message = fmt.Sprintf(format, args...)
}

// Fail implements testing.TB.
func (m *MockT) Fail() { m.Failed_ = true }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.Failed_ = true
	runtime.Goexit()
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool { return m.Failed_ }

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.Failed_ = true
	m.Fatal_ = true
	m.Message = fmt.Sprint(args...)
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.Failed_ = true
	m.Fatal_ = true
	m.Message = fmt.Sprintf(format, args...)
	runtime.Goexit()
}

// RunWithMockT runs fn on its own goroutine so Fatal and FailNow can stop it,
// and returns the MockT once fn is done.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}
