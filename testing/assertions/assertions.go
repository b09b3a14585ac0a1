// Package assertions checks what ended up in an event log: stream contents,
// version continuity, correlation metadata and decoded payloads.
package assertions

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/keelhq/keel"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// ReadStream returns every event of streamID.
func ReadStream(t TB, ctx context.Context, log *keel.EventLog, streamID string) []keel.StoredEvent {
	t.Helper()
	var events []keel.StoredEvent
	for e, err := range log.ReadAll(ctx, streamID) {
		if err != nil {
			t.Fatalf("read %s: %v", streamID, err)
		}
		events = append(events, e)
	}
	return events
}

// AssertStreamTypes checks that streamID holds exactly the given event types
// in order.
func AssertStreamTypes(t TB, ctx context.Context, log *keel.EventLog, streamID string, types ...string) {
	t.Helper()
	AssertEventTypes(t, ReadStream(t, ctx, log, streamID), types...)
}

// AssertEventTypes checks that the events have the expected types in order.
func AssertEventTypes(t TB, events []keel.StoredEvent, types ...string) {
	t.Helper()
	if diffs := DiffTypes(types, EventTypes(events)); len(diffs) > 0 {
		t.Errorf("Event types differ:\n%s", FormatDiffs(diffs))
	}
}

// AssertGapless checks that versions run 1, 2, 3... within each stream and
// that global positions strictly increase.
func AssertGapless(t TB, events []keel.StoredEvent) {
	t.Helper()
	next := make(map[string]int64)
	var lastPosition uint64
	for i, e := range events {
		want := next[e.StreamID] + 1
		if e.Version != want {
			t.Errorf("Event %d of %s: expected version %d, got %d", i, e.StreamID, want, e.Version)
		}
		next[e.StreamID] = e.Version
		if i > 0 && e.GlobalPosition <= lastPosition {
			t.Errorf("Event %d: position %d does not follow %d", i, e.GlobalPosition, lastPosition)
		}
		lastPosition = e.GlobalPosition
	}
}

// AssertCausedBy checks the correlation and causation of one event.
func AssertCausedBy(t TB, event keel.StoredEvent, correlationID, causationID string) {
	t.Helper()
	if event.Metadata.CorrelationID != correlationID {
		t.Errorf("%s v%d: expected correlation %q, got %q",
			event.StreamID, event.Version, correlationID, event.Metadata.CorrelationID)
	}
	if event.Metadata.CausationID != causationID {
		t.Errorf("%s v%d: expected causation %q, got %q",
			event.StreamID, event.Version, causationID, event.Metadata.CausationID)
	}
}

// AssertEventData decodes event with serializer and compares it to expected.
// Pointer payloads are compared by the value they point to.
func AssertEventData[T any](t TB, serializer keel.Serializer, event keel.StoredEvent, expected T) {
	t.Helper()
	data, err := serializer.Deserialize(event.Data, event.Type)
	if err != nil {
		t.Fatalf("decode %s: %v", event.Type, err)
	}
	if v := reflect.ValueOf(data); v.Kind() == reflect.Ptr && !v.IsNil() {
		data = v.Elem().Interface()
	}
	if !reflect.DeepEqual(data, expected) {
		t.Errorf("%s v%d: expected %+v, got %+v", event.StreamID, event.Version, expected, data)
	}
}

// EventTypes returns the type of every event.
func EventTypes(events []keel.StoredEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// EventDiff represents a difference between expected and actual event types.
type EventDiff struct {
	Index    int
	Expected string
	Actual   string
	Type     DiffType
}

// DiffType categorizes an EventDiff.
type DiffType int

const (
	DiffTypeMismatch DiffType = iota
	DiffTypeMissing
	DiffTypeExtra
)

// String returns the string representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffTypeMismatch:
		return "mismatch"
	case DiffTypeMissing:
		return "missing"
	case DiffTypeExtra:
		return "extra"
	default:
		return "unknown"
	}
}

// DiffTypes compares two type sequences position by position.
func DiffTypes(expected, actual []string) []EventDiff {
	var diffs []EventDiff
	for i := 0; i < max(len(expected), len(actual)); i++ {
		switch {
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffTypeMissing})
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i], Type: DiffTypeExtra})
		case expected[i] != actual[i]:
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Actual: actual[i], Type: DiffTypeMismatch})
		}
	}
	return diffs
}

// FormatDiffs renders diffs one per line.
func FormatDiffs(diffs []EventDiff) string {
	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case DiffTypeMissing:
			fmt.Fprintf(&sb, "  [%d] missing %s\n", d.Index, d.Expected)
		case DiffTypeExtra:
			fmt.Fprintf(&sb, "  [%d] extra %s\n", d.Index, d.Actual)
		default:
			fmt.Fprintf(&sb, "  [%d] expected %s, got %s\n", d.Index, d.Expected, d.Actual)
		}
	}
	return sb.String()
}

// EventMatcher selects events.
type EventMatcher func(event keel.StoredEvent) bool

// MatchType matches events of the given type.
func MatchType(eventType string) EventMatcher {
	return func(e keel.StoredEvent) bool { return e.Type == eventType }
}

// MatchCorrelation matches events recorded under correlationID.
func MatchCorrelation(correlationID string) EventMatcher {
	return func(e keel.StoredEvent) bool { return e.Metadata.CorrelationID == correlationID }
}

// AssertNoneMatch fails if any event matches.
func AssertNoneMatch(t TB, events []keel.StoredEvent, matcher EventMatcher) {
	t.Helper()
	if n := CountMatches(events, matcher); n > 0 {
		t.Errorf("Expected no matching events, found %d", n)
	}
}

// CountMatches counts the events that match.
func CountMatches(events []keel.StoredEvent, matcher EventMatcher) int {
	return len(FilterEvents(events, matcher))
}

// FilterEvents returns the events that match.
func FilterEvents(events []keel.StoredEvent, matcher EventMatcher) []keel.StoredEvent {
	var out []keel.StoredEvent
	for _, e := range events {
		if matcher(e) {
			out = append(out, e)
		}
	}
	return out
}
