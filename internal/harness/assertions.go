package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/casesync/internal/mutation"
	"github.com/roach88/casesync/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s: %s\n", event.Seq, event.Type, event.Detail)
		}
	}

	return buf.String()
}

// AssertionContext provides database access for state assertions.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// assertTraceOrder checks that each event substring matches a trace detail,
// in order. Matches don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Events) {
			break
		}
		if strings.Contains(event.Detail, assertion.Events[next]) {
			next++
		}
	}
	if next == len(assertion.Events) {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceOrder,
		Expected: fmt.Sprintf("events in order: %s", strings.Join(assertion.Events, " -> ")),
		Actual:   fmt.Sprintf("no match for %q after %d matched", assertion.Events[next], next),
		Trace:    trace,
	}
}

// assertTraceCount checks how many trace details contain a substring.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if strings.Contains(event.Detail, assertion.Contains) {
			count++
		}
	}
	if count == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertTraceCount,
		Expected: fmt.Sprintf("%d events containing %q", assertion.Count, assertion.Contains),
		Actual:   fmt.Sprintf("%d events", count),
		Trace:    trace,
	}
}

func assertMapping(ctx context.Context, st *store.Store, assertion Assertion) error {
	ref, err := mutation.ParseEntityRef(assertion.Entity)
	if err != nil {
		return err
	}
	got, err := st.LookupMapping(ctx, ref)
	if err != nil {
		return err
	}
	if got == assertion.RemoteID {
		return nil
	}
	return &AssertionError{
		Type:     AssertMapping,
		Expected: fmt.Sprintf("%s -> %q", ref, assertion.RemoteID),
		Actual:   fmt.Sprintf("%s -> %q", ref, got),
	}
}

func assertPendingCount(ctx context.Context, st *store.Store, assertion Assertion) error {
	ref, err := mutation.ParseEntityRef(assertion.Entity)
	if err != nil {
		return err
	}
	got, err := st.PendingCountForEntity(ctx, ref)
	if err != nil {
		return err
	}
	if got == assertion.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertPendingCount,
		Expected: fmt.Sprintf("%d unsynced records for %s", assertion.Count, ref),
		Actual:   fmt.Sprintf("%d", got),
	}
}

// assertQueue subset-matches the log statistics.
func assertQueue(ctx context.Context, st *store.Store, assertion Assertion) error {
	stats, err := st.Stats(ctx)
	if err != nil {
		return err
	}
	actual := map[string]int{
		"pending":       stats.Pending,
		"in_flight":     stats.InFlight,
		"dead_lettered": stats.DeadLettered,
		"mappings":      stats.Mappings,
	}

	keys := make([]string, 0, len(assertion.Expect))
	for k := range assertion.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Only mismatched keys are reported, on both sides.
	var want, mismatches []string
	for _, k := range keys {
		if actual[k] != assertion.Expect[k] {
			want = append(want, fmt.Sprintf("%s=%d", k, assertion.Expect[k]))
			mismatches = append(mismatches, fmt.Sprintf("%s=%d (want %d)", k, actual[k], assertion.Expect[k]))
		}
	}
	if len(mismatches) == 0 {
		return nil
	}
	return &AssertionError{
		Type:     AssertQueue,
		Expected: strings.Join(want, ", "),
		Actual:   strings.Join(mismatches, ", "),
	}
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database access for state assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertMapping, AssertPendingCount, AssertQueue:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: %s requires database context", i, assertion.Type)
				break
			}
			switch assertion.Type {
			case AssertMapping:
				err = assertMapping(actx.Ctx, actx.Store, assertion)
			case AssertPendingCount:
				err = assertPendingCount(actx.Ctx, actx.Store, assertion)
			default:
				err = assertQueue(actx.Ctx, actx.Store, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
