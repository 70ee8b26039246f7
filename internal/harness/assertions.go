package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			if event.Type == EventCompletion {
				fmt.Fprintf(&buf, "  [%d] %s -> %s %v\n", event.Seq, event.Action, event.OutputCase, event.Result)
			}
		}
	}
	return buf.String()
}

func (h *Harness) evaluate(a Assertion, result *Result) error {
	switch a.Type {
	case AssertTraceContains:
		return assertTraceContains(result.Trace, a)
	case AssertTraceOrder:
		return assertTraceOrder(result.Trace, a)
	case AssertTraceCount:
		return assertTraceCount(result.Trace, a)
	case AssertFinalState:
		dev, ok := h.devices[a.Device]
		if !ok {
			return fmt.Errorf("unknown device %q", a.Device)
		}
		return assertFinalState(context.Background(), dev, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertTraceContains looks for an invocation of the action whose args
// include Args and whose completion result includes Result.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for i, event := range trace {
		if event.Type != EventInvocation || event.Action != a.Action {
			continue
		}
		if subsetMismatch(a.Args, event.Args) != "" {
			continue
		}
		if len(a.Result) > 0 {
			if i+1 >= len(trace) || subsetMismatch(a.Result, trace[i+1].Result) != "" {
				continue
			}
		}
		return nil
	}
	expected := fmt.Sprintf("action %s with args %v", a.Action, a.Args)
	if len(a.Result) > 0 {
		expected += fmt.Sprintf(" and result %v", a.Result)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the first invocations of the actions occur
// in the listed order. Intervening actions are allowed.
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	positions := make(map[string]int64)
	for _, event := range trace {
		if event.Type != EventInvocation {
			continue
		}
		if _, seen := positions[event.Action]; !seen {
			positions[event.Action] = event.Seq
		}
	}

	for _, action := range a.Actions {
		if _, ok := positions[action]; !ok {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions present: %v", a.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Actions); i++ {
		prev, curr := a.Actions[i-1], a.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", a.Actions),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == a.Action {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState reads one row of a device's materialized state.
func assertFinalState(ctx context.Context, d *simDevice, a Assertion) error {
	raw, ok, err := d.journal.GetState(ctx, a.Table, a.Key)
	if err != nil {
		return err
	}
	where := fmt.Sprintf("%s %s/%s", a.Device, a.Table, a.Key)
	if a.Absent {
		if ok {
			return &AssertionError{Type: AssertFinalState, Expected: where + " absent", Actual: string(raw)}
		}
		return nil
	}
	if !ok {
		return &AssertionError{Type: AssertFinalState, Expected: fmt.Sprintf("%s = %v", where, a.Expect), Actual: "no row"}
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return fmt.Errorf("%s: state is not a JSON object: %w", where, err)
	}
	if mismatch := subsetMismatch(a.Expect, row); mismatch != "" {
		return &AssertionError{Type: AssertFinalState, Expected: fmt.Sprintf("%s = %v", where, a.Expect), Actual: mismatch}
	}
	return nil
}

// subsetMismatch describes the first key of expected that actual lacks or
// holds a different value for, or returns "". Values compare by their JSON
// encoding so YAML ints, int64 counters and decoded float64s agree.
func subsetMismatch(expected, actual map[string]any) string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		got, ok := actual[k]
		if !ok {
			return fmt.Sprintf("missing %q", k)
		}
		if !sameJSON(expected[k], got) {
			return fmt.Sprintf("%q: expected %v, got %v", k, expected[k], got)
		}
	}
	return ""
}

func sameJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}
