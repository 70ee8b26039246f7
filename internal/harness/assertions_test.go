package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddInvocationTrace("laptop.append", map[string]any{"tag": "note-created"})
	r.AddCompletionTrace("laptop.append", CaseOK, map[string]any{"key": "n1", "seq": int64(1)})
	r.AddInvocationTrace("laptop.sync", nil)
	r.AddCompletionTrace("laptop.sync", CaseOK, map[string]any{"pushed": int64(1)})
	r.AddInvocationTrace("phone.sync", nil)
	r.AddCompletionTrace("phone.sync", CaseError, map[string]any{"code": int64(3530)})
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "laptop.append", Args: map[string]any{"tag": "note-created"}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Action: "phone.sync", Result: map[string]any{"code": 3530}}))

	err := assertTraceContains(trace, Assertion{Action: "laptop.sync", Result: map[string]any{"pushed": 2}})
	var ae *AssertionError
	assert.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "phone.sync -> error")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{"laptop.append", "phone.sync"}}))
	assert.ErrorContains(t, assertTraceOrder(trace, Assertion{Actions: []string{"phone.sync", "laptop.sync"}}), "should be before")
	assert.ErrorContains(t, assertTraceOrder(trace, Assertion{Actions: []string{"tablet.sync"}}), "missing action")
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "laptop.sync", Count: 1}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: "tablet.sync", Count: 0}))
	assert.ErrorContains(t, assertTraceCount(trace, Assertion{Action: "laptop.sync", Count: 2}), "1 occurrences")
}

func TestSubsetMismatch(t *testing.T) {
	actual := map[string]any{"title": "first", "count": float64(2), "tags": []any{"a"}}
	assert.Empty(t, subsetMismatch(nil, actual))
	assert.Empty(t, subsetMismatch(map[string]any{"count": 2, "tags": []any{"a"}}, actual))
	assert.Contains(t, subsetMismatch(map[string]any{"title": "second"}, actual), `"title"`)
	assert.Contains(t, subsetMismatch(map[string]any{"body": "x"}, actual), `missing "body"`)
}
