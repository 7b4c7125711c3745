package notify

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/selector"
)

func orderEvent() event.Persisted {
	return event.Persisted{
		EventID:  "0000000000000001000000010a1b2c3d",
		Event:    "order-placed",
		Entities: map[string][]string{"order": {"o-1"}, "customer": {"c-9"}},
		Meta:     json.RawMessage(`{"actor":"svc"}`),
		Data:     json.RawMessage(`{"total":42}`),
	}
}

func compile(t *testing.T, sel selector.Selector) Matcher {
	t.Helper()
	m, err := CompileMatcher(sel)
	require.NoError(t, err)
	return m
}

func TestPlainSelectorMatchesEverything(t *testing.T) {
	m := compile(t, selector.Selector{})
	assert.True(t, m(orderEvent()))
	assert.True(t, m(event.Persisted{Event: "anything"}))
}

func TestEntitiesMatchAnyPair(t *testing.T) {
	m := compile(t, selector.Selector{Entities: map[string][]string{"order": {"o-1", "o-2"}}})
	assert.True(t, m(orderEvent()))

	m = compile(t, selector.Selector{Entities: map[string][]string{"order": {"o-7"}}})
	assert.False(t, m(orderEvent()))

	m = compile(t, selector.Selector{Entities: map[string][]string{"invoice": {"o-1"}}})
	assert.False(t, m(orderEvent()))
}

func TestMetaMatcher(t *testing.T) {
	m := compile(t, selector.Selector{Meta: &selector.Filter{Query: `$.actor ? (@ == "svc")`}})
	assert.True(t, m(orderEvent()))

	m = compile(t, selector.Selector{Meta: &selector.Filter{Query: `$.actor ? (@ == "someone")`}})
	assert.False(t, m(orderEvent()))
}

func TestEventDataMatcher(t *testing.T) {
	m := compile(t, selector.Selector{Events: map[string]selector.Filter{
		"order-placed": {Query: `$.total ? (@ > 40)`},
	}})
	assert.True(t, m(orderEvent()))

	m = compile(t, selector.Selector{Events: map[string]selector.Filter{
		"order-placed": {Query: `$.total ? (@ > 100)`},
	}})
	assert.False(t, m(orderEvent()))

	m = compile(t, selector.Selector{Events: map[string]selector.Filter{
		"order-cancelled": {Query: "$"},
	}})
	assert.False(t, m(orderEvent()))
}

func TestDollarQuerySkipsEngine(t *testing.T) {
	m := compile(t, selector.Selector{Events: map[string]selector.Filter{
		"order-placed": {Query: "$"},
	}})
	ev := orderEvent()
	ev.Data = json.RawMessage(`this is not json`)
	assert.True(t, m(ev))
}

func TestClausesDisjoin(t *testing.T) {
	// Entities clause misses, events clause hits.
	m := compile(t, selector.Selector{
		Entities: map[string][]string{"order": {"o-999"}},
		Events:   map[string]selector.Filter{"order-placed": {Query: "$"}},
	})
	assert.True(t, m(orderEvent()))
}

func TestMatcherWithVars(t *testing.T) {
	m := compile(t, selector.Selector{Events: map[string]selector.Filter{
		"order-placed": {Query: `$.total ? (@ > $min)`, Vars: map[string]any{"min": 40}},
	}})
	assert.True(t, m(orderEvent()))
}

func TestCompileRejectsBadQuery(t *testing.T) {
	_, err := CompileMatcher(selector.Selector{Meta: &selector.Filter{Query: `$.a ? (`}})
	assert.Error(t, err)
}
