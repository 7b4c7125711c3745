package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/problem"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	after := eventid.ID{Timestamp: 1721930000123456, Checksum: 42, LedgerID: "0a1b2c3d"}
	s := Selector{
		After: &after,
		Limit: 150,
		Entities: map[string][]string{
			"order":    {"o-1", "o-2"},
			"customer": {"c-9"},
		},
		Meta:   &Filter{Query: `$.actor ? (@ == "svc")`},
		Events: map[string]Filter{"order-placed": {Query: `$.total ? (@ > 40)`}},
	}

	token, err := Encode(s)
	require.NoError(t, err)

	back, err := Decode(token)
	require.NoError(t, err)

	assert.Equal(t, s.Limit, back.Limit)
	assert.Equal(t, s.Entities, back.Entities)
	assert.Equal(t, s.Meta.Query, back.Meta.Query)
	assert.Equal(t, s.Events["order-placed"].Query, back.Events["order-placed"].Query)
	require.NotNil(t, back.After)
	assert.True(t, after.Equal(*back.After))

	// The token is a fixed point: re-encoding the decoded selector yields
	// the same bytes.
	again, err := Encode(back)
	require.NoError(t, err)
	assert.Equal(t, token, again)
}

func TestEncodeIsStableUnderMapConstructionOrder(t *testing.T) {
	a := Selector{Entities: map[string][]string{}}
	a.Entities["b"] = []string{"2"}
	a.Entities["a"] = []string{"1"}
	a.Entities["c"] = []string{"3"}

	b := Selector{Entities: map[string][]string{}}
	b.Entities["c"] = []string{"3"}
	b.Entities["a"] = []string{"1"}
	b.Entities["b"] = []string{"2"}

	ta, err := Encode(a)
	require.NoError(t, err)
	tb, err := Encode(b)
	require.NoError(t, err)
	assert.Equal(t, ta, tb)
}

func TestEncodeVarsAreSorted(t *testing.T) {
	mk := func(order []string) Selector {
		vars := map[string]any{}
		for i, k := range order {
			vars[k] = int64(i)
		}
		// Same values regardless of insertion order.
		vars["x"], vars["y"], vars["z"] = int64(1), int64(2), int64(3)
		return Selector{Meta: &Filter{Query: `$.n ? (@ > $x)`, Vars: vars}}
	}

	ta, err := Encode(mk([]string{"x", "y", "z"}))
	require.NoError(t, err)
	tb, err := Encode(mk([]string{"z", "y", "x"}))
	require.NoError(t, err)
	assert.Equal(t, ta, tb)
}

func TestPlainSelectorOmitsEmptyClauses(t *testing.T) {
	token, err := Encode(Selector{})
	require.NoError(t, err)

	back, err := Decode(token)
	require.NoError(t, err)
	assert.False(t, back.IsFilter())
	assert.Nil(t, back.After)
	assert.Zero(t, back.Limit)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{"%%%", "not-a-token", "AAAA"} {
		_, err := Decode(token)
		require.Error(t, err, "token %q", token)
		pe, ok := problem.As(err)
		require.True(t, ok)
		assert.Equal(t, problem.KindBadInput, pe.Kind)
		assert.Contains(t, pe.Message, "invalid URI part")
	}
}

func TestValidateRejectsStrictMode(t *testing.T) {
	s := Selector{Meta: &Filter{Query: `strict $.a`}}
	assert.Error(t, s.Validate())

	s = Selector{Events: map[string]Filter{"x": {Query: ` strict $.b`}}}
	assert.Error(t, s.Validate())
}

func TestValidateRejectsEmptyEntityKeys(t *testing.T) {
	s := Selector{Entities: map[string][]string{"order": {}}}
	assert.Error(t, s.Validate())
}

func TestWithoutLimitDoesNotMutateReceiver(t *testing.T) {
	s := Selector{Limit: 10, Entities: map[string][]string{"e": {"1"}}}
	stripped := s.WithoutLimit()
	assert.Zero(t, stripped.Limit)
	assert.Equal(t, uint32(10), s.Limit)

	stripped.Entities["e"][0] = "mutated"
	assert.Equal(t, "1", s.Entities["e"][0])
}
