package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLPlainSelector(t *testing.T) {
	sql, err := SQL(Selector{})
	require.NoError(t, err)
	assert.Equal(t, "true", sql)

	sql, err = SQL(Selector{Limit: 50})
	require.NoError(t, err)
	assert.Equal(t, "true", sql)
}

func TestSQLEntities(t *testing.T) {
	sql, err := SQL(Selector{Entities: map[string][]string{"order": {"o-1", "o-2"}}})
	require.NoError(t, err)
	assert.Equal(t, `(entities @? '$."order" ? (@=="o-1" || @=="o-2")')`, sql)
}

func TestSQLEntitiesJoinedWithOrInSortedOrder(t *testing.T) {
	sql, err := SQL(Selector{Entities: map[string][]string{
		"zeta":  {"z"},
		"alpha": {"a"},
	}})
	require.NoError(t, err)
	assert.Equal(t, `(entities @? '$."alpha" ? (@=="a")' OR entities @? '$."zeta" ? (@=="z")')`, sql)
}

func TestSQLMeta(t *testing.T) {
	sql, err := SQL(Selector{Meta: &Filter{Query: `$.actor ? (@ == "svc")`}})
	require.NoError(t, err)
	assert.Equal(t, `(meta @? '$.actor ? (@ == "svc")')`, sql)
}

func TestSQLMetaWithVars(t *testing.T) {
	sql, err := SQL(Selector{Meta: &Filter{
		Query: `$.n ? (@ > $min)`,
		Vars:  map[string]any{"min": 4},
	}})
	require.NoError(t, err)
	assert.Equal(t, `(jsonb_path_exists(meta, '$.n ? (@ > $min)', '{"min":4}'))`, sql)
}

func TestSQLEventsWithDataPredicate(t *testing.T) {
	sql, err := SQL(Selector{Events: map[string]Filter{
		"order-placed": {Query: `$.total ? (@ > 40)`},
	}})
	require.NoError(t, err)
	assert.Equal(t, `((event = 'order-placed' AND data @? '$.total ? (@ > 40)'))`, sql)
}

func TestSQLDollarQueriesCollapse(t *testing.T) {
	sql, err := SQL(Selector{Events: map[string]Filter{"order-placed": {Query: "$"}}})
	require.NoError(t, err)
	assert.Equal(t, `(event = 'order-placed')`, sql)

	sql, err = SQL(Selector{Events: map[string]Filter{
		"b-event": {Query: "$"},
		"a-event": {Query: "$"},
	}})
	require.NoError(t, err)
	assert.Equal(t, `(event = ANY('{"a-event","b-event"}'))`, sql)
}

func TestSQLMixedDollarAndPredicateEvents(t *testing.T) {
	sql, err := SQL(Selector{Events: map[string]Filter{
		"plain-one":    {Query: "$"},
		"order-placed": {Query: `$.total ? (@ > 40)`},
	}})
	require.NoError(t, err)
	assert.Equal(t,
		`((event = 'order-placed' AND data @? '$.total ? (@ > 40)') OR event = 'plain-one')`,
		sql)
}

func TestSQLClausesJoinWithOr(t *testing.T) {
	sql, err := SQL(Selector{
		Entities: map[string][]string{"order": {"o-1"}},
		Meta:     &Filter{Query: "$.a"},
		Events:   map[string]Filter{"x": {Query: "$"}},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`(entities @? '$."order" ? (@=="o-1")' OR meta @? '$.a' OR event = 'x')`,
		sql)
}

func TestSQLEscapesSingleQuotes(t *testing.T) {
	sql, err := SQL(Selector{Events: map[string]Filter{"o'brien": {Query: "$"}}})
	require.NoError(t, err)
	assert.Equal(t, `(event = 'o''brien')`, sql)

	sql, err = SQL(Selector{Meta: &Filter{Query: `$.a ? (@ == "it''s")`}})
	require.NoError(t, err)
	assert.Equal(t, `(meta @? '$.a ? (@ == "it''''s")')`, sql)
}

func TestSQLDeterministicFingerprint(t *testing.T) {
	s := Selector{Entities: map[string][]string{"a": {"1"}, "b": {"2"}, "c": {"3"}}}
	first, err := PredicateBytes(s)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := PredicateBytes(s)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
