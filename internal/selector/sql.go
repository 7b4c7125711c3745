package selector

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SQL renders the selector as the database predicate fragment. The bytes are
// load-bearing twice over: the database interpolates them into the selection
// WHERE clause, and compares them byte-for-byte for append-time race
// detection. Generation must stay deterministic; every map is walked in
// sorted key order.
//
// A plain selector renders the literal "true".
func SQL(s Selector) (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if !s.IsFilter() {
		return "true", nil
	}

	var clauses []string
	if len(s.Entities) > 0 {
		clauses = append(clauses, entitiesClause(s.Entities))
	}
	if s.Meta != nil {
		clause, err := filterClause("meta", *s.Meta)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(s.Events) > 0 {
		clause, err := eventsClause(s.Events)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}

	return "(" + strings.Join(clauses, " OR ") + ")", nil
}

// PredicateBytes is SQL as the byte fingerprint handed to the database.
func PredicateBytes(s Selector) ([]byte, error) {
	sql, err := SQL(s)
	if err != nil {
		return nil, err
	}
	return []byte(sql), nil
}

// entitiesClause matches any (name, key) intersection via the GIN
// path-exists index: entities @? '$."NAME" ? (@=="k1" || @=="k2")'.
func entitiesClause(entities map[string][]string) string {
	parts := make([]string, 0, len(entities))
	for _, name := range sortedKeys(entities) {
		keys := entities[name]
		checks := make([]string, len(keys))
		for i, key := range keys {
			checks[i] = "@==" + pathString(key)
		}
		path := fmt.Sprintf(`$.%s ? (%s)`, pathMember(name), strings.Join(checks, " || "))
		parts = append(parts, "entities @? "+sqlLiteral(path))
	}
	return strings.Join(parts, " OR ")
}

// filterClause renders a JSONPath filter against a jsonb column.
func filterClause(column string, f Filter) (string, error) {
	if len(f.Vars) == 0 {
		return column + " @? " + sqlLiteral(f.Query), nil
	}
	vars, err := json.Marshal(f.Vars)
	if err != nil {
		return "", errBadSelector("vars are not JSON: %v", err)
	}
	return fmt.Sprintf("jsonb_path_exists(%s, %s, %s)",
		column, sqlLiteral(f.Query), sqlLiteral(string(vars))), nil
}

// eventsClause renders the per-event-type data predicates. Event types whose
// query is exactly "$" need no data check and collapse into a single
// event = 'NAME' or event = ANY('{...}') comparison.
func eventsClause(events map[string]Filter) (string, error) {
	var bare []string
	var parts []string
	for _, name := range sortedKeys(events) {
		f := events[name]
		if strings.TrimSpace(f.Query) == "$" {
			bare = append(bare, name)
			continue
		}
		dataClause, err := filterClause("data", f)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("(event = %s AND %s)", sqlLiteral(name), dataClause))
	}

	switch len(bare) {
	case 0:
	case 1:
		parts = append(parts, "event = "+sqlLiteral(bare[0]))
	default:
		elems := make([]string, len(bare))
		for i, name := range bare {
			elems[i] = `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
		}
		parts = append(parts, fmt.Sprintf("event = ANY(%s)", sqlLiteral("{"+strings.Join(elems, ",")+"}")))
	}

	return strings.Join(parts, " OR "), nil
}

// sqlLiteral quotes a string for interpolation, doubling single quotes the
// way the database's literal form does.
func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// pathString renders a JSONPath string literal.
func pathString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// pathMember renders a quoted JSONPath member accessor.
func pathMember(name string) string {
	return pathString(name)
}
