package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
)

// filterBody is the JSON form of a meta or per-event filter.
type filterBody struct {
	Query string         `json:"query"`
	Vars  map[string]any `json:"vars,omitempty"`
}

// selectorBody is the JSON form of a selector, accepted on lookup, append
// and subscribe requests.
type selectorBody struct {
	After    string                `json:"after,omitempty"`
	Limit    *int64                `json:"limit,omitempty"`
	Entities map[string][]string   `json:"entities,omitempty"`
	Meta     *filterBody           `json:"meta,omitempty"`
	Events   map[string]filterBody `json:"events,omitempty"`
}

// toSelector validates and converts the body form.
func (b selectorBody) toSelector() (selector.Selector, error) {
	var sel selector.Selector

	if b.After != "" {
		id, err := eventid.Parse(b.After)
		if err != nil {
			return selector.Selector{}, problem.BadInput("selector", "invalid 'after' event id: %v", err)
		}
		sel.After = &id
	}
	if b.Limit != nil {
		if *b.Limit <= 0 {
			return selector.Selector{}, problem.BadInput("selector", "limit must be greater than zero")
		}
		sel.Limit = uint32(*b.Limit)
	}
	sel.Entities = b.Entities
	if b.Meta != nil {
		sel.Meta = &selector.Filter{Query: b.Meta.Query, Vars: b.Meta.Vars}
	}
	if len(b.Events) > 0 {
		sel.Events = make(map[string]selector.Filter, len(b.Events))
		for name, f := range b.Events {
			sel.Events[name] = selector.Filter{Query: f.Query, Vars: f.Vars}
		}
	}

	if err := sel.Validate(); err != nil {
		return selector.Selector{}, err
	}
	return sel, nil
}

// selectorToBody renders a selector back to its JSON form.
func selectorToBody(sel selector.Selector) selectorBody {
	body := selectorBody{Entities: sel.Entities}
	if sel.After != nil {
		body.After = sel.After.String()
	}
	if sel.Limit > 0 {
		limit := int64(sel.Limit)
		body.Limit = &limit
	}
	if sel.Meta != nil {
		body.Meta = &filterBody{Query: sel.Meta.Query, Vars: sel.Meta.Vars}
	}
	if len(sel.Events) > 0 {
		body.Events = make(map[string]filterBody, len(sel.Events))
		for name, f := range sel.Events {
			body.Events[name] = filterBody{Query: f.Query, Vars: f.Vars}
		}
	}
	return body
}

func decodeBody(r *http.Request, into any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		return problem.BadInput("http", "request body is not valid JSON: %v", err)
	}
	return nil
}

// selectorURI is the canonical GET URI for a selector token.
func selectorURI(token string) string {
	return "/selectors/" + token + ".ndjson"
}

func downloadURI(ledgerID, token string) string {
	return "/ledgers/" + ledgerID + "/download/" + token + ".ndjson"
}
