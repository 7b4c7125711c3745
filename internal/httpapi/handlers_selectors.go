package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
)

// handleSelectorLookup turns a JSON filter selector into its canonical GET
// URI, either redirecting or, under Prefer: return=representation, serving
// the stream inline.
func (a *API) handleSelectorLookup(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var body selectorBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sel, err := body.toSelector()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !sel.IsFilter() {
		a.writeError(w, r, problem.BadInput("selectors",
			"a selector needs at least one of entities, meta or events; use the ledger download for everything"))
		return
	}

	token, err := selector.Encode(sel)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	uri := selectorURI(token)

	if preferRepresentation(r) {
		w.Header().Set("Content-Location", uri)
		w.Header().Set("Preference-Applied", "return=representation")
		a.streamSelector(w, r, *led, sel, token, selectorURI)
		return
	}
	w.Header().Set("Location", uri)
	w.WriteHeader(http.StatusSeeOther)
}

func (a *API) handleSelectorHead(w http.ResponseWriter, r *http.Request) {
	led, sel, token, err := a.selectorFromPath(r, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if _, _, err := a.selectorHeaders(w, r, *led, sel, token, selectorURI); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleSelectorGet(w http.ResponseWriter, r *http.Request) {
	led, sel, token, err := a.selectorFromPath(r, true)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.streamSelector(w, r, *led, sel, token, selectorURI)
}

func (a *API) handleDownloadHead(w http.ResponseWriter, r *http.Request) {
	led, sel, token, err := a.downloadFromPath(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	uri := func(token string) string { return downloadURI(led.ID, token) }
	if _, _, err := a.selectorHeaders(w, r, *led, sel, token, uri); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleDownloadGet(w http.ResponseWriter, r *http.Request) {
	led, sel, token, err := a.downloadFromPath(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	uri := func(token string) string { return downloadURI(led.ID, token) }
	a.streamSelector(w, r, *led, sel, token, uri)
}

// handleDownloadLookup builds a plain selector over the whole ledger and
// redirects to its download URI.
func (a *API) handleDownloadLookup(w http.ResponseWriter, r *http.Request) {
	led, err := a.pathLedger(r, chi.URLParam(r, "ledger"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var body selectorBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	sel, err := body.toSelector()
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if sel.IsFilter() {
		a.writeError(w, r, problem.BadInput("download",
			"a ledger download takes a plain selector; use /selectors for filters"))
		return
	}

	token, err := selector.Encode(sel)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", downloadURI(led.ID, token))
	w.WriteHeader(http.StatusSeeOther)
}

// selectorFromPath decodes the token path segment. Selector endpoints serve
// filter selectors only.
func (a *API) selectorFromPath(r *http.Request, wantFilter bool) (*ledger.Ledger, selector.Selector, string, error) {
	led, err := a.claimedLedger(r)
	if err != nil {
		return nil, selector.Selector{}, "", err
	}
	token := chi.URLParam(r, "select")
	sel, err := selector.Decode(token)
	if err != nil {
		return nil, selector.Selector{}, "", err
	}
	if wantFilter && !sel.IsFilter() {
		return nil, selector.Selector{}, "", problem.BadInput("selectors",
			"token does not name a filter selector")
	}
	return led, sel, token, nil
}

func (a *API) downloadFromPath(r *http.Request) (*ledger.Ledger, selector.Selector, string, error) {
	led, err := a.pathLedger(r, chi.URLParam(r, "ledger"))
	if err != nil {
		return nil, selector.Selector{}, "", err
	}
	token := chi.URLParam(r, "select")
	sel, err := selector.Decode(token)
	if err != nil {
		return nil, selector.Selector{}, "", err
	}
	if sel.IsFilter() {
		return nil, selector.Selector{}, "", problem.BadInput("download",
			"token does not name a plain selector")
	}
	return led, sel, token, nil
}

// selectorHeaders computes the position ETag and the start/current Link
// relations shared by HEAD and GET.
func (a *API) selectorHeaders(w http.ResponseWriter, r *http.Request, led ledger.Ledger, sel selector.Selector, token string, uri func(string) string) (string, eventid.ID, error) {
	pos, err := a.Source.LatestEventID(r.Context(), led, sel)
	if err != nil {
		return "", eventid.ID{}, err
	}

	currentToken, err := selector.Encode(sel.WithAfter(pos))
	if err != nil {
		return "", eventid.ID{}, err
	}

	etag := `"` + pos.String() + `"`
	h := w.Header()
	h.Set("ETag", etag)
	h.Set("Cache-Control", "private,max-age=0")
	h.Add("Link", fmt.Sprintf(`<%s>; rel="start"`, uri(token)))
	h.Add("Link", fmt.Sprintf(`<%s>; rel="current"`, uri(currentToken)))
	return etag, pos, nil
}

// streamSelector answers GET: 304 when the client's ETag still holds,
// otherwise the NDJSON event stream.
func (a *API) streamSelector(w http.ResponseWriter, r *http.Request, led ledger.Ledger, sel selector.Selector, token string, uri func(string) string) {
	etag, _, err := a.selectorHeaders(w, r, led, sel, token, uri)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if ifNoneMatchHits(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	result, err := a.Source.Select(r.Context(), led, sel)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", ndjsonContentType)
	w.WriteHeader(http.StatusOK)

	out := newNDJSONWriter(w)
	for ev := range result.Events {
		if err := out.Write(ev); err != nil {
			// Client went away; the cancelled context stops the source.
			a.Log.Debug().Err(err).Msg("selector stream aborted")
			return
		}
	}
	if err := out.Flush(); err != nil {
		return
	}
	if err := result.Err(); err != nil {
		// Headers are gone; all that is left is the log.
		a.Log.Error().Err(err).Str("ledger", led.ID).Msg("selector stream failed mid-flight")
	}
}

func preferRepresentation(r *http.Request) bool {
	for _, pref := range strings.Split(r.Header.Get("Prefer"), ",") {
		if strings.TrimSpace(pref) == "return=representation" {
			return true
		}
	}
	return false
}

func ifNoneMatchHits(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == etag || candidate == "*" {
			return true
		}
	}
	return false
}
