package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/evently-cloud/evently/internal/problem"
)

// hal is a HAL-JSON document: resource state plus a "_links" map.
type hal map[string]any

type halLink struct {
	Href string `json:"href"`
}

type halLinks map[string]halLink

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (a *API) writeHAL(w http.ResponseWriter, status int, body hal) {
	w.Header().Set("Content-Type", "application/hal+json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy to a response. Internal errors expose
// only their correlation ref; the cause is logged where the error was made.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	pe, ok := problem.As(err)
	if !ok {
		pe = problem.Internal("http", err)
		a.Log.Error().Err(err).Str("ref", pe.Ref).Str("path", r.URL.Path).Msg("unclassified error")
	}

	if pe.Kind == problem.KindUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="evently"`)
	}

	body := map[string]string{"message": pe.Message}
	if pe.Kind == problem.KindInternal {
		body["message"] = "internal error " + pe.Ref
	}
	a.writeJSON(w, pe.Status(), body)
}
