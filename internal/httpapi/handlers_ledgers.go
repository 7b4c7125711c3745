package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/ledger"
	"github.com/evently-cloud/evently/internal/problem"
)

type createLedgerBody struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
}

// handleListLedgers returns the ledger the caller's claims scope to. The
// database exposes no ledger enumeration; tokens are ledger-scoped.
func (a *API) handleListLedgers(w http.ResponseWriter, r *http.Request) {
	var embedded []hal
	if claims := claimsFrom(r); claims.Ledger != "" {
		led, err := a.Ledgers.ForLedgerID(r.Context(), claims.Ledger)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		if led != nil {
			embedded = append(embedded, a.ledgerResource(*led, 0))
		}
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{
			"self":          halLink{Href: "/ledgers"},
			"create-ledger": halLink{Href: "/ledgers/create-ledger"},
		},
		"_embedded": map[string]any{"ledgers": embedded},
	})
}

func (a *API) handleCreateLedger(w http.ResponseWriter, r *http.Request) {
	var body createLedgerBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.validate.Struct(body); err != nil {
		a.writeError(w, r, problem.BadInput("ledgers", "invalid ledger input: %v", err))
		return
	}

	id, err := a.Ledgers.Create(r.Context(), body.Name, body.Description)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/ledgers/"+id)
	a.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *API) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	led, err := a.pathLedger(r, chi.URLParam(r, "ledger"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	count, err := a.Ledgers.EventCount(r.Context(), led.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeHAL(w, http.StatusOK, a.ledgerResource(*led, count))
}

func (a *API) handleRemoveLedger(w http.ResponseWriter, r *http.Request) {
	led, err := a.pathLedger(r, chi.URLParam(r, "ledger"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Ledgers.Remove(r.Context(), *led); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resetLedgerBody struct {
	After string `json:"after,omitempty"`
}

func (a *API) handleResetLedger(w http.ResponseWriter, r *http.Request) {
	led, err := a.pathLedger(r, chi.URLParam(r, "ledger"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var body resetLedgerBody
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			a.writeError(w, r, err)
			return
		}
	}
	var after *eventid.ID
	if body.After != "" {
		id, err := eventid.Parse(body.After)
		if err != nil {
			a.writeError(w, r, problem.BadInput("ledgers", "invalid 'after' event id: %v", err))
			return
		}
		after = &id
	}

	if err := a.Ledgers.Reset(r.Context(), *led, after); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) ledgerResource(led ledger.Ledger, count int64) hal {
	resource := hal{
		"_links": halLinks{
			"self":     halLink{Href: "/ledgers/" + led.ID},
			"reset":    halLink{Href: "/ledgers/" + led.ID + "/reset"},
			"download": halLink{Href: "/ledgers/" + led.ID + "/download"},
		},
		"id":          led.ID,
		"name":        led.Name,
		"description": led.Description,
		"genesis":     led.Genesis.String(),
	}
	if count > 0 {
		resource["events"] = count
	}
	return resource
}
