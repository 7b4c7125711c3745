package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/registry"
)

func (a *API) handleRegistryIndex(w http.ResponseWriter, r *http.Request) {
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{
			"self":           halLink{Href: "/registry"},
			"register-event": halLink{Href: "/registry/register-event"},
			"events":         halLink{Href: "/registry/events"},
			"entities":       halLink{Href: "/registry/entities"},
		},
	})
}

// handleRegisterEventForm describes the registration payload.
func (a *API) handleRegisterEventForm(w http.ResponseWriter, r *http.Request) {
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{"self": halLink{Href: "/registry/register-event"}},
		"fields": map[string]string{
			"event":    "name of the event type to register",
			"entities": "entity names events of this type carry keys for",
		},
	})
}

type registerEventBody struct {
	Event    string   `json:"event" validate:"required"`
	Entities []string `json:"entities" validate:"omitempty,dive,required"`
}

func (a *API) handleRegisterEvent(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var body registerEventBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.validate.Struct(body); err != nil {
		a.writeError(w, r, problem.Unprocessable("registry", "invalid registration: %v", err))
		return
	}

	if err := a.Registry.RegisterEventType(r.Context(), *led, body.Event, body.Entities); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/registry/events/"+body.Event)
	a.writeJSON(w, http.StatusCreated, registry.Entry{Event: body.Event, Entities: body.Entities})
}

func (a *API) handleRegistryEvents(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entries, err := a.Registry.AllEvents(r.Context(), *led)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{"self": halLink{Href: "/registry/events"}},
		"events": entries,
	})
}

func (a *API) handleRegistryEvent(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "event")
	entry, err := a.Registry.GetEvent(r.Context(), *led, name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if entry == nil {
		a.writeError(w, r, problem.NotFound("registry", "event %q is not registered", name))
		return
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links":   halLinks{"self": halLink{Href: "/registry/events/" + name}},
		"event":    entry.Event,
		"entities": entry.Entities,
	})
}

func (a *API) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.Registry.DeleteEvent(r.Context(), *led, chi.URLParam(r, "event")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRegistryEntities(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	entities, err := a.Registry.Entities(r.Context(), *led)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links":   halLinks{"self": halLink{Href: "/registry/entities"}},
		"entities": entities,
	})
}

func (a *API) handleRegistryEntity(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	name := chi.URLParam(r, "entity")
	entries, err := a.Registry.EventsForEntity(r.Context(), *led, name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(entries) == 0 {
		a.writeError(w, r, problem.NotFound("registry", "no registered event names entity %q", name))
		return
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{"self": halLink{Href: "/registry/entities/" + name}},
		"entity": name,
		"events": entries,
	})
}
