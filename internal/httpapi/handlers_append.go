package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/metrics"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
	"github.com/evently-cloud/evently/internal/store"
)

type appendBody struct {
	Event          string              `json:"event"`
	Entities       map[string][]string `json:"entities"`
	Meta           json.RawMessage     `json:"meta,omitempty"`
	Data           json.RawMessage     `json:"data,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
	Selector       *selectorBody       `json:"selector,omitempty"`
}

// handleAppend appends one event. Without an inner selector the append is
// factual; with one it is atomic and conditioned on the selector.
func (a *API) handleAppend(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var body appendBody
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}

	input := event.Append{
		Event:          body.Event,
		Entities:       body.Entities,
		Meta:           body.Meta,
		Data:           body.Data,
		IdempotencyKey: body.IdempotencyKey,
	}
	if err := a.validate.Struct(input); err != nil {
		a.writeError(w, r, problem.Unprocessable("append", "invalid append input: %v", err))
		return
	}

	var result store.Result
	var echo selector.Selector
	if body.Selector == nil {
		// The echo selector for the Location header is just the event's
		// entities set.
		echo = selector.Selector{Entities: input.Entities}
		result, err = a.Store.AppendFactual(r.Context(), *led, input)
	} else {
		sel, selErr := body.Selector.toSelector()
		if selErr != nil {
			a.writeError(w, r, selErr)
			return
		}
		echo = sel
		result, err = a.Store.AppendAtomic(r.Context(), *led, input, sel)
	}
	if err != nil {
		metrics.AppendsTotal.WithLabelValues("error").Inc()
		a.writeError(w, r, err)
		return
	}

	switch result.Status {
	case store.Success:
		metrics.AppendsTotal.WithLabelValues("success").Inc()
		token, err := selector.Encode(echo.WithAfter(result.EventID))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		w.Header().Set("Location", selectorURI(token))
		a.writeJSON(w, http.StatusCreated, map[string]string{
			"eventId":        result.EventID.String(),
			"idempotencyKey": result.IdempotencyKey,
		})

	case store.Race:
		metrics.AppendsTotal.WithLabelValues("race").Inc()
		current, err := a.Source.LatestEventID(r.Context(), *led, echo)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		token, err := selector.Encode(echo.WithAfter(current))
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		a.writeJSON(w, http.StatusConflict, map[string]string{
			"message": result.Message,
			"current": selectorURI(token),
		})

	case store.Failed:
		metrics.AppendsTotal.WithLabelValues("failed").Inc()
		message := strings.NewReplacer(
			"/RESET", "/ledgers/"+led.ID+"/reset",
			"/REGISTER", "/registry/register-event",
		).Replace(result.Message)
		a.writeJSON(w, http.StatusForbidden, map[string]string{"message": message})

	default:
		metrics.AppendsTotal.WithLabelValues("error").Inc()
		a.writeJSON(w, http.StatusBadRequest, map[string]string{"message": result.Message})
	}
}
