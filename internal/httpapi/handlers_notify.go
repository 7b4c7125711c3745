package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/evently-cloud/evently/internal/notify"
	"github.com/evently-cloud/evently/internal/problem"
)

func (a *API) handleNotifyIndex(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	channels := a.Hub.Channels(led.ID)
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{
			"self":         halLink{Href: "/notify"},
			"open-channel": halLink{Href: "/notify/open-channel"},
		},
		"channels": ids,
	})
}

func (a *API) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	ch, err := a.Hub.Open(led.ID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/notify/"+ch.ID)
	a.writeJSON(w, http.StatusCreated, map[string]string{"channelId": ch.ID})
}

// channelFrom resolves the channel in the route path, scoped to the
// caller's ledger.
func (a *API) channelFrom(r *http.Request) (*notify.Channel, error) {
	led, err := a.claimedLedger(r)
	if err != nil {
		return nil, err
	}
	id := chi.URLParam(r, "channel")
	ch := a.Hub.Get(led.ID, id)
	if ch == nil {
		return nil, problem.NotFound("notify", "channel %q not found", id)
	}
	return ch, nil
}

func (a *API) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := a.channelFrom(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	subs := a.Hub.Subscriptions(ch)
	resources := make([]hal, 0, len(subs))
	for _, sub := range subs {
		resources = append(resources, a.subscriptionResource(ch, sub))
	}
	a.writeHAL(w, http.StatusOK, hal{
		"_links": halLinks{
			"self":      halLink{Href: "/notify/" + ch.ID},
			"subscribe": halLink{Href: "/notify/" + ch.ID + "/subscribe"},
			"sse":       halLink{Href: "/notify/" + ch.ID + "/sse"},
		},
		"channelId":     ch.ID,
		"subscriptions": resources,
	})
}

func (a *API) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	led, err := a.claimedLedger(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if !a.Hub.Close(led.ID, chi.URLParam(r, "channel")) {
		a.writeError(w, r, problem.NotFound("notify", "channel %q not found", chi.URLParam(r, "channel")))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	ch, err := a.channelFrom(r)
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
		a.writeError(w, r, problem.BadInput("notify", "a subscription needs a filter selector"))
		return
	}

	sub, err := a.Hub.Subscribe(ch, sel)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/notify/"+ch.ID+"/subscriptions/"+sub.ID)
	a.writeJSON(w, http.StatusCreated, map[string]string{
		"subscriptionId": sub.ID,
		"selector":       sub.Token,
	})
}

func (a *API) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	ch, err := a.channelFrom(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "subscription")
	sub := a.Hub.Subscription(ch, id)
	if sub == nil {
		a.writeError(w, r, problem.NotFound("notify", "subscription %q not found", id))
		return
	}
	a.writeHAL(w, http.StatusOK, a.subscriptionResource(ch, sub))
}

func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ch, err := a.channelFrom(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "subscription")
	if !a.Hub.Unsubscribe(ch, id) {
		a.writeError(w, r, problem.NotFound("notify", "subscription %q not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSSE attaches a Server-Sent Events stream to the channel and relays
// fan-out messages until the client disconnects or the channel closes.
func (a *API) handleSSE(w http.ResponseWriter, r *http.Request) {
	ch, err := a.channelFrom(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.writeError(w, r, problem.Internal("notify", fmt.Errorf("response writer does not support streaming")))
		return
	}

	stream, err := a.Hub.OpenEventStream(ch, r.Header.Get("Last-Event-Id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	defer stream.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case msg := <-stream.Messages():
			fmt.Fprintf(w, "retry: %d\nid: %s\nevent: %s\ndata: %s\n\n",
				msg.Retry, msg.ID, msg.Event, msg.Data)
			flusher.Flush()
		case <-stream.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) subscriptionResource(ch *notify.Channel, sub *notify.Subscription) hal {
	return hal{
		"_links": halLinks{
			"self": halLink{Href: "/notify/" + ch.ID + "/subscriptions/" + sub.ID},
		},
		"subscriptionId": sub.ID,
		"selector":       sub.Token,
	}
}
