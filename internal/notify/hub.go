package notify

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.jetify.com/typeid"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/metrics"
	"github.com/evently-cloud/evently/internal/problem"
	"github.com/evently-cloud/evently/internal/selector"
)

// sseEventName is the SSE event field on every fan-out message.
const sseEventName = "Subscriptions Triggered"

// sseRetryMillis is the reconnect interval advertised to SSE clients.
const sseRetryMillis = 10000

// Subscription is a selector registered to a channel, keyed by its
// canonical token so re-subscribing the same selector is idempotent.
type Subscription struct {
	ID       string
	Token    string
	Selector selector.Selector
	matcher  Matcher
}

// Channel is a client-scoped container of subscriptions with any number of
// SSE streams attached. All access goes through the hub under the channel
// mutex: subscribe, unsubscribe and push interleave freely.
type Channel struct {
	ID       string
	LedgerID string

	mu      sync.Mutex
	filters map[string]*Subscription // canonical token → subscription
	streams map[*Stream]struct{}
}

// Hub owns every open channel. Channels are process-local and in-memory;
// subscriptions do not survive a restart.
type Hub struct {
	log zerolog.Logger

	mu       sync.RWMutex
	channels map[hubKey]*Channel
}

type hubKey struct {
	ledgerID  string
	channelID string
}

// NewHub builds an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:      log.With().Str("component", "notify").Logger(),
		channels: make(map[hubKey]*Channel),
	}
}

// Open creates a channel for the ledger and returns it.
func (h *Hub) Open(ledgerID string) (*Channel, error) {
	id, err := typeid.WithPrefix("channel")
	if err != nil {
		return nil, problem.Internal("notify.open", err)
	}
	ch := &Channel{
		ID:       id.String(),
		LedgerID: ledgerID,
		filters:  make(map[string]*Subscription),
		streams:  make(map[*Stream]struct{}),
	}
	h.mu.Lock()
	h.channels[hubKey{ledgerID, ch.ID}] = ch
	h.mu.Unlock()
	metrics.OpenChannels.Inc()
	return ch, nil
}

// Get returns the channel, or nil when unknown.
func (h *Hub) Get(ledgerID, channelID string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[hubKey{ledgerID, channelID}]
}

// Channels lists the ledger's open channels.
func (h *Hub) Channels(ledgerID string) []*Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Channel
	for key, ch := range h.channels {
		if key.ledgerID == ledgerID {
			out = append(out, ch)
		}
	}
	return out
}

// Close terminates the channel's streams and removes it. Reports whether
// the channel existed.
func (h *Hub) Close(ledgerID, channelID string) bool {
	key := hubKey{ledgerID, channelID}
	h.mu.Lock()
	ch, ok := h.channels[key]
	delete(h.channels, key)
	h.mu.Unlock()
	if !ok {
		return false
	}

	ch.mu.Lock()
	streams := make([]*Stream, 0, len(ch.streams))
	for stream := range ch.streams {
		streams = append(streams, stream)
	}
	ch.streams = make(map[*Stream]struct{})
	ch.mu.Unlock()

	for _, stream := range streams {
		stream.Close()
	}
	metrics.OpenChannels.Dec()
	return true
}

// Subscribe registers a selector on the channel, stripping any limit. An
// identical selector returns the existing subscription.
func (h *Hub) Subscribe(ch *Channel, sel selector.Selector) (*Subscription, error) {
	stored := sel.WithoutLimit()
	token, err := selector.Encode(stored)
	if err != nil {
		return nil, err
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if existing, ok := ch.filters[token]; ok {
		return existing, nil
	}

	matcher, err := CompileMatcher(stored)
	if err != nil {
		return nil, err
	}
	id, err := typeid.WithPrefix("sub")
	if err != nil {
		return nil, problem.Internal("notify.subscribe", err)
	}
	sub := &Subscription{
		ID:       id.String(),
		Token:    token,
		Selector: stored,
		matcher:  matcher,
	}
	ch.filters[token] = sub
	return sub, nil
}

// Unsubscribe removes a subscription by id. Reports whether it existed.
func (h *Hub) Unsubscribe(ch *Channel, subscriptionID string) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for token, sub := range ch.filters {
		if sub.ID == subscriptionID {
			delete(ch.filters, token)
			return true
		}
	}
	return false
}

// Subscriptions lists the channel's subscriptions.
func (h *Hub) Subscriptions(ch *Channel) []*Subscription {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*Subscription, 0, len(ch.filters))
	for _, sub := range ch.filters {
		out = append(out, sub)
	}
	return out
}

// Subscription returns one subscription by id, or nil.
func (h *Hub) Subscription(ch *Channel, subscriptionID string) *Subscription {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, sub := range ch.filters {
		if sub.ID == subscriptionID {
			return sub
		}
	}
	return nil
}

// OpenEventStream attaches an SSE stream to the channel. Catch-up replay is
// not supported: any Last-Event-Id is refused.
func (h *Hub) OpenEventStream(ch *Channel, lastEventID string) (*Stream, error) {
	if lastEventID != "" {
		return nil, problem.BadInput("notify.stream",
			"Last-Event-Id is not supported; re-fetch through the selectors API")
	}

	var stream *Stream
	stream = newStream(func() {
		ch.mu.Lock()
		delete(ch.streams, stream)
		ch.mu.Unlock()
		metrics.OpenStreams.Dec()
	})
	ch.mu.Lock()
	ch.streams[stream] = struct{}{}
	ch.mu.Unlock()
	metrics.OpenStreams.Inc()
	return stream, nil
}

// Dispatch delivers one appended event to every open stream whose channel
// belongs to the event's ledger. The matched subscription ids of a channel
// become one SSE message; a channel with no match emits nothing.
func (h *Hub) Dispatch(ledgerID string, ev event.Persisted) {
	h.mu.RLock()
	var channels []*Channel
	for key, ch := range h.channels {
		if key.ledgerID == ledgerID {
			channels = append(channels, ch)
		}
	}
	h.mu.RUnlock()

	for _, ch := range channels {
		ch.mu.Lock()
		var matched []string
		for _, sub := range ch.filters {
			if sub.matcher(ev) {
				matched = append(matched, sub.ID)
			}
		}
		streams := make([]*Stream, 0, len(ch.streams))
		for stream := range ch.streams {
			streams = append(streams, stream)
		}
		ch.mu.Unlock()

		if len(matched) == 0 {
			continue
		}
		sort.Strings(matched)
		msg := Message{
			ID:    ev.EventID,
			Event: sseEventName,
			Data:  strings.Join(matched, ","),
			Retry: sseRetryMillis,
		}
		for _, stream := range streams {
			if stream.push(msg) {
				metrics.SSEMessagesTotal.Inc()
			} else {
				h.log.Warn().Str("channel", ch.ID).Msg("dropped SSE message for slow or closed stream")
			}
		}
	}
}
