package pg

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/evently-cloud/evently/internal/event"
	"github.com/evently-cloud/evently/internal/eventid"
	"github.com/evently-cloud/evently/internal/metrics"
)

// channelAllEvents is the notification channel the database raises for every
// committed append.
const channelAllEvents = "ALL_EVENTS"

// Handler receives each appended event as it is announced.
type Handler func(ledgerID string, ev event.Persisted)

// Listener holds a single dedicated connection on LISTEN "ALL_EVENTS" and
// demultiplexes every notification to the registered handler. One listener
// serves the whole process; fan-out across subscriptions happens downstream.
type Listener struct {
	store   *Store
	log     zerolog.Logger
	handler Handler
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewListener builds a listener delivering to handler.
func NewListener(store *Store, log zerolog.Logger, handler Handler) *Listener {
	return &Listener{
		store:   store,
		log:     log.With().Str("component", "listener").Logger(),
		handler: handler,
	}
}

// Start begins listening in a background goroutine. The loop reconnects
// with backoff on connection loss and stops when Close is called.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.done = make(chan struct{})
	go func() {
		defer close(l.done)
		l.run(ctx)
	}()
}

// Close stops the listener and waits for the loop to exit. Registered as a
// shutdown hook after the HTTP server's; hooks run LIFO, so fan-out halts first.
func (l *Listener) Close() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

func (l *Listener) run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Dur("backoff", backoff).Msg("listener lost, reconnecting")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.store.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q`, channelAllEvents)); err != nil {
		return fmt.Errorf("listen %s: %w", channelAllEvents, err)
	}
	l.log.Info().Str("channel", channelAllEvents).Msg("listening for appended events")

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.deliver(ctx, notification.Payload)
	}
}

func (l *Listener) deliver(ctx context.Context, payload string) {
	n, err := ParseNotification(payload)
	if err != nil {
		l.log.Error().Err(err).Msg("dropping unparseable notification")
		return
	}

	// Oversized payloads arrive without meta and/or data; recover them.
	if !n.HasMeta || !n.HasData {
		meta, data, err := l.store.FetchMissingData(ctx, n.LedgerID, n.Timestamp, !n.HasMeta)
		if err != nil {
			l.log.Error().Err(err).Str("ledger", n.LedgerID).Msg("failed to fetch elided notification fields")
			return
		}
		if !n.HasMeta {
			n.Meta = meta
		}
		if !n.HasData {
			n.Data = data
		}
	}

	metrics.NotificationsTotal.Inc()
	id := eventid.ID{Timestamp: n.Timestamp, Checksum: n.Checksum, LedgerID: n.LedgerID}
	ev := event.Persisted{
		EventID:   id.String(),
		Timestamp: event.TimestampString(n.Timestamp),
		Event:     n.Event,
		Entities:  decodeEntities(n.Entities),
		Meta:      n.Meta,
		Data:      n.Data,
	}
	l.handler(n.LedgerID, ev)
}
