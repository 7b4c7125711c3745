package httpapi

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evently-cloud/evently/internal/event"
)

func openChannel(t *testing.T, h *harness) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/notify/open-channel", bearer(h.ledgerID, "client"), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var body struct {
		ChannelID string `json:"channelId"`
	}
	decodeJSON(t, rec, &body)
	require.NotEmpty(t, body.ChannelID)
	return body.ChannelID
}

func TestOpenAndCloseChannel(t *testing.T) {
	h := newHarness(t)
	client := bearer(h.ledgerID, "client")
	chID := openChannel(t, h)

	rec := h.do(t, http.MethodGet, "/notify/"+chID, client, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/notify/"+chID, client, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodDelete, "/notify/"+chID, client, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeIsIdempotentOverHTTP(t *testing.T) {
	h := newHarness(t)
	client := bearer(h.ledgerID, "client")
	chID := openChannel(t, h)

	body := map[string]any{"entities": map[string][]string{"order": {"o-1"}}}
	rec := h.do(t, http.MethodPost, "/notify/"+chID+"/subscribe", client, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var first struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	decodeJSON(t, rec, &first)

	rec = h.do(t, http.MethodPost, "/notify/"+chID+"/subscribe", client, body)
	require.Equal(t, http.StatusCreated, rec.Code)
	var second struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	decodeJSON(t, rec, &second)
	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)

	rec = h.do(t, http.MethodGet, "/notify/"+chID+"/subscriptions/"+first.SubscriptionID, client, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodDelete, "/notify/"+chID+"/subscriptions/"+first.SubscriptionID, client, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, "/notify/"+chID+"/subscriptions/"+first.SubscriptionID, client, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSubscribeRequiresFilterSelector(t *testing.T) {
	h := newHarness(t)
	chID := openChannel(t, h)
	rec := h.do(t, http.MethodPost, "/notify/"+chID+"/subscribe", bearer(h.ledgerID, "client"),
		map[string]any{"limit": 5})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownChannelIs404(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/notify/channel_ghost", bearer(h.ledgerID, "client"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSSERejectsLastEventID(t *testing.T) {
	h := newHarness(t)
	chID := openChannel(t, h)

	req := httptest.NewRequest(http.MethodGet, "/notify/"+chID+"/sse", nil)
	req.Header.Set("Authorization", bearer(h.ledgerID, "client"))
	req.Header.Set("Last-Event-Id", "0000000000000001000000010a1b2c3d")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSSEDeliversMatchedSubscriptions(t *testing.T) {
	h := newHarness(t)
	client := bearer(h.ledgerID, "client")
	chID := openChannel(t, h)

	rec := h.do(t, http.MethodPost, "/notify/"+chID+"/subscribe", client,
		map[string]any{"entities": map[string][]string{"order": {"o-1"}}})
	require.Equal(t, http.StatusCreated, rec.Code)
	var sub struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	decodeJSON(t, rec, &sub)

	server := httptest.NewServer(h.router)
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL+"/notify/"+chID+"/sse", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", client)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The response headers only arrive after the handler attached its
	// stream, so the dispatch below cannot miss it.
	h.hub.Dispatch(h.ledgerID, event.Persisted{
		EventID:  "0000000000000063000000010a1b2c3d",
		Event:    "order-placed",
		Entities: map[string][]string{"order": {"o-1"}},
	})

	reader := bufio.NewReader(resp.Body)
	frame := map[string]string{}
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ": ", 2)
		require.Len(t, parts, 2)
		frame[parts[0]] = parts[1]
	}

	assert.Equal(t, "0000000000000063000000010a1b2c3d", frame["id"])
	assert.Equal(t, "Subscriptions Triggered", frame["event"])
	assert.Equal(t, sub.SubscriptionID, frame["data"])
	assert.Equal(t, "10000", frame["retry"])
}
