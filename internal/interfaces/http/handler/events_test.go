package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appsettings "github.com/erp/backoffice/internal/application/settings"
	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseEvent struct {
	event string
	id    string
	data  string
}

func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return ev
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func newEventsServer(t *testing.T, opts ...EventsOption) (*appsettings.Store, *EventsHandler, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := appsettings.NewStore()
	h := NewEventsHandler(store, append([]EventsOption{WithHeartbeat(time.Hour)}, opts...)...)
	require.NoError(t, h.Start())
	t.Cleanup(h.Stop)

	engine := gin.New()
	engine.GET("/events", h.Stream)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return store, h, srv
}

func connect(t *testing.T, url string) (*http.Response, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func TestEvents_SnapshotThenChanges(t *testing.T) {
	store, h, srv := newEventsServer(t)

	resp, r := connect(t, srv.URL+"/events")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	first := readEvent(t, r)
	assert.Equal(t, "snapshot", first.event)
	var snap map[string]any
	require.NoError(t, json.Unmarshal([]byte(first.data), &snap))
	assert.Contains(t, snap["tree"], "preferences")
	assert.Equal(t, 1, h.ClientCount())

	version, err := store.Update(context.Background(), settings.ParsePath("preferences.theme"), "dark")
	require.NoError(t, err)

	change := readEvent(t, r)
	assert.Equal(t, "change", change.event)
	var ev struct {
		Version uint64         `json:"version"`
		Paths   []string       `json:"paths"`
		Tree    map[string]any `json:"tree"`
	}
	require.NoError(t, json.Unmarshal([]byte(change.data), &ev))
	assert.Equal(t, version, ev.Version)
	assert.Contains(t, ev.Paths, "preferences.theme")
	assert.Equal(t, "dark", ev.Tree["preferences"].(map[string]any)["theme"])
}

func TestEvents_StopEndsStreams(t *testing.T) {
	_, h, srv := newEventsServer(t)

	_, r := connect(t, srv.URL+"/events")
	assert.Equal(t, "snapshot", readEvent(t, r).event)

	h.Stop()
	_, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestEvents_MaxClients(t *testing.T) {
	_, h, srv := newEventsServer(t, WithMaxClients(1))
	h.clients.Store("busy", &SSEClient{ID: "busy", Chan: make(chan SSEMessage, 1), Done: make(chan struct{})})

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestEvents_StartTwice(t *testing.T) {
	_, h, _ := newEventsServer(t)
	assert.Error(t, h.Start())
}

func TestEvents_SlowClientDropsMessages(t *testing.T) {
	h := NewEventsHandler(appsettings.NewStore())
	client := &SSEClient{ID: "slow", Chan: make(chan SSEMessage, 1), Done: make(chan struct{})}
	h.clients.Store(client.ID, client)

	h.broadcast(SSEMessage{Event: "change", Data: "1"})
	h.broadcast(SSEMessage{Event: "change", Data: "2"})

	assert.Len(t, client.Chan, 1)
	assert.Equal(t, "1", (<-client.Chan).Data)
}
