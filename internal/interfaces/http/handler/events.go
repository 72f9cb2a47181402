package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/erp/backoffice/internal/domain/settings"
	"github.com/erp/backoffice/internal/infrastructure/event"
	"github.com/erp/backoffice/internal/interfaces/http/dto"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const sseMessageBufferSize = 100

// ChangeSource publishes committed settings changes.
type ChangeSource interface {
	Snapshot() settings.Snapshot
	Subscribe(prefix settings.Path, handler event.Handler) event.Unsubscribe
}

// SSEClient is one connected event stream.
type SSEClient struct {
	ID   string
	Chan chan SSEMessage
	Done chan struct{}
	once sync.Once
}

func (c *SSEClient) close() {
	c.once.Do(func() { close(c.Done) })
}

// SSEMessage is one server-sent event.
type SSEMessage struct {
	Event string
	Data  string
	ID    string
}

// EventsHandler streams settings changes to browsers over server-sent events.
type EventsHandler struct {
	BaseHandler
	source      ChangeSource
	logger      *zap.Logger
	clients     sync.Map // map[string]*SSEClient
	ctx         context.Context
	cancel      context.CancelFunc
	heartbeat   time.Duration
	maxClients  int
	unsubscribe event.Unsubscribe
	startMu     sync.Mutex
	started     bool
}

// EventsOption configures an EventsHandler.
type EventsOption func(*EventsHandler)

// WithEventsLogger sets the logger.
func WithEventsLogger(logger *zap.Logger) EventsOption {
	return func(h *EventsHandler) {
		h.logger = logger
	}
}

// WithHeartbeat sets the heartbeat interval.
func WithHeartbeat(interval time.Duration) EventsOption {
	return func(h *EventsHandler) {
		h.heartbeat = interval
	}
}

// WithMaxClients caps the number of concurrent streams.
func WithMaxClients(max int) EventsOption {
	return func(h *EventsHandler) {
		h.maxClients = max
	}
}

// NewEventsHandler creates an EventsHandler. Start must be called before
// clients receive changes.
func NewEventsHandler(source ChangeSource, opts ...EventsOption) *EventsHandler {
	ctx, cancel := context.WithCancel(context.Background())
	h := &EventsHandler{
		source:     source,
		logger:     zap.NewNop(),
		ctx:        ctx,
		cancel:     cancel,
		heartbeat:  30 * time.Second,
		maxClients: 1000,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("settings_events")
	return h
}

// Start subscribes to the store and begins the heartbeat.
func (h *EventsHandler) Start() error {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return errors.New("events handler already started")
	}
	h.unsubscribe = h.source.Subscribe(settings.Path{}, h.onChange)
	go h.sendHeartbeats()
	h.started = true
	h.logger.Info("settings event stream started")
	return nil
}

// Stop disconnects every client.
func (h *EventsHandler) Stop() {
	h.startMu.Lock()
	if h.unsubscribe != nil {
		h.unsubscribe()
		h.unsubscribe = nil
	}
	h.startMu.Unlock()
	h.cancel()

	h.clients.Range(func(_, value any) bool {
		if client, ok := value.(*SSEClient); ok {
			client.close()
		}
		return true
	})
	h.logger.Info("settings event stream stopped")
}

func (h *EventsHandler) onChange(_ context.Context, change settings.Change) error {
	data, err := json.Marshal(dto.NewChangeEvent(change))
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	h.broadcast(SSEMessage{
		Event: "change",
		Data:  string(data),
		ID:    strconv.FormatUint(change.Current.Version, 10),
	})
	return nil
}

// broadcast never blocks the committing writer; slow clients lose messages.
func (h *EventsHandler) broadcast(msg SSEMessage) {
	h.clients.Range(func(_, value any) bool {
		client, ok := value.(*SSEClient)
		if !ok {
			return true
		}
		select {
		case client.Chan <- msg:
		default:
			h.logger.Warn("client channel full, dropping message",
				zap.String("client_id", client.ID),
				zap.String("event", msg.Event),
			)
		}
		return true
	})
}

func (h *EventsHandler) sendHeartbeats() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(SSEMessage{
				Event: "heartbeat",
				Data:  fmt.Sprintf(`{"timestamp":%d}`, time.Now().Unix()),
			})
		}
	}
}

// Stream sends the current snapshot, then one "change" event per committed
// version.
//
//	GET /settings/events
func (h *EventsHandler) Stream(c *gin.Context) {
	if h.maxClients > 0 && h.ClientCount() >= h.maxClients {
		h.Error(c, http.StatusServiceUnavailable, dto.ErrCodeUnavailable, "Maximum number of event streams reached")
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	client := &SSEClient{
		ID:   uuid.NewString(),
		Chan: make(chan SSEMessage, sseMessageBufferSize),
		Done: make(chan struct{}),
	}
	h.clients.Store(client.ID, client)
	defer h.clients.Delete(client.ID)

	h.logger.Debug("event client connected", zap.String("client_id", client.ID))

	// subscribed before the snapshot is taken, so no version is lost
	snap := h.source.Snapshot()
	data, err := json.Marshal(dto.ChangeEvent{
		Version:     snap.Version,
		CommittedAt: snap.CommittedAt.UTC(),
		Paths:       []string{},
		Tree:        snap.Tree,
	})
	if err != nil {
		h.logger.Error("failed to marshal snapshot event", zap.Error(err))
		return
	}
	h.sendEvent(c.Writer, SSEMessage{Event: "snapshot", Data: string(data), ID: strconv.FormatUint(snap.Version, 10)})
	c.Writer.Flush()

	reqCtx := c.Request.Context()
	for {
		select {
		case <-reqCtx.Done():
			h.logger.Debug("event client disconnected", zap.String("client_id", client.ID))
			return
		case <-client.Done:
			return
		case <-h.ctx.Done():
			return
		case msg := <-client.Chan:
			// changes queued before the snapshot are already in it
			if msg.Event == "change" {
				if v, err := strconv.ParseUint(msg.ID, 10, 64); err == nil && v <= snap.Version {
					continue
				}
			}
			h.sendEvent(c.Writer, msg)
			c.Writer.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w io.Writer, msg SSEMessage) {
	if msg.Event != "" {
		fmt.Fprintf(w, "event: %s\n", msg.Event)
	}
	if msg.ID != "" {
		fmt.Fprintf(w, "id: %s\n", msg.ID)
	}
	fmt.Fprintf(w, "data: %s\n\n", msg.Data)
}

// ClientCount returns the number of connected streams.
func (h *EventsHandler) ClientCount() int {
	count := 0
	h.clients.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
