package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"stream-relay/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const serviceName = "stream-relay"

// DefaultReadLimit is the largest inbound WebSocket message accepted. It sits
// above the encoded size of a maximum frame so oversized frames get an error
// reply instead of a transport close.
const DefaultReadLimit = 4 << 20

// HandlerOptions tunes the WebSocket transport.
type HandlerOptions struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	// MaxLifetime closes a connection after this long; zero disables it.
	MaxLifetime time.Duration
	CheckOrigin func(r *http.Request) bool
}

// Handler exposes the relay over HTTP and WebSocket using go-chi.
type Handler struct {
	relay    *Relay
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	opts     HandlerOptions
}

// NewHandler returns a Handler serving r. Metrics may be nil.
func NewHandler(r *Relay, log *slog.Logger, m *metrics.Metrics, opts HandlerOptions) *Handler {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Handler{
		relay:    r,
		log:      log,
		metrics:  m,
		upgrader: websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		opts:     opts,
	}
}

// Mount registers the relay routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/health", h.Health)
	r.Get("/streams", h.ListStreams)
	r.Get("/processors", h.ListProcessors)
	r.Get("/ws/{clientType}/{streamID}", h.ServeWS)
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
}

// ListStreams handles GET /streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"active_streams": h.relay.Streams()})
}

// ListProcessors handles GET /processors.
func (h *Handler) ListProcessors(w http.ResponseWriter, r *http.Request) {
	avail := h.relay.AvailableProcessors()
	names := make([]string, 0, len(avail))
	for _, p := range avail {
		names = append(names, string(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"available_processors": names,
		"default_processor":    string(h.relay.DefaultProcessor()),
	})
}

// ServeWS handles GET /ws/{clientType}/{streamID}. The request is upgraded
// before the client type is checked so that an invalid type can be answered
// with a close frame.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	streamID := StreamID(chi.URLParam(r, "streamID"))
	clientType := chi.URLParam(r, "clientType")
	if streamID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed",
			slog.String("stream_id", string(streamID)),
			slog.String("error", err.Error()))
		return
	}
	conn := newWSConn(uuid.NewString(), ws, h.opts.WriteTimeout)

	role, ok := ParseClientType(clientType)
	if !ok {
		h.log.Warn("invalid client type",
			slog.String("stream_id", string(streamID)),
			slog.String("conn_id", conn.ID()),
			slog.String("client_type", clientType))
		h.metrics.IncErrors()
		_ = conn.Close(CloseInvalidClientType, "Invalid client type")
		return
	}
	ws.SetReadLimit(h.opts.ReadLimit)

	ctx := context.WithoutCancel(r.Context())
	client := Client{Conn: conn, StreamID: streamID, Role: role}
	processor := r.URL.Query().Get("processorType")
	if processor == "" {
		processor = r.URL.Query().Get("processor_type")
	}

	defer conn.Close(websocket.CloseNormalClosure, "")
	if err := h.relay.Connect(ctx, client, processor); err != nil {
		h.log.Info("connect failed", append(client.attrs(), slog.String("error", err.Error()))...)
		return
	}
	defer h.relay.Disconnect(ctx, client)

	if h.opts.MaxLifetime > 0 {
		t := time.AfterFunc(h.opts.MaxLifetime, func() {
			h.log.Info("connection lifetime exceeded", client.attrs()...)
			_ = conn.Close(websocket.CloseNormalClosure, "connection lifetime exceeded")
		})
		defer t.Stop()
	}

	h.readLoop(ctx, ws, client)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, client Client) {
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.log.Debug("websocket read failed", append(client.attrs(), slog.String("error", err.Error()))...)
			}
			return
		}
		if mt != websocket.TextMessage {
			h.relay.replyError(ctx, client, Inbound{}, protocolErr("Binary messages are not supported"))
			continue
		}
		h.relay.HandleMessage(ctx, client, data)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
