package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nimbusops/nimbus/internal/errors"
	"github.com/nimbusops/nimbus/internal/events"
	"github.com/nimbusops/nimbus/internal/logger"
	"github.com/nimbusops/nimbus/internal/models"
	"github.com/nimbusops/nimbus/internal/telemetry"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	streamPingEvery = 54 * time.Second
	streamMaxReplay = 256
)

// streamHub bridges the in-process event bus onto websocket clients.
// Each connection gets its own bus subscription; the bus drops events
// for subscribers that fall behind, so one slow client cannot stall
// the engine.
type streamHub struct {
	bus      *events.Bus
	metrics  *telemetry.Metrics
	log      logger.Logger
	upgrader websocket.Upgrader
}

func newStreamHub(bus *events.Bus) *streamHub {
	return &streamHub{
		bus:     bus,
		metrics: telemetry.GetMetrics(),
		log:     logger.New("api.stream"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Callers are authenticated services, not browsers; origin
			// checks don't apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// handleStream upgrades the connection and relays matching events.
// Query parameters: task_id and kinds filter the stream, replay
// prepends up to streamMaxReplay recent events.
func (h *streamHub) handleStream(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		respondError(w, errors.Internal("event streaming is not enabled"))
		return
	}

	filter := streamFilter(r.URL.Query())
	replay, err := strconv.Atoi(r.URL.Query().Get("replay"))
	if err != nil || replay < 0 {
		replay = 0
	}
	if replay > streamMaxReplay {
		replay = streamMaxReplay
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the client.
		h.log.Warn("websocket upgrade failed", logger.Err(err))
		return
	}

	sub := h.bus.Subscribe(filter)
	h.metrics.StreamClients.Inc()
	defer func() {
		h.bus.Unsubscribe(sub)
		conn.Close()
		h.metrics.StreamClients.Dec()
	}()

	// Reader: clients send nothing meaningful; reads surface pongs and
	// disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, event := range h.bus.Recent(replay) {
		if !filter(event) {
			continue
		}
		if h.write(conn, event) != nil {
			return
		}
	}

	ticker := time.NewTicker(streamPingEvery)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if h.write(conn, event) != nil {
				h.metrics.StreamDropped.Inc()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *streamHub) write(conn *websocket.Conn, event models.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(event)
}

// streamFilter builds the subscription predicate from query params.
func streamFilter(query url.Values) func(models.Event) bool {
	taskID := query.Get("task_id")
	kinds := map[models.EventKind]struct{}{}
	for _, raw := range strings.Split(query.Get("kinds"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			kinds[models.EventKind(raw)] = struct{}{}
		}
	}
	return func(event models.Event) bool {
		if taskID != "" && event.TaskID != taskID {
			return false
		}
		if len(kinds) > 0 {
			_, ok := kinds[event.Kind]
			return ok
		}
		return true
	}
}
