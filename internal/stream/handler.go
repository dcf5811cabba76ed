// Package stream exposes the live scan event feed over SSE and WebSocket.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/eidolon-platform/eidolon/internal/event"
)

const defaultKeepalive = 15 * time.Second

// Handler serves the long-lived stream endpoints. Each connection gets
// its own bus subscription; a slow reader drops its own oldest frames
// without affecting other subscribers.
type Handler struct {
	bus       *event.Bus
	logger    *zap.Logger
	keepalive time.Duration
}

// NewHandler creates the stream handler.
func NewHandler(bus *event.Bus, logger *zap.Logger) *Handler {
	return &Handler{bus: bus, logger: logger, keepalive: defaultKeepalive}
}

// Register attaches the stream routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /tasks/stream", h.serveSSE)
	mux.HandleFunc("GET /tasks/ws", h.serveWS)
}

// subscribe picks a per-task or wildcard subscription based on the
// optional task_id query parameter.
func (h *Handler) subscribe(r *http.Request) *event.Subscription {
	if taskID := r.URL.Query().Get("task_id"); taskID != "" {
		return h.bus.Subscribe(taskID)
	}
	return h.bus.SubscribeAll()
}

// serveSSE streams frames as Server-Sent Events until the client
// disconnects or the subscription terminates. Keepalive comments are
// sent so idle intermediaries do not close the connection.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub := h.subscribe(r)
	defer h.bus.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames := h.pump(ctx, sub)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case f, open := <-frames:
			if !open {
				return
			}
			data, err := f.Encode()
			if err != nil {
				h.logger.Error("encoding stream frame", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// serveWS mirrors the SSE feed over a WebSocket, one JSON frame per
// text message.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	sub := h.subscribe(r)
	defer h.bus.Unsubscribe(sub)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Identity is already resolved by the HTTP middleware chain.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain client messages to detect disconnect; no client-to-server
	// protocol exists.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	frames := h.pump(ctx, sub)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "")
			return
		case f, open := <-frames:
			if !open {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, f)
			writeCancel()
			if err != nil {
				h.logger.Debug("websocket write error", zap.Error(err))
				conn.Close(websocket.StatusAbnormalClosure, "")
				return
			}
		}
	}
}

// pump forwards subscription frames into a channel so the connection
// loop can select against keepalive and disconnect.
func (h *Handler) pump(ctx context.Context, sub *event.Subscription) <-chan event.Frame {
	frames := make(chan event.Frame)
	go func() {
		defer close(frames)
		for {
			f, ok := sub.Next(ctx)
			if !ok {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames
}
