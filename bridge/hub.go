// Package bridge exposes session events and sending to a local UI over HTTP and
// websockets.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog/log"
)

const (
	backlogSize  = 64
	writeTimeout = 2 * time.Second
)

// Event is the websocket frame pushed to UI clients.
type Event struct {
	TS      time.Time       `json:"ts"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub broadcasts session events to connected websocket clients and replays a
// short backlog to new ones. It satisfies session.Sink.
type Hub struct {
	// OriginPatterns are passed to websocket.Accept. Empty allows same-origin only.
	OriginPatterns []string

	mu      sync.RWMutex
	backlog []Event
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		backlog: make([]Event, 0, backlogSize),
		conns:   map[*websocket.Conn]struct{}{},
	}
}

// Emit broadcasts a lifecycle event.
func (h *Hub) Emit(event string) error {
	return h.broadcast(Event{TS: time.Now().UTC(), Event: event})
}

// EmitPayload broadcasts an event with a JSON payload.
func (h *Hub) EmitPayload(event, payload string) error {
	ev := Event{TS: time.Now().UTC(), Event: event}
	if payload != "" {
		if !json.Valid([]byte(payload)) {
			return errors.New("bridge: payload is not valid JSON")
		}
		ev.Payload = json.RawMessage(payload)
	}
	return h.broadcast(ev)
}

func (h *Hub) broadcast(ev Event) error {
	h.mu.Lock()
	if len(h.backlog) == backlogSize {
		copy(h.backlog, h.backlog[1:])
		h.backlog = h.backlog[:backlogSize-1]
	}
	h.backlog = append(h.backlog, ev)
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := wsjson.Write(ctx, c, ev); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	return errors.Join(errs...)
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request to a websocket that receives every event.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.OriginPatterns,
	})
	if err != nil {
		log.Debug().Err(err).Msg("[Bridge] Websocket upgrade failed")
		return
	}

	// Use a connection-scoped context not tied to the HTTP request lifecycle.
	connCtx, cancelConn := context.WithCancel(context.Background())

	// Replay and registration share the lock so every event is delivered exactly
	// once: from the backlog or by a later broadcast.
	h.mu.Lock()
	for _, ev := range h.backlog {
		writeCtx, cancel := context.WithTimeout(connCtx, writeTimeout)
		err := wsjson.Write(writeCtx, conn, ev)
		cancel()
		if err != nil {
			h.mu.Unlock()
			cancelConn()
			conn.Close(websocket.StatusInternalError, "backlog write failed")
			return
		}
	}
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer func() {
			h.mu.Lock()
			delete(h.conns, conn)
			h.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "")
			cancelConn()
		}()
		// Clients only listen; CloseRead discards input and ends on disconnect.
		<-conn.CloseRead(connCtx).Done()
	}()
}

// Close disconnects every client and waits for their handlers to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "shutting down")
	}
	h.wg.Wait()
}
