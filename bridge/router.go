package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sendme/history"
	"github.com/gosuda/sendme/session"
)

const defaultHistoryLimit = 100

// Sender delivers a message to the connected peer. *session.Session implements it.
type Sender interface {
	ID() string
	Send(ctx context.Context, msg session.Message) error
}

// Deps wires the routes to the running node.
type Deps struct {
	Hub *Hub
	// Sender returns the session outgoing messages go to, or nil while no peer is
	// connected.
	Sender func() Sender
	// History is optional; without it /history is not served and sends are not
	// recorded.
	History *history.Store
}

// Router builds the HTTP routes of the UI bridge.
func Router(d Deps) http.Handler {
	session.RegisterMetrics()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if d.Hub != nil {
		r.Handle("/events", d.Hub)
	}
	r.Post("/messages", d.handleSend)
	if d.History != nil {
		r.Get("/history", d.handleHistory)
	}
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (d Deps) handleSend(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, session.MaxMessageSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > session.MaxMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, session.ErrMessageTooLarge)
		return
	}

	msg, err := session.ParseEventPayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var sender Sender
	if d.Sender != nil {
		sender = d.Sender()
	}
	if sender == nil {
		writeError(w, http.StatusConflict, session.ErrNoActiveConnection)
		return
	}

	if err := sender.Send(r.Context(), msg); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, session.ErrNoActiveConnection) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}

	if d.History != nil {
		payload, _ := session.EventPayload(msg)
		entry := history.Entry{
			Session:   sender.ID(),
			Direction: history.Outbound,
			Event:     session.EventMessage,
			Payload:   string(payload),
		}
		if err := d.History.Append(entry); err != nil {
			log.Warn().Err(err).Msg("[Bridge] Failed to record sent message")
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (d Deps) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = n
	}

	entries, err := d.History.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
