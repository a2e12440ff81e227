package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/govd/govd/internal/journal"
)

// wsMessage is the shape of one server->client frame on /ws: a fixed
// "type" discriminator mirroring the underlying journal record's kind,
// plus the record's cursor/timestamp/data.
type wsMessage struct {
	Type      string          `json:"type"`
	Cursor    int64           `json:"cursor"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// wsType maps a journal record onto the wire-level frame type. Event
// records whose verdict is "ask" are surfaced as type "ask" so a client
// can pick pending approvals out of the stream without parsing payloads.
func wsType(rec journal.Record) string {
	if rec.Kind == journal.KindEvent {
		var peek struct {
			Policy struct {
				Status string `json:"status"`
			} `json:"policy"`
		}
		if json.Unmarshal(rec.Data, &peek) == nil && peek.Policy.Status == "ask" {
			return "ask"
		}
	}
	return string(rec.Kind)
}

// handleWS upgrades the connection and streams journal records in arrival
// order until the client disconnects or its outbound queue overflows.
// Clients send nothing; they reconnect on drop and resync via
// /timeline/replay, so inbound frames are only read to detect the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.validAPIKey(apiKeyFromRequest(r)) {
		http.Error(w, "missing or invalid api key", http.StatusUnauthorized)
		return
	}

	sub, err := s.bus.Subscribe(s.cfg.Overload.SubscriptionQueueSize)
	if err != nil {
		w.Header().Set("Retry-After", "5")
		http.Error(w, "subscriber limit reached", http.StatusServiceUnavailable)
		return
	}
	defer s.bus.Unsubscribe(sub.ID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case rec, ok := <-sub.Messages():
			if !ok {
				return
			}
			if err := conn.WriteJSON(wsMessage{Type: wsType(rec), Cursor: rec.Cursor, Timestamp: rec.Timestamp, Data: rec.Data}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
