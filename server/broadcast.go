package server

import (
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/quenlab/qce/sym"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Envelope wraps every pushed event frame.
type Envelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Broadcast sends one event to every connected subscriber. Clients whose
// send queue is full are skipped; the stream is best-effort.
func (s *Server) Broadcast(eventType string, data any) {
	frame, err := json.Marshal(Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		s.logger.Errorw("Event marshal failed",
			"symbol", sym.WS,
			"type", eventType,
			"error", err,
		)
		return
	}

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- frame:
			sent++
		default:
			// Queue full, skip
		}
	}

	s.logger.Debugw("Broadcast event",
		"symbol", sym.WS,
		"type", eventType,
		"clients", sent,
	)
}
