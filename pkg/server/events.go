package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPongTimeout  = 60 * time.Second
	eventPingInterval = 54 * time.Second
)

// handleEvents upgrades the request to a WebSocket and streams bus
// events as JSON text messages. One subscription per connection; a
// client that stops reading loses events once its buffer fills, it is
// never allowed to stall the publishers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, unsubscribe := s.deps.Bus.Subscribe()
	defer unsubscribe()

	log.Info().Str("remote_addr", r.RemoteAddr).Msg("Event stream connected")
	defer log.Info().Str("remote_addr", r.RemoteAddr).Msg("Event stream closed")

	// Reader drains control frames and detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(eventPongTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Debug().Err(err).Msg("Event stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				log.Error().Err(err).Str("event_id", evt.ID).Msg("Failed to encode event")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Debug().Err(err).Msg("Event stream write error")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-s.shutdown:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}
