package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/journal"
	"github.com/zangezia/backupdesk/pkg/models"
)

// Websocket message types
const (
	msgSession    = "session"
	msgLog        = "log"
	msgLogCleared = "log_cleared"
	msgServers    = "servers"
	msgActivity   = "activity"
	msgMetrics    = "metrics"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan models.WSMessage
}

func (c *client) writeLoop() {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Msg("Failed to send WebSocket message")
			c.conn.Close()
			for range c.send {
			}
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// SessionChanged implements session.Sink.
func (s *Server) SessionChanged(snap models.SessionSnapshot) {
	s.broadcast(msgSession, snap)
}

// LogAppended implements session.Sink.
func (s *Server) LogAppended(line models.LogLine) {
	s.broadcast(msgLog, line)
}

// LogCleared implements session.Sink.
func (s *Server) LogCleared() {
	s.broadcast(msgLogCleared, struct{}{})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan models.WSMessage, clientBuffer)}
	go c.writeLoop()

	// The reactor broadcasts through s.mu, so ask it before taking the lock.
	st, err := s.sessions.Status(r.Context())
	if err != nil {
		log.Warn().Err(err).Msg("Could not read session status")
	}

	// Initial state goes out before the client receives any broadcast.
	s.mu.Lock()
	if err == nil {
		enqueue(c, msgSession, st.Snapshot)
		for _, line := range st.Log {
			enqueue(c, msgLog, line)
		}
	}
	enqueue(c, msgServers, redact(s.registry.List()))
	enqueue(c, msgActivity, s.journal.Recent(journal.MaxEntries))
	if s.haveMetrics {
		enqueue(c, msgMetrics, s.lastMetrics)
	}
	s.clients[conn] = c
	s.mu.Unlock()

	log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	go func() {
		defer func() {
			s.removeClient(conn)
			log.Info().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) broadcast(typ string, payload any) {
	msg, err := models.NewWSMessage(typ, payload)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("Failed to encode WebSocket message")
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			log.Warn().Str("type", typ).Str("remote", c.conn.RemoteAddr().String()).Msg("WebSocket client too slow, message dropped")
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(c.send)
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for conn, c := range s.clients {
		delete(s.clients, conn)
		close(c.send)
	}
}

func enqueue(c *client, typ string, payload any) {
	msg, err := models.NewWSMessage(typ, payload)
	if err != nil {
		log.Error().Err(err).Str("type", typ).Msg("Failed to encode WebSocket message")
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}
