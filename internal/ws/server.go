// Package ws is the remote console: every console session gets a hub that
// drives one debug session at a time and broadcasts its notifications to the
// WebSocket clients attached to it.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/config"
	"github.com/bingosuite/debugbridge/internal/host"
)

type Server struct {
	addr   string
	hubs   map[string]*Hub
	config config.WebSocketConfig
	start  host.Starter
	log    *log.Entry

	mux        *http.ServeMux
	httpServer *http.Server
	mu         sync.RWMutex
}

// NewServer serves console sessions whose debug sessions come from start.
func NewServer(addr string, cfg *config.WebSocketConfig, start host.Starter, logger *log.Entry) *Server {
	if cfg == nil {
		cfg = &config.Default().WebSocket
	}
	s := &Server{
		addr:   addr,
		hubs:   make(map[string]*Hub),
		config: *cfg,
		start:  start,
		log:    logger.WithField("component", "server"),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("/ws/", s.getOrCreateSession)
	s.mux.HandleFunc("/sessions", s.getSessions)
	s.httpServer = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.log.WithField("addr", s.addr).Info("Remote console listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	sessions := make([]string, 0, len(s.hubs))
	for sessionID := range s.hubs {
		sessions = append(sessions, sessionID)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		s.log.WithError(err).Error("Error encoding sessions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *Server) getOrCreateSession(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	sessionID := r.URL.Query().Get("session")
	sessionProvided := sessionID != ""
	if !sessionProvided {
		sessionID = uuid.New().String()
		s.log.WithField("session", sessionID).Debug("No session ID provided, generated one")
	}

	var hub *Hub
	if sessionProvided {
		// Only get existing hub if session ID was provided by client
		hub, err = s.GetHub(sessionID)
	} else {
		// Create new hub only for server-generated session IDs
		hub, err = s.CreateHub(sessionID)
	}
	if err != nil {
		s.log.WithError(err).WithField("session", sessionID).Warn("Rejecting connection")
		if err := conn.Close(); err != nil {
			s.log.WithError(err).Debug("WebSocket close error")
		}
		return
	}

	connection := NewConnection(conn, hub, r.RemoteAddr)
	go connection.ReadPump()
	go connection.WritePump()

	ack, err := NewMessage(EventSessionStarted, SessionStartedEvent{
		Type:      EventSessionStarted,
		SessionID: sessionID,
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to marshal sessionStarted")
		return
	}
	// Queued before registration so it is the first message the client sees.
	connection.send <- ack
	hub.Register(connection)
}

// GetHub retrieves an existing hub for the given session ID.
func (s *Server) GetHub(sessionID string) (*Hub, error) {
	s.mu.RLock()
	hub, exists := s.hubs[sessionID]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("session not found: %s", sessionID)
	}
	return hub, nil
}

// CreateHub creates a new hub for the given session ID.
func (s *Server) CreateHub(sessionID string) (*Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.hubs[sessionID]; exists {
		return nil, fmt.Errorf("session already exists: %s", sessionID)
	}
	if s.config.MaxSessions > 0 && len(s.hubs) >= s.config.MaxSessions {
		return nil, fmt.Errorf("max sessions (%d) reached", s.config.MaxSessions)
	}

	hub := NewHub(sessionID, s.config.IdleTimeout, s.start, s.log)
	hub.onShutdown = s.removeHub
	s.hubs[sessionID] = hub
	go hub.Run()
	s.log.WithField("session", sessionID).Info("Created hub")

	return hub, nil
}

func (s *Server) removeHub(sessionID string) {
	s.mu.Lock()
	delete(s.hubs, sessionID)
	s.mu.Unlock()
	s.log.WithField("session", sessionID).Info("Removed hub")
}

// Shutdown stops every hub, which ends their debug sessions, then the HTTP
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	hubs := make([]*Hub, 0, len(s.hubs))
	for _, hub := range s.hubs {
		hubs = append(hubs, hub)
	}
	s.mu.RUnlock()

	s.log.WithField("hubs", len(hubs)).Info("Shutting down server")
	for _, hub := range hubs {
		hub.Stop()
	}
	for _, hub := range hubs {
		select {
		case <-hub.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.httpServer.Shutdown(ctx)
}
