// Package web serves the HTTP API and pushes live updates to websocket
// clients.
package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/config"
	"github.com/zangezia/backupdesk/internal/journal"
	"github.com/zangezia/backupdesk/internal/prefs"
	"github.com/zangezia/backupdesk/internal/registry"
	"github.com/zangezia/backupdesk/internal/session"
	"github.com/zangezia/backupdesk/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Sessions drives the backup session
type Sessions interface {
	Start(ctx context.Context, targetID string) (models.SessionSnapshot, error)
	Cancel(ctx context.Context) (models.SessionSnapshot, error)
	ClearLog(ctx context.Context) error
	Status(ctx context.Context) (session.Status, error)
}

// Metrics samples host performance
type Metrics interface {
	Start(ctx context.Context) <-chan models.PerformanceMetrics
	Metrics(ctx context.Context) models.PerformanceMetrics
}

// Backups is the archive inventory kept by the backup service
type Backups interface {
	ListBackups(ctx context.Context, serverName string) ([]models.BackupArchive, error)
	DeleteBackup(ctx context.Context, backupID string) error
	BackupStatus(ctx context.Context, serverName string) (models.ServiceBackupStatus, error)
}

// Deps are the services the server exposes
type Deps struct {
	Registry *registry.Registry
	Journal  *journal.Journal
	Prefs    *prefs.Prefs
	Sessions Sessions
	Host     Metrics
	Backups  Backups
}

// Server represents the web server
type Server struct {
	cfg      *config.Config
	registry *registry.Registry
	journal  *journal.Journal
	prefs    *prefs.Prefs
	sessions Sessions
	host     Metrics
	backups  Backups

	mu          sync.RWMutex
	clients     map[*websocket.Conn]*client
	lastMetrics models.PerformanceMetrics
	haveMetrics bool
}

// NewServer creates a new web server and subscribes it to registry and
// journal changes.
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		registry: deps.Registry,
		journal:  deps.Journal,
		prefs:    deps.Prefs,
		sessions: deps.Sessions,
		host:     deps.Host,
		backups:  deps.Backups,
		clients:  make(map[*websocket.Conn]*client),
	}

	s.registry.OnChange(func(targets []models.Target) {
		s.broadcast(msgServers, redact(targets))
	})
	s.journal.OnChange(func(entries []models.ActivityEntry) {
		s.broadcast(msgActivity, entries)
	})

	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/servers", s.handleListServers)
	mux.HandleFunc("POST /api/servers", s.handleAddServer)
	mux.HandleFunc("DELETE /api/servers/{id}", s.handleRemoveServer)
	mux.HandleFunc("POST /api/servers/{id}/test", s.handleTestServer)

	mux.HandleFunc("POST /api/backup/start", s.handleStartBackup)
	mux.HandleFunc("POST /api/backup/cancel", s.handleCancelBackup)
	mux.HandleFunc("POST /api/backup/log/clear", s.handleClearLog)
	mux.HandleFunc("GET /api/backup/status", s.handleBackupStatus)

	mux.HandleFunc("GET /api/backups", s.handleListBackups)
	mux.HandleFunc("DELETE /api/backups/{backupId}", s.handleDeleteBackup)
	mux.HandleFunc("GET /api/servers/{id}/backup-status", s.handleServiceBackupStatus)

	mux.HandleFunc("GET /api/activity", s.handleActivity)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.handleSaveSettings)
	mux.HandleFunc("GET /api/theme", s.handleGetTheme)
	mux.HandleFunc("PUT /api/theme", s.handleSetTheme)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s.host != nil {
		go s.broadcastMetrics(ctx, s.host.Start(ctx))
	}

	addr := s.cfg.Address()
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("Starting web server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.closeClients()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) broadcastMetrics(ctx context.Context, metricsChan <-chan models.PerformanceMetrics) {
	interval := s.cfg.Monitoring.UIUpdateInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case metrics, ok := <-metricsChan:
			if !ok {
				return
			}
			s.mu.Lock()
			s.lastMetrics, s.haveMetrics = metrics, true
			s.mu.Unlock()
		case <-ticker.C:
			if m, ok := s.latestMetrics(); ok {
				s.broadcast(msgMetrics, m)
			}
		}
	}
}

func (s *Server) latestMetrics() (models.PerformanceMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMetrics, s.haveMetrics
}

// currentMetrics returns the last sample, taking one if none was collected yet.
func (s *Server) currentMetrics(ctx context.Context) models.PerformanceMetrics {
	if m, ok := s.latestMetrics(); ok || s.host == nil {
		return m
	}
	return s.host.Metrics(ctx)
}

// redact drops credentials from targets sent to clients.
func redact(targets []models.Target) []models.Target {
	out := make([]models.Target, len(targets))
	for i, t := range targets {
		t.Credentials = nil
		out[i] = t
	}
	return out
}
