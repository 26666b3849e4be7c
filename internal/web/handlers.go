package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/journal"
	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/internal/session"
	"github.com/zangezia/backupdesk/pkg/models"
)

type addServerRequest struct {
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Credentials json.RawMessage `json:"credentials"`
	Paths       []string        `json:"paths"`
}

type startBackupRequest struct {
	ServerID string `json:"serverId"`
}

type themeBody struct {
	Theme string `json:"theme"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, redact(s.registry.List()))
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req addServerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid request"))
		return
	}

	t, err := s.registry.Add(r.Context(), models.Target{
		Name:        req.Name,
		Address:     req.Address,
		Credentials: req.Credentials,
		Paths:       req.Paths,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.journal.Record(r.Context(), "Server added: "+t.Name); err != nil {
		log.Error().Err(err).Msg("Failed to record activity")
	}

	t.Credentials = nil
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := s.registry.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.registry.Remove(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.journal.Record(r.Context(), "Server removed: "+t.Name); err != nil {
		log.Error().Err(err).Msg("Failed to record activity")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestServer(w http.ResponseWriter, r *http.Request) {
	res, err := s.registry.TestConnection(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStartBackup(w http.ResponseWriter, r *http.Request) {
	var req startBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("serverId is required"))
		return
	}

	snap, err := s.sessions.Start(r.Context(), req.ServerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, snap)
}

func (s *Server) handleCancelBackup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.sessions.Cancel(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleClearLog(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ClearLog(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Backup inventory unavailable"))
		return
	}

	var serverName string
	if id := r.URL.Query().Get("serverId"); id != "" {
		t, err := s.registry.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		serverName = t.Name
	}

	backups, err := s.backups.ListBackups(r.Context(), serverName)
	if err != nil {
		writeError(w, err)
		return
	}
	if backups == nil {
		backups = []models.BackupArchive{}
	}
	writeJSON(w, http.StatusOK, backups)
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Backup inventory unavailable"))
		return
	}

	id := r.PathValue("backupId")
	if err := s.backups.DeleteBackup(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.journal.Record(r.Context(), "Backup deleted: "+id); err != nil {
		log.Error().Err(err).Msg("Failed to record activity")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServiceBackupStatus(w http.ResponseWriter, r *http.Request) {
	if s.backups == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("Backup inventory unavailable"))
		return
	}

	t, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	st, err := s.backups.BackupStatus(r.Context(), t.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.journal.Recent(journal.MaxEntries))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := models.DashboardStats{
		RecentActivity: len(s.journal.Recent(journal.MaxEntries)),
		Host:           s.currentMetrics(r.Context()),
	}
	for _, t := range s.registry.List() {
		stats.TotalServers++
		if t.Status == models.StatusOnline {
			stats.OnlineServers++
		} else {
			stats.OfflineServers++
		}
		if t.LastBackup != nil && (stats.LastBackup == nil || t.LastBackup.After(*stats.LastBackup)) {
			stats.LastBackup = t.LastBackup
		}
	}
	if st, err := s.sessions.Status(r.Context()); err == nil {
		stats.ActiveSession = st.Active
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.prefs.Settings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var settings models.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid request"))
		return
	}

	saved, err := s.prefs.SaveSettings(r.Context(), settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	theme, err := s.prefs.Theme(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, themeBody{Theme: theme})
}

func (s *Server) handleSetTheme(w http.ResponseWriter, r *http.Request) {
	var body themeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("Invalid request"))
		return
	}
	if err := s.prefs.SetTheme(r.Context(), body.Theme); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func errorBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrNotValid):
		status = http.StatusBadRequest
	case errors.Is(err, session.ErrSessionActive),
		errors.Is(err, session.ErrStartInFlight),
		errors.Is(err, session.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, network.ErrRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, network.ErrUnavailable):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorBody(err.Error()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
