package models

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotValid is returned when a record fails validation.
	ErrNotValid = errors.New("not valid")
)

// TargetStatus is the cached connectivity state of a target
type TargetStatus string

const (
	StatusOnline  TargetStatus = "online"
	StatusOffline TargetStatus = "offline"
)

// Target is a remote machine registered for backup
type Target struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Address     string          `json:"address"`
	Credentials json.RawMessage `json:"credentials,omitempty"` // opaque, passed through to the backup service
	Paths       []string        `json:"paths"`
	Status      TargetStatus    `json:"status"`
	LastBackup  *time.Time      `json:"lastBackup"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// TargetRef is the snapshot of a target taken when a session starts
type TargetRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Ref returns the session snapshot of the target.
func (t Target) Ref() TargetRef {
	return TargetRef{ID: t.ID, Name: t.Name, Address: t.Address}
}

// ActivityEntry is one line of the activity journal
type ActivityEntry struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Log line kinds used by the session. The kind is an open tag: push events
// may carry any value and it is kept verbatim.
const (
	LogInfo    = "info"
	LogSuccess = "success"
	LogError   = "error"
	LogWarning = "warning"
)

// LogLine represents a session log entry
type LogLine struct {
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionStats holds the counters of a backup session
type SessionStats struct {
	FilesProcessed int     `json:"files_processed"`
	TotalSizeMB    float64 `json:"total_size_mb"`
	TotalFiles     *int    `json:"total_files"`
}

// SessionSnapshot is an immutable view of the live backup session
type SessionSnapshot struct {
	SessionID       string       `json:"session_id"`
	Target          TargetRef    `json:"target"`
	State           string       `json:"state"`
	OverallProgress float64      `json:"overall_progress"`
	CurrentFile     *string      `json:"current_file"`
	FileProgress    *float64     `json:"file_progress"`
	Stats           SessionStats `json:"stats"`
	StartTime       time.Time    `json:"start_time"`
	Elapsed         string       `json:"elapsed"`
	ErrorMessage    *string      `json:"error_message"`
}

// BackupArchive is one archive kept by the backup service. CreatedAt doubles
// as its identifier.
type BackupArchive struct {
	ServerName    string   `json:"server_name"`
	ServerAddress string   `json:"server_address"`
	BackupName    string   `json:"backup_name"`
	BackupPaths   []string `json:"backup_paths"`
	CreatedAt     string   `json:"created_at"`
	SizeBytes     int64    `json:"size_bytes"`
	SizeMB        float64  `json:"size_mb"`
	FilesCount    int      `json:"files_count"`
	FilePath      string   `json:"file_path,omitempty"`
}

// ID returns the identifier the service deletes the archive by.
func (b BackupArchive) ID() string { return b.CreatedAt }

// ServiceBackupStatus is the service's own view of a server's backup
type ServiceBackupStatus struct {
	Status         string  `json:"status"`
	StartedAt      string  `json:"started_at,omitempty"`
	CompletedAt    string  `json:"completed_at,omitempty"`
	Progress       float64 `json:"progress"`
	CurrentFile    *string `json:"current_file,omitempty"`
	FilesProcessed int     `json:"files_processed"`
	TotalFiles     int     `json:"total_files"`
	DataSize       int64   `json:"data_size"`
	BackupFile     string  `json:"backup_file,omitempty"`
}

// Settings is the persisted user settings blob
type Settings struct {
	BackupInterval string `json:"backupInterval"`
	MaxBackups     int    `json:"maxBackups"`
}

// DashboardStats summarises the registry and journal
type DashboardStats struct {
	TotalServers   int                `json:"total_servers"`
	OnlineServers  int                `json:"online_servers"`
	OfflineServers int                `json:"offline_servers"`
	LastBackup     *time.Time         `json:"last_backup"`
	RecentActivity int                `json:"recent_activity"`
	ActiveSession  bool               `json:"active_session"`
	Host           PerformanceMetrics `json:"host"`
}

// PerformanceMetrics holds host performance data
type PerformanceMetrics struct {
	CPUPercent         float64 `json:"cpu_percent"`
	MemoryUsedBytes    uint64  `json:"memory_used_bytes"`
	MemoryTotalBytes   uint64  `json:"memory_total_bytes"`
	MemoryPercent      float64 `json:"memory_percent"`
	NetworkBytesPerSec float64 `json:"network_bytes_per_sec"`
	NetworkMBps        float64 `json:"network_mbps"`
	NetworkPercent     float64 `json:"network_percent"`
	FreeDiskBytes      uint64  `json:"free_disk_bytes"`
	FreeDiskGB         float64 `json:"free_disk_gb"`
}

// WSMessage represents a WebSocket message sent to presentation clients
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewWSMessage encodes payload into a WSMessage.
func NewWSMessage(typ string, payload any) (WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Type: typ, Payload: data}, nil
}
