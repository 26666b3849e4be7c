package session

// ProgressEvent is the payload of a backup_progress push notification. Nil
// fields were absent from the notification.
type ProgressEvent struct {
	Type         string      `json:"type"`
	Message      string      `json:"message"`
	Progress     *float64    `json:"progress"`
	CurrentFile  *string     `json:"current_file"`
	FileProgress *float64    `json:"file_progress"`
	Stats        *EventStats `json:"stats"`
	Timestamp    string      `json:"timestamp"`
	// SessionID is set by services that tag events with their session.
	SessionID string `json:"session_id,omitempty"`
}

// EventStats is the optional stats snapshot of a progress event
type EventStats struct {
	FilesProcessed *int     `json:"files_processed"`
	TotalSizeMB    *float64 `json:"total_size_mb"`
	TotalFiles     *int     `json:"total_files"`
}

// Event types with a meaning for the session. Any other type is only logged.
const (
	EventTypeSuccess = "success"
	EventTypeError   = "error"
)

// field is a metric that push data and the estimator both may drive.
type field uint8

const (
	fieldProgress field = 1 << iota
	fieldFile
	fieldFiles
	fieldSize
)

type fieldSet uint8

func (s fieldSet) has(f field) bool { return s&fieldSet(f) != 0 }

// pushedFields returns the estimator-driven metrics the event carries.
func (ev ProgressEvent) pushedFields() fieldSet {
	var s fieldSet
	if ev.Progress != nil {
		s |= fieldSet(fieldProgress)
	}
	if ev.CurrentFile != nil || ev.FileProgress != nil {
		s |= fieldSet(fieldFile)
	}
	if ev.Stats != nil {
		if ev.Stats.FilesProcessed != nil {
			s |= fieldSet(fieldFiles)
		}
		if ev.Stats.TotalSizeMB != nil {
			s |= fieldSet(fieldSize)
		}
	}
	return s
}
