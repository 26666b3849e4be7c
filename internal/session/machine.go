package session

import (
	"fmt"
	"time"

	"github.com/zangezia/backupdesk/internal/logbuf"
	"github.com/zangezia/backupdesk/pkg/models"
)

// MachineConfig is the configuration for a session machine.
type MachineConfig struct {
	Policy    CompletionPolicy
	Estimator *Estimator
	// LogCapacity bounds the session log. Defaults to logbuf.DefaultCapacity.
	LogCapacity int
	Now         func() time.Time
}

// Machine is the state of one backup session. It does no I/O and is not safe
// for concurrent use; the Reactor serialises every call.
type Machine struct {
	policy    CompletionPolicy
	estimator *Estimator
	now       func() time.Time

	state        State
	sessionID    string
	target       models.TargetRef
	progress     float64
	currentFile  *string
	fileProgress *float64
	stats        models.SessionStats
	startTime    time.Time
	elapsed      time.Duration
	errMsg       *string

	// metrics carried by the most recent push event
	pushed fieldSet

	log    *logbuf.Buffer
	outbox []models.LogLine
}

// NewMachine creates an idle machine.
func NewMachine(cfg MachineConfig) *Machine {
	if cfg.Policy == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Estimator == nil {
		cfg.Estimator = NewEstimator(EstimatorConfig{})
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = logbuf.DefaultCapacity
	}
	return &Machine{
		policy:    cfg.Policy,
		estimator: cfg.Estimator,
		now:       cfg.Now,
		state:     StateIdle,
		log:       logbuf.New(cfg.LogCapacity),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// SessionID returns the identity bound at Start or by the last Rebind.
func (m *Machine) SessionID() string { return m.sessionID }

// Target returns the target snapshot taken at Start.
func (m *Machine) Target() models.TargetRef { return m.target }

// Start binds the session to target and moves to RUNNING.
func (m *Machine) Start(target models.TargetRef, sessionID string) (Transition, error) {
	if m.state != StateIdle {
		return Transition{}, ErrNotIdle
	}
	m.sessionID = sessionID
	m.target = target
	m.progress = 0
	m.currentFile = nil
	m.fileProgress = nil
	m.stats = models.SessionStats{}
	m.startTime = m.now()
	m.elapsed = 0
	m.errMsg = nil
	m.pushed = 0
	m.log.Clear()
	m.outbox = nil

	tr := m.move(StateRunning)
	m.append(models.LogInfo, fmt.Sprintf("Starting backup for %s (%s)...", target.Name, target.Address))
	return tr, nil
}

// Rebind replaces the session identity with the one the service assigned.
// It only applies while RUNNING.
func (m *Machine) Rebind(sessionID string) bool {
	if m.state != StateRunning || sessionID == "" || sessionID == m.sessionID {
		return false
	}
	m.sessionID = sessionID
	return true
}

// StartResult applies the outcome of the start request. Results for another
// session, or arriving after the session left RUNNING, are ignored.
func (m *Machine) StartResult(sessionID string, success bool, message string) Transition {
	if m.state != StateRunning || sessionID != m.sessionID {
		return Transition{From: m.state, To: m.state}
	}
	if !success {
		if message == "" {
			message = "Failed to start backup"
		}
		return m.fail(message)
	}
	if message == "" {
		message = "Backup started"
	}
	m.append(models.LogSuccess, message)
	return Transition{From: m.state, To: m.state}
}

// ApplyEvent applies a push progress event. Outside RUNNING it is a no-op.
func (m *Machine) ApplyEvent(ev ProgressEvent) Transition {
	if m.state != StateRunning {
		return Transition{From: m.state, To: m.state}
	}
	m.pushed = ev.pushedFields()

	var reported float64
	if ev.Progress != nil {
		reported = clampPercent(*ev.Progress)
		m.progress = max(m.progress, reported)
	}
	if ev.CurrentFile != nil {
		file := *ev.CurrentFile
		m.currentFile = &file
	}
	if ev.FileProgress != nil {
		fp := clampPercent(*ev.FileProgress)
		m.fileProgress = &fp
	}
	if st := ev.Stats; st != nil {
		if st.FilesProcessed != nil {
			m.stats.FilesProcessed = max(m.stats.FilesProcessed, *st.FilesProcessed)
		}
		if st.TotalSizeMB != nil {
			m.stats.TotalSizeMB = max(m.stats.TotalSizeMB, *st.TotalSizeMB)
		}
		if st.TotalFiles != nil {
			total := *st.TotalFiles
			m.stats.TotalFiles = &total
		}
	}

	kind := ev.Type
	if kind == "" {
		kind = models.LogInfo
	}
	ts := ev.Timestamp
	if ts == "" {
		ts = m.now().Format("15:04:05")
	}
	m.append(kind, fmt.Sprintf("[%s] %s", ts, ev.Message))

	switch {
	case (ev.Progress != nil && reported >= 100) || m.policy.Completed(ev):
		return m.complete()
	case ev.Type == EventTypeError:
		msg := ev.Message
		if msg == "" {
			msg = "Backup failed"
		}
		return m.fail(msg)
	}
	return Transition{From: m.state, To: m.state}
}

// EstimatorTick advances the estimated metrics by one tick. It reports
// whether anything changed.
func (m *Machine) EstimatorTick() bool {
	if m.state != StateRunning || m.progress >= EstimatorCap {
		return false
	}
	est := m.estimator.Next()
	if !m.pushed.has(fieldProgress) {
		m.progress = min(EstimatorCap, m.progress+est.ProgressStep)
	}
	if !m.pushed.has(fieldFiles) {
		m.stats.FilesProcessed += est.Files
	}
	if !m.pushed.has(fieldSize) {
		m.stats.TotalSizeMB += est.SizeMB
	}
	if !m.pushed.has(fieldFile) {
		file, fp := est.File, est.FileProgress
		m.currentFile = &file
		m.fileProgress = &fp
		if est.Log {
			m.append(models.LogInfo, "Processing: "+file)
		}
	}
	return true
}

// ClockTick recomputes the elapsed time while RUNNING.
func (m *Machine) ClockTick() {
	if m.state == StateRunning {
		m.elapsed = m.now().Sub(m.startTime)
	}
}

// Cancel moves a running session to CANCELLED.
func (m *Machine) Cancel() (Transition, error) {
	if m.state != StateRunning {
		return Transition{From: m.state, To: m.state}, ErrNotRunning
	}
	tr := m.move(StateCancelled)
	m.append(models.LogWarning, "Backup cancelled by user")
	return tr, nil
}

// Fail moves a running session to FAILED with message.
func (m *Machine) Fail(message string) Transition {
	if m.state != StateRunning {
		return Transition{From: m.state, To: m.state}
	}
	return m.fail(message)
}

// Note appends a line to the session log.
func (m *Machine) Note(kind, message string) models.LogLine {
	return m.append(kind, message)
}

// ClearLog empties the session log.
func (m *Machine) ClearLog() {
	m.log.Clear()
	m.outbox = nil
}

// Lines returns the session log, oldest first.
func (m *Machine) Lines() []models.LogLine { return m.log.Lines() }

// TakeLines returns the lines appended since the previous call.
func (m *Machine) TakeLines() []models.LogLine {
	out := m.outbox
	m.outbox = nil
	return out
}

// Snapshot returns an immutable view of the session.
func (m *Machine) Snapshot() models.SessionSnapshot {
	snap := models.SessionSnapshot{
		SessionID:       m.sessionID,
		Target:          m.target,
		State:           string(m.state),
		OverallProgress: m.progress,
		Stats:           m.stats,
		StartTime:       m.startTime,
		Elapsed:         FormatElapsed(m.elapsed),
	}
	if m.currentFile != nil {
		file := *m.currentFile
		snap.CurrentFile = &file
	}
	if m.fileProgress != nil {
		fp := *m.fileProgress
		snap.FileProgress = &fp
	}
	if m.stats.TotalFiles != nil {
		total := *m.stats.TotalFiles
		snap.Stats.TotalFiles = &total
	}
	if m.errMsg != nil {
		msg := *m.errMsg
		snap.ErrorMessage = &msg
	}
	return snap
}

func (m *Machine) complete() Transition {
	m.progress = 100
	tr := m.move(StateCompleted)
	m.append(models.LogSuccess, "Backup completed successfully")
	return tr
}

func (m *Machine) fail(message string) Transition {
	m.errMsg = &message
	tr := m.move(StateFailed)
	m.append(models.LogError, "Backup failed: "+message)
	return tr
}

func (m *Machine) move(to State) Transition {
	tr := Transition{From: m.state, To: to}
	if m.state == StateRunning {
		m.elapsed = m.now().Sub(m.startTime)
	}
	m.state = to
	return tr
}

func (m *Machine) append(kind, message string) models.LogLine {
	line := m.log.Append(kind, message)
	m.outbox = append(m.outbox, line)
	return line
}

func clampPercent(v float64) float64 {
	return min(100, max(0, v))
}
