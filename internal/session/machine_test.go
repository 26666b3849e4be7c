package session_test

import (
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zangezia/backupdesk/internal/session"
	"github.com/zangezia/backupdesk/pkg/models"
)

var web1 = models.TargetRef{ID: "t1", Name: "web1", Address: "10.0.0.5"}

func ptr[T any](v T) *T { return &v }

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func seeded(seed uint64) *session.Estimator {
	return session.NewEstimator(session.EstimatorConfig{Rand: rand.New(rand.NewPCG(seed, seed))})
}

func newRunning(t *testing.T, clk *clock) *session.Machine {
	t.Helper()
	m := session.NewMachine(session.MachineConfig{Estimator: seeded(1), Now: clk.now})
	tr, err := m.Start(web1, "sid-1")
	require.NoError(t, err)
	require.Equal(t, session.Transition{From: session.StateIdle, To: session.StateRunning}, tr)
	return m
}

func TestMachineStart(t *testing.T) {
	clk := newClock()
	m := newRunning(t, clk)

	snap := m.Snapshot()
	assert.Equal(t, "RUNNING", snap.State)
	assert.Equal(t, "sid-1", snap.SessionID)
	assert.Equal(t, web1, snap.Target)
	assert.Equal(t, clk.t, snap.StartTime)
	assert.Equal(t, "00:00", snap.Elapsed)
	assert.Zero(t, snap.OverallProgress)
	assert.Nil(t, snap.CurrentFile)

	lines := m.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, models.LogInfo, lines[0].Kind)
	assert.Equal(t, "Starting backup for web1 (10.0.0.5)...", lines[0].Message)

	_, err := m.Start(web1, "sid-2")
	assert.ErrorIs(t, err, session.ErrNotIdle)
}

func TestMachineApplyEvent(t *testing.T) {
	tests := map[string]struct {
		events   []session.ProgressEvent
		expState session.State
		expProg  float64
		expErr   string
	}{
		"Progress should never decrease": {
			events: []session.ProgressEvent{
				{Type: "info", Message: "a", Progress: ptr(40.0)},
				{Type: "info", Message: "b", Progress: ptr(30.0)},
			},
			expState: session.StateRunning,
			expProg:  40,
		},
		"Negative progress should be clamped to zero": {
			events:   []session.ProgressEvent{{Type: "info", Progress: ptr(-5.0)}},
			expState: session.StateRunning,
			expProg:  0,
		},
		"Progress above 100 should complete at 100": {
			events:   []session.ProgressEvent{{Type: "info", Progress: ptr(150.0)}},
			expState: session.StateCompleted,
			expProg:  100,
		},
		"Progress of 100 should complete": {
			events:   []session.ProgressEvent{{Type: "info", Message: "done", Progress: ptr(100.0)}},
			expState: session.StateCompleted,
			expProg:  100,
		},
		"A success event mentioning completion should complete": {
			events:   []session.ProgressEvent{{Type: "success", Message: "Backup COMPLETED for web1"}},
			expState: session.StateCompleted,
			expProg:  100,
		},
		"A success event without the keyword should not complete": {
			events:   []session.ProgressEvent{{Type: "success", Message: "Connected successfully!"}},
			expState: session.StateRunning,
		},
		"An info event mentioning completion should not complete": {
			events:   []session.ProgressEvent{{Type: "info", Message: "Step completed"}},
			expState: session.StateRunning,
		},
		"An error event should fail with its message": {
			events: []session.ProgressEvent{
				{Type: "info", Progress: ptr(20.0)},
				{Type: "error", Message: "Disk full"},
			},
			expState: session.StateFailed,
			expProg:  20,
			expErr:   "Disk full",
		},
		"Events after a terminal state should be ignored": {
			events: []session.ProgressEvent{
				{Type: "error", Message: "Disk full"},
				{Type: "info", Progress: ptr(100.0)},
			},
			expState: session.StateFailed,
			expErr:   "Disk full",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			m := newRunning(t, newClock())
			for _, ev := range test.events {
				m.ApplyEvent(ev)
			}

			snap := m.Snapshot()
			assert.Equal(test.expState, m.State())
			assert.Equal(test.expProg, snap.OverallProgress)
			if test.expErr != "" {
				require.NotNil(t, snap.ErrorMessage)
				assert.Equal(test.expErr, *snap.ErrorMessage)
			} else {
				assert.Nil(snap.ErrorMessage)
			}
		})
	}
}

func TestMachineApplyEventFields(t *testing.T) {
	clk := newClock()
	m := newRunning(t, clk)

	tr := m.ApplyEvent(session.ProgressEvent{
		Type:         "info",
		Message:      "Downloading /etc/hosts",
		CurrentFile:  ptr("/etc/hosts"),
		FileProgress: ptr(130.0),
		Stats: &session.EventStats{
			FilesProcessed: ptr(12),
			TotalSizeMB:    ptr(3.5),
			TotalFiles:     ptr(40),
		},
		Timestamp: "10:11:12",
	})
	assert.False(t, tr.Changed())

	// Stats from the service are monotonic too.
	m.ApplyEvent(session.ProgressEvent{
		Type:  "info",
		Stats: &session.EventStats{FilesProcessed: ptr(4), TotalSizeMB: ptr(1.0)},
	})

	snap := m.Snapshot()
	require.NotNil(t, snap.CurrentFile)
	assert.Equal(t, "/etc/hosts", *snap.CurrentFile)
	require.NotNil(t, snap.FileProgress)
	assert.Equal(t, 100.0, *snap.FileProgress)
	assert.Equal(t, 12, snap.Stats.FilesProcessed)
	assert.Equal(t, 3.5, snap.Stats.TotalSizeMB)
	require.NotNil(t, snap.Stats.TotalFiles)
	assert.Equal(t, 40, *snap.Stats.TotalFiles)

	lines := m.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "[10:11:12] Downloading /etc/hosts", lines[1].Message)
	assert.Equal(t, "[12:00:00] ", lines[2].Message)
}

func TestMachineEventKindIsKept(t *testing.T) {
	m := newRunning(t, newClock())
	m.ApplyEvent(session.ProgressEvent{Type: "debug", Message: "x", Timestamp: "01:02:03"})
	m.ApplyEvent(session.ProgressEvent{Message: "y", Timestamp: "01:02:04"})

	lines := m.Lines()
	require.Len(t, lines, 3)
	assert.Equal(t, "debug", lines[1].Kind)
	assert.Equal(t, models.LogInfo, lines[2].Kind)
}

func TestMachineEstimator(t *testing.T) {
	m := newRunning(t, newClock())

	prevFiles, prevSize, prevProg := 0, 0.0, 0.0
	for range 500 {
		m.EstimatorTick()
		snap := m.Snapshot()
		assert.LessOrEqual(t, snap.OverallProgress, session.EstimatorCap)
		assert.GreaterOrEqual(t, snap.OverallProgress, prevProg)
		assert.GreaterOrEqual(t, snap.Stats.FilesProcessed, prevFiles)
		assert.GreaterOrEqual(t, snap.Stats.TotalSizeMB, prevSize)
		prevFiles, prevSize, prevProg = snap.Stats.FilesProcessed, snap.Stats.TotalSizeMB, snap.OverallProgress
	}
	assert.Equal(t, session.StateRunning, m.State())
	assert.Equal(t, session.EstimatorCap, prevProg)

	// Once at the cap the whole tick is skipped.
	assert.False(t, m.EstimatorTick())
	assert.Equal(t, prevFiles, m.Snapshot().Stats.FilesProcessed)
}

func TestMachineEstimatorYieldsToPushedMetrics(t *testing.T) {
	m := newRunning(t, newClock())

	m.ApplyEvent(session.ProgressEvent{
		Type:        "info",
		Progress:    ptr(10.0),
		CurrentFile: ptr("/real/file"),
		Stats:       &session.EventStats{FilesProcessed: ptr(3)},
	})
	for range 10 {
		require.True(t, m.EstimatorTick())
	}

	snap := m.Snapshot()
	assert.Equal(t, 10.0, snap.OverallProgress)
	assert.Equal(t, "/real/file", *snap.CurrentFile)
	assert.Equal(t, 3, snap.Stats.FilesProcessed)
	assert.Positive(t, snap.Stats.TotalSizeMB, "size was not pushed so it is estimated")

	// An event without metrics hands them back to the estimator.
	m.ApplyEvent(session.ProgressEvent{Type: "info", Message: "still working"})
	m.EstimatorTick()
	snap = m.Snapshot()
	assert.Greater(t, snap.Stats.FilesProcessed, 3)
	assert.GreaterOrEqual(t, snap.OverallProgress, 10.0)
}

func TestMachineEstimatorSkippedAboveCap(t *testing.T) {
	m := newRunning(t, newClock())
	m.ApplyEvent(session.ProgressEvent{Type: "info", Progress: ptr(95.0)})
	m.ApplyEvent(session.ProgressEvent{Type: "info"})

	assert.False(t, m.EstimatorTick())
	snap := m.Snapshot()
	assert.Equal(t, 95.0, snap.OverallProgress)
	assert.Zero(t, snap.Stats.FilesProcessed)
}

func TestMachineCopyThenComplete(t *testing.T) {
	m := newRunning(t, newClock())
	m.StartResult("sid-1", true, "")

	tr := m.ApplyEvent(session.ProgressEvent{
		Type:        "info",
		Message:     "copying",
		Progress:    ptr(40.0),
		CurrentFile: ptr("/etc/nginx.conf"),
	})
	assert.False(t, tr.Changed())

	snap := m.Snapshot()
	assert.Equal(t, 40.0, snap.OverallProgress)
	require.NotNil(t, snap.CurrentFile)
	assert.Equal(t, "/etc/nginx.conf", *snap.CurrentFile)

	var copying int
	for _, l := range m.Lines() {
		if strings.Contains(l.Message, "copying") {
			copying++
		}
	}
	assert.Equal(t, 1, copying)

	tr = m.ApplyEvent(session.ProgressEvent{Type: "success", Message: "Backup completed", Progress: ptr(100.0)})
	assert.Equal(t, session.Transition{From: session.StateRunning, To: session.StateCompleted}, tr)
	assert.False(t, m.EstimatorTick())
}

func TestMachineCancelAtProgress(t *testing.T) {
	m := newRunning(t, newClock())
	m.ApplyEvent(session.ProgressEvent{Type: "info", Progress: ptr(55.0)})

	_, err := m.Cancel()
	require.NoError(t, err)
	before := m.Snapshot()
	assert.Equal(t, "CANCELLED", before.State)
	assert.Equal(t, 55.0, before.OverallProgress)

	m.ApplyEvent(session.ProgressEvent{Type: "success", Message: "Backup completed", Progress: ptr(100.0)})
	assert.Equal(t, before, m.Snapshot())
}

func TestMachineCancel(t *testing.T) {
	m := newRunning(t, newClock())
	m.EstimatorTick()

	tr, err := m.Cancel()
	require.NoError(t, err)
	assert.Equal(t, session.StateCancelled, tr.To)
	before := m.Snapshot()

	_, err = m.Cancel()
	assert.ErrorIs(t, err, session.ErrNotRunning)

	m.ApplyEvent(session.ProgressEvent{Type: "info", Progress: ptr(70.0)})
	assert.False(t, m.EstimatorTick())
	m.ClockTick()
	assert.Equal(t, before, m.Snapshot())

	lines := m.Lines()
	assert.Equal(t, "Backup cancelled by user", lines[len(lines)-1].Message)
	assert.Equal(t, models.LogWarning, lines[len(lines)-1].Kind)
}

func TestMachineStartResult(t *testing.T) {
	tests := map[string]struct {
		sessionID string
		success   bool
		message   string
		expState  session.State
		expErr    string
	}{
		"A successful response should keep running": {
			sessionID: "sid-1",
			success:   true,
			message:   "Backup started",
			expState:  session.StateRunning,
		},
		"A failed response should fail the session": {
			sessionID: "sid-1",
			message:   "Authentication failed",
			expState:  session.StateFailed,
			expErr:    "Authentication failed",
		},
		"A response for another session should be ignored": {
			sessionID: "sid-0",
			message:   "Authentication failed",
			expState:  session.StateRunning,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			m := newRunning(t, newClock())
			m.StartResult(test.sessionID, test.success, test.message)

			assert.Equal(t, test.expState, m.State())
			if test.expErr != "" {
				require.NotNil(t, m.Snapshot().ErrorMessage)
				assert.Equal(t, test.expErr, *m.Snapshot().ErrorMessage)
			}
		})
	}
}

func TestMachineRebind(t *testing.T) {
	m := newRunning(t, newClock())

	assert.False(t, m.Rebind(""))
	assert.False(t, m.Rebind("sid-1"))
	assert.True(t, m.Rebind("svc-42"))
	assert.Equal(t, "svc-42", m.Snapshot().SessionID)

	// Start responses follow the new identity.
	m.StartResult("sid-1", false, "stale")
	assert.Equal(t, session.StateRunning, m.State())

	_, err := m.Cancel()
	require.NoError(t, err)
	assert.False(t, m.Rebind("svc-43"))
	assert.Equal(t, "svc-42", m.SessionID())
}

func TestMachineLogIsBounded(t *testing.T) {
	m := newRunning(t, newClock())
	for i := range 60 {
		m.ApplyEvent(session.ProgressEvent{Type: "info", Message: string(rune('a' + i%26)), Timestamp: "00:00:00"})
	}
	assert.Len(t, m.Lines(), 50)
	assert.Len(t, m.TakeLines(), 61)
	assert.Empty(t, m.TakeLines())

	m.ClearLog()
	assert.Empty(t, m.Lines())
}

func TestMachineElapsed(t *testing.T) {
	clk := newClock()
	m := newRunning(t, clk)

	clk.advance(65 * time.Second)
	m.ClockTick()
	assert.Equal(t, "01:05", m.Snapshot().Elapsed)

	clk.advance(10 * time.Second)
	m.Fail("boom")
	assert.Equal(t, "01:15", m.Snapshot().Elapsed)

	// The clock is frozen after leaving RUNNING.
	clk.advance(time.Minute)
	m.ClockTick()
	assert.Equal(t, "01:15", m.Snapshot().Elapsed)
}

func TestFormatElapsed(t *testing.T) {
	tests := map[string]struct {
		d   time.Duration
		exp string
	}{
		"Zero":                     {d: 0, exp: "00:00"},
		"Seconds only":             {d: 9 * time.Second, exp: "00:09"},
		"Minutes and seconds":      {d: 3*time.Minute + 7*time.Second, exp: "03:07"},
		"Minutes are not wrapped":  {d: 2 * time.Hour, exp: "120:00"},
		"Sub second is truncated":  {d: 1999 * time.Millisecond, exp: "00:01"},
		"Negative is treated as 0": {d: -time.Second, exp: "00:00"},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.exp, session.FormatElapsed(test.d))
		})
	}
}

func TestKeywordPolicy(t *testing.T) {
	p := session.KeywordPolicy{SuccessType: "success", Keyword: "finished"}

	assert.True(t, p.Completed(session.ProgressEvent{Type: "success", Message: "All Finished"}))
	assert.False(t, p.Completed(session.ProgressEvent{Type: "success", Message: "Backup completed"}))
	assert.False(t, session.KeywordPolicy{SuccessType: "success"}.Completed(session.ProgressEvent{Type: "success"}))
}
