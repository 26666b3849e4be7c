// Package tui renders the live backup session in the terminal.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zangezia/backupdesk/pkg/models"
)

// visibleLines is how many of the latest log lines are shown.
const visibleLines = 8

var (
	colorAccent  = lipgloss.Color("#06B6D4")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	titleStyle   = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

// Source delivers hub messages
type Source interface {
	Receive() (models.WSMessage, error)
}

// Canceller cancels the running backup
type Canceller interface {
	Cancel(ctx context.Context) error
}

type hubMsg models.WSMessage

type feedClosedMsg struct{ err error }

type cancelDoneMsg struct{ err error }

// Model is the bubbletea model of the watch screen
type Model struct {
	src      Source
	api      Canceller
	progress progress.Model

	snap   models.SessionSnapshot
	lines  []models.LogLine
	notice string
	err    error
	width  int
}

// New creates the watch model.
func New(src Source, api Canceller) Model {
	return Model{
		src:      src,
		api:      api,
		progress: progress.New(progress.WithDefaultGradient()),
		snap:     models.SessionSnapshot{State: "IDLE", Elapsed: "00:00"},
	}
}

// Err returns the error that ended the feed, if any.
func (m Model) Err() error { return m.err }

// Init starts listening to the feed.
func (m Model) Init() tea.Cmd {
	return m.listen()
}

func (m Model) listen() tea.Cmd {
	if m.src == nil {
		return nil
	}
	src := m.src
	return func() tea.Msg {
		msg, err := src.Receive()
		if err != nil {
			return feedClosedMsg{err: err}
		}
		return hubMsg(msg)
	}
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = min(max(msg.Width-12, 20), 80)
		return m, nil

	case hubMsg:
		m.apply(models.WSMessage(msg))
		return m, m.listen()

	case feedClosedMsg:
		m.err = msg.err
		return m, tea.Quit

	case cancelDoneMsg:
		if msg.err != nil {
			m.notice = "Cancel failed: " + msg.err.Error()
		} else {
			m.notice = ""
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "c":
		if m.snap.State != "RUNNING" || m.api == nil {
			return m, nil
		}
		m.notice = "Cancelling..."
		api := m.api
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return cancelDoneMsg{err: api.Cancel(ctx)}
		}
	}
	return m, nil
}

func (m *Model) apply(msg models.WSMessage) {
	switch msg.Type {
	case "session":
		var snap models.SessionSnapshot
		if json.Unmarshal(msg.Payload, &snap) == nil {
			m.snap = snap
		}
	case "log":
		var line models.LogLine
		if json.Unmarshal(msg.Payload, &line) == nil {
			m.lines = append(m.lines, line)
			if len(m.lines) > visibleLines {
				m.lines = m.lines[len(m.lines)-visibleLines:]
			}
		}
	case "log_cleared":
		m.lines = nil
	}
}

// View renders the screen
func (m Model) View() string {
	var b strings.Builder

	if m.snap.Target.Name != "" {
		b.WriteString(titleStyle.Render(fmt.Sprintf("Backup: %s (%s)", m.snap.Target.Name, m.snap.Target.Address)))
	} else {
		b.WriteString(titleStyle.Render("No backup running"))
	}
	b.WriteString("  " + stateStyle(m.snap.State).Render(m.snap.State) + "\n\n")

	b.WriteString(m.progress.ViewAs(m.snap.OverallProgress/100) + "\n")
	if m.snap.CurrentFile != nil {
		file := *m.snap.CurrentFile
		if m.snap.FileProgress != nil {
			file = fmt.Sprintf("%s (%.0f%%)", file, *m.snap.FileProgress)
		}
		b.WriteString(dimStyle.Render("File: ") + file + "\n")
	}

	files := fmt.Sprintf("%d", m.snap.Stats.FilesProcessed)
	if m.snap.Stats.TotalFiles != nil {
		files = fmt.Sprintf("%d/%d", m.snap.Stats.FilesProcessed, *m.snap.Stats.TotalFiles)
	}
	b.WriteString(fmt.Sprintf("%s %s  %s %.2f MB  %s %s\n",
		dimStyle.Render("Files:"), files,
		dimStyle.Render("Size:"), m.snap.Stats.TotalSizeMB,
		dimStyle.Render("Elapsed:"), m.snap.Elapsed))

	if m.snap.ErrorMessage != nil {
		b.WriteString(errorStyle.Render("Error: "+*m.snap.ErrorMessage) + "\n")
	}

	if len(m.lines) > 0 {
		var logs []string
		for _, l := range m.lines {
			logs = append(logs, lineStyle(l.Kind).Render(l.Timestamp.Local().Format("15:04:05")+" "+l.Message))
		}
		b.WriteString("\n" + boxStyle.Render(strings.Join(logs, "\n")) + "\n")
	}

	if m.notice != "" {
		b.WriteString(warningStyle.Render(m.notice) + "\n")
	}
	b.WriteString(dimStyle.Render("c cancel • q quit"))
	return b.String()
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case "RUNNING":
		return lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	case "COMPLETED":
		return successStyle
	case "FAILED":
		return errorStyle
	case "CANCELLED":
		return warningStyle
	default:
		return dimStyle
	}
}

func lineStyle(kind string) lipgloss.Style {
	switch kind {
	case models.LogSuccess:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	case models.LogError:
		return lipgloss.NewStyle().Foreground(colorError)
	case models.LogWarning:
		return warningStyle
	default:
		return lipgloss.NewStyle()
	}
}

// Run watches the desk at baseURL until the user quits.
func Run(ctx context.Context, baseURL string) error {
	feed, err := Dial(ctx, baseURL)
	if err != nil {
		return err
	}
	defer feed.Close()

	final, err := tea.NewProgram(New(feed, NewAPI(baseURL)), tea.WithContext(ctx)).Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok && m.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("connection to desk lost: %w", m.Err())
	}
	return nil
}
