package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/pkg/models"
)

// ErrStopped is returned by commands sent after the reactor exited.
var ErrStopped = errors.New("session reactor stopped")

// PushLostMessage is the failure reported when the push channel stays down
// past the stall timeout.
const PushLostMessage = "Push channel lost"

const connectedNote = "Connected to backup server"

// Sink receives session updates. Calls come from the reactor goroutine and
// must not block for long.
type Sink interface {
	SessionChanged(snap models.SessionSnapshot)
	LogAppended(line models.LogLine)
	LogCleared()
}

// Targets is the part of the registry the reactor needs
type Targets interface {
	Get(id string) (models.Target, error)
	RecordBackupCompleted(ctx context.Context, id string, ts time.Time) error
}

// Activity records journal entries
type Activity interface {
	Record(ctx context.Context, message string) (models.ActivityEntry, error)
}

// Push is the inbound side of the push channel
type Push interface {
	Messages() <-chan network.Message
}

// Config is the configuration for the reactor.
type Config struct {
	EstimatorInterval time.Duration
	ClockInterval     time.Duration
	// StallTimeout fails a running session whose push channel has been down
	// this long. Zero disables the watchdog.
	StallTimeout time.Duration
	Policy       CompletionPolicy
	LogChance    float64
	// Rand seeds the estimator of each new session. Optional.
	Rand func() *rand.Rand
	// NewID mints the identity of each new session.
	NewID func() string
	Now   func() time.Time
}

func (c *Config) defaults() {
	if c.EstimatorInterval <= 0 {
		c.EstimatorInterval = 500 * time.Millisecond
	}
	if c.ClockInterval <= 0 {
		c.ClockInterval = time.Second
	}
	if c.StallTimeout < 0 {
		c.StallTimeout = 0
	}
	if c.Policy == nil {
		c.Policy = DefaultPolicy()
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Status is what presentation needs to render the session
type Status struct {
	Active   bool                   `json:"active"`
	Snapshot models.SessionSnapshot `json:"session"`
	Log      []models.LogLine       `json:"log"`
}

type startOutcome struct {
	machine *Machine
	result  network.Result
	err     error
}

// Reactor owns the current session and serialises everything that touches
// it: commands, push messages, start responses and timer ticks.
type Reactor struct {
	cfg       Config
	targets   Targets
	activity  Activity
	push      Push
	initiator *Initiator
	sink      Sink

	commands    chan func(context.Context)
	completions chan startOutcome
	done        chan struct{}

	// loop state
	current   *Machine
	estimator *time.Ticker
	clock     *time.Ticker
	downSince time.Time
}

// NewReactor creates a new reactor. Run must be called for it to do anything.
func NewReactor(cfg Config, targets Targets, activity Activity, push Push, initiator *Initiator, sink Sink) *Reactor {
	cfg.defaults()
	if sink == nil {
		sink = nopSink{}
	}
	return &Reactor{
		cfg:         cfg,
		targets:     targets,
		activity:    activity,
		push:        push,
		initiator:   initiator,
		sink:        sink,
		commands:    make(chan func(context.Context)),
		completions: make(chan startOutcome, 4),
		done:        make(chan struct{}),
		// down until the first connect
		downSince: cfg.Now(),
	}
}

// SetSink replaces the sink. It must be called before Run.
func (r *Reactor) SetSink(sink Sink) {
	if sink == nil {
		sink = nopSink{}
	}
	r.sink = sink
}

// Run processes events until ctx is cancelled.
func (r *Reactor) Run(ctx context.Context) error {
	defer close(r.done)
	defer r.stopTimers()

	log.Debug().Msg("Session reactor started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Session reactor stopped")
			return nil
		case cmd := <-r.commands:
			cmd(ctx)
		case msg, ok := <-r.push.Messages():
			if !ok {
				return nil
			}
			r.handlePush(ctx, msg)
		case out := <-r.completions:
			r.handleStartOutcome(ctx, out)
		case <-tickC(r.estimator):
			if r.current != nil && r.current.EstimatorTick() {
				r.publish()
			}
		case <-tickC(r.clock):
			r.handleClock(ctx)
		}
	}
}

// Start begins a backup of the target with the given id.
func (r *Reactor) Start(ctx context.Context, targetID string) (models.SessionSnapshot, error) {
	var (
		snap models.SessionSnapshot
		err  error
	)
	callErr := r.call(ctx, func(loopCtx context.Context) {
		snap, err = r.start(loopCtx, targetID)
	})
	if callErr != nil {
		return models.SessionSnapshot{}, callErr
	}
	return snap, err
}

// Cancel stops the running session.
func (r *Reactor) Cancel(ctx context.Context) (models.SessionSnapshot, error) {
	var (
		snap models.SessionSnapshot
		err  error
	)
	callErr := r.call(ctx, func(loopCtx context.Context) {
		if r.current == nil {
			err = ErrNotRunning
			return
		}
		var tr Transition
		tr, err = r.current.Cancel()
		if err != nil {
			return
		}
		r.settle(loopCtx, tr)
		snap = r.current.Snapshot()
	})
	if callErr != nil {
		return models.SessionSnapshot{}, callErr
	}
	return snap, err
}

// ClearLog empties the session log.
func (r *Reactor) ClearLog(ctx context.Context) error {
	return r.call(ctx, func(context.Context) {
		if r.current != nil {
			r.current.ClearLog()
		}
		r.sink.LogCleared()
	})
}

// Status returns the current session and its log.
func (r *Reactor) Status(ctx context.Context) (Status, error) {
	var st Status
	err := r.call(ctx, func(context.Context) {
		if r.current == nil {
			st = Status{Snapshot: idleSnapshot(), Log: []models.LogLine{}}
			return
		}
		st = Status{
			Active:   r.current.State() == StateRunning,
			Snapshot: r.current.Snapshot(),
			Log:      r.current.Lines(),
		}
	})
	return st, err
}

func (r *Reactor) call(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	cmd := func(loopCtx context.Context) {
		defer close(finished)
		fn(loopCtx)
	}
	select {
	case r.commands <- cmd:
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (r *Reactor) start(ctx context.Context, targetID string) (models.SessionSnapshot, error) {
	if r.current != nil && r.current.State() == StateRunning {
		return models.SessionSnapshot{}, ErrSessionActive
	}
	target, err := r.targets.Get(targetID)
	if err != nil {
		return models.SessionSnapshot{}, fmt.Errorf("start backup: %w", err)
	}

	sessionID := r.cfg.NewID()
	send, err := r.initiator.Begin(target, sessionID)
	if err != nil {
		return models.SessionSnapshot{}, err
	}

	m := r.newMachine()
	if _, err := m.Start(target.Ref(), sessionID); err != nil {
		return models.SessionSnapshot{}, err
	}
	r.current = m
	r.startTimers()

	log.Info().Str("server", target.Name).Str("session", sessionID).Msg("Backup session started")
	r.sink.LogCleared()
	r.publish()

	go func() {
		res, err := send(ctx)
		select {
		case r.completions <- startOutcome{machine: m, result: res, err: err}:
		case <-ctx.Done():
		}
	}()
	return m.Snapshot(), nil
}

func (r *Reactor) newMachine() *Machine {
	ecfg := EstimatorConfig{LogChance: r.cfg.LogChance}
	if r.cfg.Rand != nil {
		ecfg.Rand = r.cfg.Rand()
	}
	return NewMachine(MachineConfig{
		Policy:    r.cfg.Policy,
		Estimator: NewEstimator(ecfg),
		Now:       r.cfg.Now,
	})
}

func (r *Reactor) handleStartOutcome(ctx context.Context, out startOutcome) {
	if out.machine != r.current {
		log.Debug().Str("session", out.machine.SessionID()).Msg("Discarding stale start response")
		return
	}
	success, message := out.result.Success, out.result.Message
	switch {
	case out.err != nil:
		log.Error().Err(out.err).Str("server", out.machine.Target().Name).Msg("Start request failed")
		success, message = false, network.NetworkErrorMessage
	case !success:
		message = out.result.Failure()
	}
	tr := r.current.StartResult(out.machine.SessionID(), success, message)
	r.settle(ctx, tr)
	r.publish()
}

func (r *Reactor) handlePush(ctx context.Context, msg network.Message) {
	switch msg.Event {
	case network.EventConnected:
		var data struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil || data.Status == "" {
			return
		}
		log.Info().Str("status", data.Status).Msg("Backup service greeting")
		if r.running() && data.Status != connectedNote {
			r.current.Note(models.LogInfo, data.Status)
			r.publish()
		}
	case network.EventConnect:
		r.downSince = time.Time{}
		if r.running() {
			r.current.Note(models.LogInfo, connectedNote)
			r.publish()
		}
	case network.EventDisconnect:
		if r.downSince.IsZero() {
			r.downSince = r.cfg.Now()
		}
		if r.running() {
			r.current.Note(models.LogWarning, "Disconnected from backup server")
			r.publish()
		}
	case network.EventSessionStarted:
		var data struct {
			SessionID  string `json:"session_id"`
			ServerName string `json:"server_name"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			log.Warn().Err(err).Msg("Malformed session started event")
			return
		}
		if !r.running() {
			return
		}
		if data.ServerName != "" && data.ServerName != r.current.Target().Name {
			log.Debug().Str("server", data.ServerName).Msg("Session started for another server")
			return
		}
		if prev := r.current.SessionID(); r.current.Rebind(data.SessionID) {
			log.Info().Str("previous", prev).Str("session", data.SessionID).Msg("Session rebound by backup service")
		}
		r.current.Note(models.LogInfo, "Backup session started for "+data.ServerName)
		r.publish()
	case network.EventBackupProgress:
		var ev ProgressEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Err(err).Msg("Malformed progress event")
			return
		}
		if r.current == nil {
			log.Debug().Str("message", ev.Message).Msg("Progress event with no session")
			return
		}
		if ev.SessionID != "" && ev.SessionID != r.current.SessionID() {
			log.Debug().Str("session", ev.SessionID).Str("message", ev.Message).Msg("Discarding progress for superseded session")
			return
		}
		tr := r.current.ApplyEvent(ev)
		r.settle(ctx, tr)
		r.publish()
	default:
		log.Debug().Str("event", msg.Event).Msg("Ignoring push event")
	}
}

func (r *Reactor) handleClock(ctx context.Context) {
	if !r.running() {
		return
	}
	r.current.ClockTick()
	if r.stalled() {
		log.Warn().Str("server", r.current.Target().Name).Dur("timeout", r.cfg.StallTimeout).Msg("Push channel lost")
		r.settle(ctx, r.current.Fail(PushLostMessage))
	}
	r.publish()
}

// stalled reports whether the push channel has been down for the stall
// timeout, counted from the later of the disconnect and the session start.
func (r *Reactor) stalled() bool {
	if r.cfg.StallTimeout == 0 || r.downSince.IsZero() {
		return false
	}
	since := r.downSince
	if start := r.current.Snapshot().StartTime; start.After(since) {
		since = start
	}
	return r.cfg.Now().Sub(since) >= r.cfg.StallTimeout
}

// settle performs the side effects of leaving RUNNING.
func (r *Reactor) settle(ctx context.Context, tr Transition) {
	if !tr.Changed() || !tr.To.IsTerminal() {
		return
	}
	r.stopTimers()

	target := r.current.Target()
	logger := log.With().Str("server", target.Name).Str("state", string(tr.To)).Logger()
	switch tr.To {
	case StateCompleted:
		logger.Info().Msg("Backup completed")
		if err := r.targets.RecordBackupCompleted(ctx, target.ID, r.cfg.Now()); err != nil {
			logger.Error().Err(err).Msg("Failed to record last backup")
		}
		r.record(ctx, "Backup completed: "+target.Name)
	case StateFailed:
		var reason string
		if msg := r.current.Snapshot().ErrorMessage; msg != nil {
			reason = *msg
		}
		logger.Warn().Str("error", reason).Msg("Backup failed")
		r.record(ctx, fmt.Sprintf("Backup failed: %s - %s", target.Name, reason))
	case StateCancelled:
		logger.Info().Msg("Backup cancelled")
	}
}

func (r *Reactor) record(ctx context.Context, message string) {
	if _, err := r.activity.Record(ctx, message); err != nil {
		log.Error().Err(err).Msg("Failed to record activity")
	}
}

func (r *Reactor) publish() {
	if r.current == nil {
		return
	}
	for _, line := range r.current.TakeLines() {
		r.sink.LogAppended(line)
	}
	r.sink.SessionChanged(r.current.Snapshot())
}

func (r *Reactor) running() bool {
	return r.current != nil && r.current.State() == StateRunning
}

func (r *Reactor) startTimers() {
	r.stopTimers()
	r.estimator = time.NewTicker(r.cfg.EstimatorInterval)
	r.clock = time.NewTicker(r.cfg.ClockInterval)
}

func (r *Reactor) stopTimers() {
	if r.estimator != nil {
		r.estimator.Stop()
		r.estimator = nil
	}
	if r.clock != nil {
		r.clock.Stop()
		r.clock = nil
	}
}

// tickC returns the ticker channel, or nil (never ready) for a stopped ticker.
func tickC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func idleSnapshot() models.SessionSnapshot {
	return models.SessionSnapshot{State: string(StateIdle), Elapsed: FormatElapsed(0)}
}

type nopSink struct{}

func (nopSink) SessionChanged(models.SessionSnapshot) {}
func (nopSink) LogAppended(models.LogLine)            {}
func (nopSink) LogCleared()                           {}
