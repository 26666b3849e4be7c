package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/pkg/models"
)

// Emitter sends commands over the push channel.
type Emitter interface {
	Emit(event string, data any) error
}

// Starter performs the start backup request.
type Starter interface {
	StartBackup(ctx context.Context, req network.StartRequest) (network.Result, error)
}

// Initiator asks the backup service to begin a session for a target.
type Initiator struct {
	emitter Emitter
	starter Starter

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewInitiator creates a new initiator.
func NewInitiator(emitter Emitter, starter Starter) *Initiator {
	return &Initiator{
		emitter:  emitter,
		starter:  starter,
		inFlight: make(map[string]struct{}),
	}
}

// Initiate announces the session on the push channel and performs the start
// request. A second call for the same target while one is pending returns
// ErrStartInFlight.
func (i *Initiator) Initiate(ctx context.Context, target models.Target, sessionID string) (network.Result, error) {
	send, err := i.Begin(target, sessionID)
	if err != nil {
		return network.Result{}, err
	}
	return send(ctx)
}

// Begin reserves target and returns the function that performs the start.
// The reservation is released when that function returns.
func (i *Initiator) Begin(target models.Target, sessionID string) (func(context.Context) (network.Result, error), error) {
	i.mu.Lock()
	if _, busy := i.inFlight[target.ID]; busy {
		i.mu.Unlock()
		return nil, ErrStartInFlight
	}
	i.inFlight[target.ID] = struct{}{}
	i.mu.Unlock()

	return func(ctx context.Context) (network.Result, error) {
		defer i.release(target.ID)
		return i.send(ctx, target, sessionID)
	}, nil
}

// InFlight reports whether a start request for id is pending.
func (i *Initiator) InFlight(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.inFlight[id]
	return ok
}

func (i *Initiator) send(ctx context.Context, target models.Target, sessionID string) (network.Result, error) {
	err := i.emitter.Emit(network.CommandStartSession, map[string]string{
		"serverName": target.Name,
		"sessionId":  sessionID,
	})
	if err != nil {
		log.Warn().Err(err).Str("server", target.Name).Msg("Failed to announce backup session")
	}

	log.Info().Str("server", target.Name).Str("session", sessionID).Msg("Requesting backup start")
	return i.starter.StartBackup(ctx, network.StartRequest{
		ServerName:  target.Name,
		Address:     target.Address,
		Credentials: target.Credentials,
		Paths:       target.Paths,
		SessionID:   sessionID,
	})
}

func (i *Initiator) release(id string) {
	i.mu.Lock()
	delete(i.inFlight, id)
	i.mu.Unlock()
}
