package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/pkg/models"
)

// DefaultSchedule re-tests the online servers every five minutes.
const DefaultSchedule = "@every 5m"

// Tester is the part of the registry the sweeper drives
type Tester interface {
	List() []models.Target
	TestConnection(ctx context.Context, id string) (network.Result, error)
}

// Sweeper periodically re-tests connectivity of every online server.
type Sweeper struct {
	tester Tester
	cron   *cron.Cron
	ctx    context.Context
}

// NewSweeper schedules a sweep on schedule, a cron spec or descriptor such
// as "@every 5m".
func NewSweeper(tester Tester, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	s := &Sweeper{
		tester: tester,
		cron:   cron.New(),
		ctx:    context.Background(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep(s.ctx) }); err != nil {
		return nil, fmt.Errorf("invalid connectivity schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done. Running sweeps are
// waited for before returning.
func (s *Sweeper) Run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("Connectivity sweep scheduled")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Sweep tests every online server concurrently and returns when all tests
// finished. Offline servers are left alone.
func (s *Sweeper) Sweep(ctx context.Context) int {
	var (
		wg     sync.WaitGroup
		tested int
	)
	for _, t := range s.tester.List() {
		if t.Status != models.StatusOnline {
			continue
		}
		tested++
		wg.Add(1)
		go func(t models.Target) {
			defer wg.Done()
			res, err := s.tester.TestConnection(ctx, t.ID)
			switch {
			case err != nil:
				log.Warn().Err(err).Str("server", t.Name).Msg("Connectivity check failed")
			case !res.Success:
				log.Warn().Str("server", t.Name).Str("reason", res.Failure()).Msg("Server went offline")
			default:
				log.Debug().Str("server", t.Name).Msg("Server online")
			}
		}(t)
	}
	wg.Wait()
	return tested
}
