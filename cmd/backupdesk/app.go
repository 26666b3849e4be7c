package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/zangezia/backupdesk/internal/config"
	"github.com/zangezia/backupdesk/internal/journal"
	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/internal/prefs"
	"github.com/zangezia/backupdesk/internal/registry"
	"github.com/zangezia/backupdesk/internal/store"
	"github.com/zangezia/backupdesk/internal/store/sqlite"
)

// app holds the persisted services shared by every command.
type app struct {
	db       *sqlite.Store
	dataDir  string
	registry *registry.Registry
	journal  *journal.Journal
	prefs    *prefs.Prefs
	service  *network.Client
}

func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := sqlite.Open(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("could not open storage: %w", err)
	}

	var st store.Store = db
	if cfg.Storage.AgeIdentityFile != "" {
		id, err := store.LoadIdentity(cfg.Storage.AgeIdentityFile)
		if err != nil {
			db.Close()
			return nil, err
		}
		st = store.NewSealed(db, id, store.KeyServers)
		log.Debug().Str("recipient", id.Recipient().String()).Msg("Server records are encrypted")
	}

	reg, err := registry.New(ctx, st, newProber(cfg))
	if err != nil {
		db.Close()
		return nil, err
	}
	jr, err := journal.New(ctx, st)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		db:       db,
		dataDir:  filepath.Dir(cfg.Storage.Path),
		registry: reg,
		journal:  jr,
		prefs:    prefs.New(st),
		service:  network.NewClient(cfg.Service.URL, cfg.Service.Timeout),
	}, nil
}

func (a *app) Close() error { return a.db.Close() }

func newProber(cfg *config.Config) registry.Prober {
	if cfg.Service.Probe == config.ProbeSSH {
		return network.NewSSHProber(cfg.Service.Timeout)
	}
	return network.NewClient(cfg.Service.URL, cfg.Service.Timeout)
}
