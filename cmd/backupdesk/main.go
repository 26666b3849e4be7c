package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/zangezia/backupdesk/internal/config"
	"github.com/zangezia/backupdesk/internal/monitor"
	"github.com/zangezia/backupdesk/internal/network"
	"github.com/zangezia/backupdesk/internal/session"
	"github.com/zangezia/backupdesk/internal/web"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	cfgFile   string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "backupdesk",
	Short: "backupdesk - remote server backup console",
	Long: `backupdesk keeps a registry of remote servers, asks the backup service to back
them up and follows each backup live through a web API and the terminal.`,
	Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.Flags().Int("port", 0, "web server port")
	rootCmd.Flags().String("service", "", "backup service url")

	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(activityCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging("")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Web.Port = port
	}
	if svc, _ := cmd.Flags().GetString("service"); svc != "" {
		cfg.Service.URL = svc
	}
	pushURL, err := cfg.PushEndpoint()
	if err != nil {
		return fmt.Errorf("invalid push endpoint: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Starting backupdesk")

	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	push := network.NewPushClient(pushURL, cfg.Service.ReconnectDelay)
	initiator := session.NewInitiator(push, a.service)
	policy := session.DefaultPolicy()
	policy.Keyword = cfg.Session.CompletionKeyword
	reactor := session.NewReactor(session.Config{
		EstimatorInterval: cfg.Session.EstimatorInterval,
		ClockInterval:     cfg.Session.ClockInterval,
		StallTimeout:      cfg.Session.StallTimeout,
		Policy:            policy,
		LogChance:         cfg.Session.LogChance,
	}, a.registry, a.journal, push, initiator, nil)

	host := monitor.NewHost(
		cfg.Monitoring.PerformanceUpdateInterval,
		cfg.Monitoring.CPUSmoothingSamples,
		cfg.Monitoring.NetworkSpeedBps,
		a.dataDir,
	)
	server := web.NewServer(cfg, web.Deps{
		Registry: a.registry,
		Journal:  a.journal,
		Prefs:    a.prefs,
		Sessions: reactor,
		Host:     host,
		Backups:  a.service,
	})
	reactor.SetSink(server)

	sweeper, err := monitor.NewSweeper(a.registry, cfg.Monitoring.ConnectivitySchedule)
	if err != nil {
		return err
	}

	log.Info().Str("service", cfg.Service.URL).Str("push", pushURL).Msg("Backup service")
	log.Info().Int("servers", len(a.registry.List())).Msg("Registered servers")

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				log.Info().Msg("Shutting down gracefully...")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	addActor(ctx, &g, "push channel", push.Run)
	addActor(ctx, &g, "session reactor", reactor.Run)
	addActor(ctx, &g, "connectivity sweep", sweeper.Run)
	addActor(ctx, &g, "web server", server.Start)

	log.Info().Str("address", "http://"+cfg.Address()).Msg("Server is ready")
	return g.Run()
}

// addActor runs fn until it returns or the group is interrupted.
func addActor(parent context.Context, g *run.Group, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithCancel(parent)
	g.Add(
		func() error {
			if err := fn(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			log.Debug().Str("actor", name).Msg("Stopped")
			return nil
		},
		func(_ error) {
			cancel()
		},
	)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	setupLogging(cfg.Logging.Level)
	return cfg, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(level); err == nil && level != "" {
		lvl = parsed
	}
	if debug {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
