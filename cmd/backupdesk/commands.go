package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zangezia/backupdesk/internal/journal"
	"github.com/zangezia/backupdesk/internal/monitor"
	"github.com/zangezia/backupdesk/internal/tui"
	"github.com/zangezia/backupdesk/pkg/models"
)

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Manage registered servers",
}

var serversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered servers",
	Args:  cobra.NoArgs,
	RunE:  runServersList,
}

var serversAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a server",
	Args:  cobra.NoArgs,
	RunE:  runServersAdd,
}

var serversRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersRm,
}

var serversTestCmd = &cobra.Command{
	Use:   "test <id>",
	Short: "Test connectivity to a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runServersTest,
}

var backupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "Browse archives kept by the backup service",
}

var backupsListCmd = &cobra.Command{
	Use:   "list [server-id]",
	Short: "List backup archives, optionally of one server",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBackupsList,
}

var backupsStatusCmd = &cobra.Command{
	Use:   "status <server-id>",
	Short: "Show the backup service status of a server",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupsStatus,
}

var backupsRmCmd = &cobra.Command{
	Use:   "rm <backup-id>",
	Short: "Delete a backup archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackupsRm,
}

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show recent activity",
	Args:  cobra.NoArgs,
	RunE:  runActivity,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live backup session of a running desk",
	Args:  cobra.NoArgs,
	RunE:  runWatch,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, storage and service reachability",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	serversAddCmd.Flags().String("name", "", "server name")
	serversAddCmd.Flags().String("address", "", "server address")
	serversAddCmd.Flags().StringSlice("path", nil, "path to back up (repeatable)")
	serversAddCmd.Flags().String("username", "", "login user")
	serversAddCmd.Flags().String("password", "", "login password")
	serversAddCmd.Flags().Int("ssh-port", 0, "ssh port (default 22)")

	serversRmCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")
	backupsRmCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	watchCmd.Flags().String("url", "", "desk url (default: from web config)")

	serversCmd.AddCommand(serversListCmd, serversAddCmd, serversRmCmd, serversTestCmd)
	backupsCmd.AddCommand(backupsListCmd, backupsStatusCmd, backupsRmCmd)
}

func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runServersList(cmd *cobra.Command, args []string) error {
	setupLogging("")
	return withApp(func(ctx context.Context, a *app) error {
		targets := a.registry.List()
		if len(targets) == 0 {
			fmt.Println("No servers registered")
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("ID", "NAME", "ADDRESS", "STATUS", "LAST BACKUP", "PATHS")
		for _, s := range targets {
			last := "never"
			if s.LastBackup != nil {
				last = s.LastBackup.Local().Format(time.DateTime)
			}
			t.Row(s.ID, s.Name, s.Address, string(s.Status), last, strings.Join(s.Paths, ", "))
		}
		fmt.Println(t)
		return nil
	})
}

func runServersAdd(cmd *cobra.Command, args []string) error {
	setupLogging("")
	name, _ := cmd.Flags().GetString("name")
	address, _ := cmd.Flags().GetString("address")
	paths, _ := cmd.Flags().GetStringSlice("path")
	username, _ := cmd.Flags().GetString("username")
	password, _ := cmd.Flags().GetString("password")
	port, _ := cmd.Flags().GetInt("ssh-port")

	creds := map[string]any{}
	if username != "" {
		creds["username"] = username
	}
	if password != "" {
		creds["password"] = password
	}
	if port != 0 {
		creds["port"] = port
	}
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	return withApp(func(ctx context.Context, a *app) error {
		t, err := a.registry.Add(ctx, models.Target{
			Name:        name,
			Address:     address,
			Credentials: raw,
			Paths:       paths,
		})
		if err != nil {
			return err
		}
		if _, err := a.journal.Record(ctx, "Server added: "+t.Name); err != nil {
			log.Warn().Err(err).Msg("Failed to record activity")
		}
		fmt.Printf("✓ Added %s (%s)\n", t.Name, t.ID)
		return nil
	})
}

func runServersRm(cmd *cobra.Command, args []string) error {
	setupLogging("")
	yes, _ := cmd.Flags().GetBool("yes")

	return withApp(func(ctx context.Context, a *app) error {
		t, err := a.registry.Get(args[0])
		if err != nil {
			return err
		}

		ok, err := confirmUnless(yes, t.Name, fmt.Sprintf("Remove server %s (%s)? [y/N] ", t.Name, t.Address))
		if err != nil || !ok {
			return err
		}

		if err := a.registry.Remove(ctx, t.ID); err != nil {
			return err
		}
		if _, err := a.journal.Record(ctx, "Server removed: "+t.Name); err != nil {
			log.Warn().Err(err).Msg("Failed to record activity")
		}
		fmt.Printf("✓ Removed %s\n", t.Name)
		return nil
	})
}

func runServersTest(cmd *cobra.Command, args []string) error {
	setupLogging("")
	return withApp(func(ctx context.Context, a *app) error {
		res, err := a.registry.TestConnection(ctx, args[0])
		if err != nil {
			return err
		}
		if !res.Success {
			fmt.Printf("✗ Offline: %s\n", res.Failure())
			return nil
		}
		msg := res.Message
		if msg == "" {
			msg = "Connected"
		}
		fmt.Printf("✓ Online: %s\n", msg)
		return nil
	})
}

func runBackupsList(cmd *cobra.Command, args []string) error {
	setupLogging("")
	return withApp(func(ctx context.Context, a *app) error {
		var serverName string
		if len(args) == 1 {
			t, err := a.registry.Get(args[0])
			if err != nil {
				return err
			}
			serverName = t.Name
		}

		backups, err := a.service.ListBackups(ctx, serverName)
		if err != nil {
			return err
		}
		if len(backups) == 0 {
			fmt.Println("No backups found")
			return nil
		}

		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("ID", "SERVER", "ARCHIVE", "SIZE", "FILES")
		for _, b := range backups {
			t.Row(b.ID(), b.ServerName, b.BackupName, fmt.Sprintf("%.2f MB", b.SizeMB), fmt.Sprint(b.FilesCount))
		}
		fmt.Println(t)
		return nil
	})
}

func runBackupsStatus(cmd *cobra.Command, args []string) error {
	setupLogging("")
	return withApp(func(ctx context.Context, a *app) error {
		t, err := a.registry.Get(args[0])
		if err != nil {
			return err
		}
		st, err := a.service.BackupStatus(ctx, t.Name)
		if err != nil {
			return err
		}

		fmt.Printf("%s: %s\n", t.Name, st.Status)
		if st.Status == "idle" {
			return nil
		}
		fmt.Printf("  progress: %.0f%%  files: %d/%d\n", st.Progress, st.FilesProcessed, st.TotalFiles)
		if st.CurrentFile != nil {
			fmt.Printf("  current:  %s\n", *st.CurrentFile)
		}
		if st.BackupFile != "" {
			fmt.Printf("  archive:  %s\n", st.BackupFile)
		}
		return nil
	})
}

func runBackupsRm(cmd *cobra.Command, args []string) error {
	setupLogging("")
	yes, _ := cmd.Flags().GetBool("yes")

	return withApp(func(ctx context.Context, a *app) error {
		backups, err := a.service.ListBackups(ctx, "")
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(backups, func(b models.BackupArchive) bool { return b.ID() == args[0] })
		if idx < 0 {
			return fmt.Errorf("backup %s: %w", args[0], models.ErrNotFound)
		}
		b := backups[idx]

		ok, err := confirmUnless(yes, b.BackupName, fmt.Sprintf("Delete backup %s of %s? [y/N] ", b.BackupName, b.ServerName))
		if err != nil || !ok {
			return err
		}

		if err := a.service.DeleteBackup(ctx, b.ID()); err != nil {
			return err
		}
		if _, err := a.journal.Record(ctx, "Backup deleted: "+b.ID()); err != nil {
			log.Warn().Err(err).Msg("Failed to record activity")
		}
		fmt.Printf("✓ Deleted %s\n", b.BackupName)
		return nil
	})
}

func runActivity(cmd *cobra.Command, args []string) error {
	setupLogging("")
	return withApp(func(ctx context.Context, a *app) error {
		entries := a.journal.Recent(journal.MaxEntries)
		if len(entries) == 0 {
			fmt.Println("No recent activity")
			return nil
		}
		for _, e := range entries {
			fmt.Printf("%s  %s\n", e.Timestamp.Local().Format(time.DateTime), e.Message)
		}
		return nil
	})
}

func runWatch(cmd *cobra.Command, args []string) error {
	setupLogging("")
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// The TUI owns the terminal.
	zerolog.SetGlobalLevel(zerolog.Disabled)

	base, _ := cmd.Flags().GetString("url")
	if base == "" {
		base = "http://" + cfg.Address()
	}
	return tui.Run(cmd.Context(), base)
}

func runCheck(cmd *cobra.Command, args []string) error {
	setupLogging("")

	log.Info().Msg("Checking backupdesk setup...")

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("✗ Configuration invalid")
		return err
	}
	log.Info().Msg("✓ Configuration loaded")

	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("✗ Storage unavailable")
		return err
	}
	defer a.Close()
	log.Info().Str("path", cfg.Storage.Path).Int("servers", len(a.registry.List())).Msg("✓ Storage ready")

	metrics := monitor.NewHost(time.Second, 1, cfg.Monitoring.NetworkSpeedBps, a.dataDir).Metrics(ctx)
	log.Info().Float64("free_gb", metrics.FreeDiskGB).Msg("✓ Data directory")

	if err := dialService(cfg.Service.URL, cfg.Service.Timeout); err != nil {
		log.Error().Err(err).Str("service", cfg.Service.URL).Msg("✗ Backup service unreachable")
		return nil
	}
	log.Info().Str("service", cfg.Service.URL).Msg("✓ Backup service reachable")
	log.Info().Msg("")
	log.Info().Msg("System ready! Start the desk with: backupdesk")
	return nil
}

// dialService checks that something listens on the service host and port.
func dialService(rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	conn, err := net.DialTimeout("tcp", host, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

// confirmUnless asks question on the terminal unless yes is set. Without a
// terminal it refuses instead of guessing.
func confirmUnless(yes bool, subject, question string) (bool, error) {
	if yes {
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("refusing to remove %s without --yes (stdin is not a TTY)", subject)
	}
	ok, err := confirm(question)
	if err != nil {
		return false, err
	}
	if !ok {
		fmt.Println("Aborted")
	}
	return ok, nil
}

func confirm(question string) (bool, error) {
	fmt.Print(question)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("could not read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
