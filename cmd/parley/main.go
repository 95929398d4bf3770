package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hamzawahab/parley/internal/config"
	"github.com/hamzawahab/parley/internal/logger"
	"github.com/hamzawahab/parley/internal/session"
	"github.com/hamzawahab/parley/internal/ui"
	"github.com/hamzawahab/parley/internal/version"
)

type options struct {
	home        string
	username    string
	port        int
	downloadDir string
	hidden      bool
	noPopups    bool
	debug       bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "parley",
		Short:         "parley - chat and share files with people on your LAN",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.home, "home", "", "config and data directory (default $PARLEY_HOME or ~/.parley)")
	flags.StringVarP(&opts.username, "username", "u", "", "name announced to other peers")
	flags.IntVarP(&opts.port, "port", "p", 0, "TCP port for chat and transfers")
	flags.StringVarP(&opts.downloadDir, "download-dir", "d", "", "auto-save incoming files below this directory")
	flags.BoolVar(&opts.hidden, "hidden", false, "open chat windows for incoming messages hidden")
	flags.BoolVar(&opts.noPopups, "no-popups", false, "disable notification popups")
	flags.BoolVar(&opts.debug, "debug", false, "write debug lines to the log file")
	return cmd
}

// applyFlags overrides persisted settings with the ones given on the
// command line. It reports whether anything changed.
func applyFlags(cmd *cobra.Command, cfg *config.Config, opts *options) bool {
	changed := false
	flags := cmd.Flags()
	if flags.Changed("username") && strings.TrimSpace(opts.username) != "" {
		cfg.Username = strings.TrimSpace(opts.username)
		changed = true
	}
	if flags.Changed("port") && opts.port > 0 {
		cfg.ListenPort = opts.port
		changed = true
	}
	if flags.Changed("download-dir") {
		cfg.DownloadDir = strings.TrimSpace(opts.downloadDir)
		changed = true
	}
	if flags.Changed("hidden") {
		cfg.OpenChatHidden = opts.hidden
		changed = true
	}
	if flags.Changed("no-popups") {
		cfg.NotificationPopup = !opts.noPopups
		changed = true
	}
	return changed
}

func run(parent context.Context, cmd *cobra.Command, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(opts.home)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if applyFlags(cmd, cfg, opts) {
		if err := cfg.Save(); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("failed to prepare directories: %w", err)
	}
	log, err := logger.New(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialise logger: %w", err)
	}
	log.SetDebug(opts.debug)

	ip, err := config.GetLocalIP()
	if err != nil {
		ip = "127.0.0.1"
	}

	sess := session.New(cfg, log, ip)
	defer sess.Close()
	console, err := ui.New(sess)
	if err != nil {
		return fmt.Errorf("failed to initialise terminal: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.Loop.Run(gctx)
	})
	if err := sess.Start(console.Windows(), console.Buddies(), console); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}
	g.Go(func() error {
		return sess.WatchNetwork(gctx, session.DefaultNetworkPoll)
	})
	g.Go(func() error {
		defer cancel()
		return console.Run(gctx)
	})
	return g.Wait()
}
