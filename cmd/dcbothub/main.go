package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/spachava753/dcbothub/internal/config"
	"github.com/spachava753/dcbothub/internal/executor"
)

const prompt = ">>> "

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("dcbothub failed", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:           "dcbothub",
		Short:         "Supervise a set of bot processes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := setupLogger(logLevel); err != nil {
				return err
			}
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath, "bot descriptor file (.toml, .yaml or .yml)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	return cmd
}

// setupLogger installs the default logger: text on a terminal, JSON
// otherwise, tagged with a per-run session id.
func setupLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: lvl}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	slog.SetDefault(slog.New(handler).With("session", uuid.NewString()))
	return nil
}

func run(parent context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	defer func() {
		signal.Stop(sigChan)
		cancel()
	}()

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("interrupt received, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	lock := flock.New(configPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another supervisor is running for %s", configPath)
	}
	defer func() { _ = lock.Unlock() }()

	bots, err := config.LoadBots(configPath)
	if err != nil {
		return fmt.Errorf("loading bots: %w", err)
	}
	slog.Info("bots loaded", "config", configPath, "count", len(bots.Bots), "control_bot", bots.ControlBot)

	p := ""
	if term.IsTerminal(int(os.Stdin.Fd())) {
		p = prompt
	}
	sup := executor.NewSupervisor(bots, os.Stdin, os.Stdout, p)
	defer sup.Shutdown()

	if err := sup.Start(); err != nil {
		return err
	}
	return sup.Run(ctx)
}
