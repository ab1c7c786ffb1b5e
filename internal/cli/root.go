// Package cli implements the eventrelay command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/eventrelay/internal/pkg/config"
	"github.com/tjfontaine/eventrelay/internal/runtime"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// LogOutput receives structured logs. Defaults to the command's stderr.
	LogOutput io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the eventrelay CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "eventrelay",
		Short: "eventrelay - buffered analytics event delivery",
		Long: `Record analytics events durably, deliver them in batches to a collect
endpoint, and request engagement decisions with offline fallback.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", config.DefaultPath, "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewAgentCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewFlushCommand(opts))
	cmd.AddCommand(NewEngageCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// session is an open relay plus the logging state built for it.
type session struct {
	relay  *runtime.Relay
	cfg    *config.Config
	logger *slog.Logger
	level  *slog.LevelVar
}

func (s *session) close() {
	if err := s.relay.Close(); err != nil {
		s.logger.Error("error closing relay", slog.String("error", err.Error()))
	}
}

// openRelay loads configuration and creates a relay with a JSON logger.
func openRelay(ctx context.Context, opts *RootOptions, cmd *cobra.Command, mutate func(*config.Config)) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	level := new(slog.LevelVar)
	level.Set(logLevel(opts, cfg))
	w := opts.LogOutput
	if w == nil {
		w = cmd.ErrOrStderr()
	}
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))

	relay, err := runtime.New(ctx, runtime.WithConfig(cfg), runtime.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start relay", err)
	}
	return &session{relay: relay, cfg: cfg, logger: logger, level: level}, nil
}

func logLevel(opts *RootOptions, cfg *config.Config) slog.Level {
	switch {
	case cfg.Debug:
		return slog.LevelDebug
	case opts.Verbose:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

func formatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}
