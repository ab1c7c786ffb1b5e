package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/eventrelay/internal/pkg/config"
	"github.com/tjfontaine/eventrelay/internal/server"
	"github.com/tjfontaine/eventrelay/internal/telemetry"
)

// AgentOptions holds flags for the agent command.
type AgentOptions struct {
	*RootOptions
	Addr string
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AgentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local relay agent",
		Long: `Run a long-lived relay that accepts events and engagement requests over a
local HTTP API and uploads the queue periodically.

Endpoints:
  POST /v1/events              record one event or an array of events
  POST /v1/engage/{decision}   request engagement data
  POST /v1/flush               upload now
  GET  /v1/status              queue, identity, and cache state
  GET  /metrics                Prometheus metrics
  GET  /healthz                liveness`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides agent.addr)")

	return cmd
}

func runAgent(cmd *cobra.Command, opts *AgentOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The agent always logs at info or above.
	opts.Verbose = true

	sess, err := openRelay(ctx, opts.RootOptions, cmd, func(c *config.Config) {
		c.Upload.Auto = true
		if opts.Addr != "" {
			c.Agent.Addr = opts.Addr
		}
	})
	if err != nil {
		return err
	}
	defer sess.close()
	logger := sess.logger

	if sess.cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer("eventrelay-agent", cmd.ErrOrStderr(), logger)
		if err != nil {
			logger.Warn("tracing disabled", slog.String("error", err.Error()))
		} else {
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(sctx)
			}()
		}
	}

	if err := config.Watch(ctx, opts.ConfigPath, logger, func(cfg *config.Config) {
		applyReload(sess, opts.RootOptions, cfg)
	}); err != nil {
		logger.Warn("config hot-reload disabled", slog.String("error", err.Error()))
	}

	srv := server.New(sess.cfg.Agent.Addr, sess.relay, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return WrapExitError(ExitCommandError, "agent server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("agent shutdown failed", slog.String("error", err.Error()))
	}
	return nil
}

// applyReload applies the settings a running agent can change in place: the
// log level and the upload interval. Everything else needs a restart.
func applyReload(sess *session, opts *RootOptions, cfg *config.Config) {
	sess.level.Set(logLevel(opts, cfg))
	if cfg.Upload.Interval != sess.cfg.Upload.Interval {
		if err := sess.relay.SetUploadInterval(cfg.Upload.Interval); err != nil {
			sess.logger.Warn("upload interval not changed", slog.String("error", err.Error()))
			return
		}
		sess.cfg.Upload.Interval = cfg.Upload.Interval
	}
}
