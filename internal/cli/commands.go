package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/eventrelay/internal/runtime"
	"github.com/tjfontaine/eventrelay/internal/upload"
)

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Flush bool
}

// NewSendCommand creates the send command.
func NewSendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "send <event-name> [key=value...]",
		Short: "Record an event and upload the queue",
		Long: `Record one event with optional parameters. Values that parse as JSON keep
their type; everything else is sent as a string.

Example:
  eventrelay send levelComplete level=3 difficulty=hard
  eventrelay send --flush=false appOpened`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "bad arguments", err)
			}

			sess, err := openRelay(cmd.Context(), opts.RootOptions, cmd, nil)
			if err != nil {
				return err
			}
			defer sess.close()
			relay := sess.relay

			out := formatter(opts.RootOptions, cmd)
			if err := relay.RecordEvent(cmd.Context(), args[0], params); err != nil {
				_ = out.Failure(nil, err)
				return WrapExitError(ExitFailure, "event not recorded", err)
			}
			if !opts.Flush {
				return out.Success(map[string]any{"recorded": args[0]}, fmt.Sprintf("recorded %s", args[0]))
			}

			res, err := relay.Upload(cmd.Context())
			return reportUpload(out, res, err)
		},
	}

	cmd.Flags().BoolVar(&opts.Flush, "flush", true, "upload the queue after recording")

	return cmd
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "flush",
		Short:         "Upload every queued event now",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openRelay(cmd.Context(), rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer sess.close()
			relay := sess.relay

			res, err := relay.Upload(cmd.Context())
			return reportUpload(formatter(rootOpts, cmd), res, err)
		},
	}
}

func reportUpload(out *OutputFormatter, res upload.Result, err error) error {
	if err != nil {
		_ = out.Failure(res, err)
		return WrapExitError(ExitFailure, "upload failed", err)
	}
	return out.Success(res, fmt.Sprintf("uploaded %d events (%d attempts, %s)", res.Sent, res.Attempts, res.Duration))
}

// NewEngageCommand creates the engage command.
func NewEngageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "engage <decision-point> [key=value...]",
		Short: "Request an engagement decision",
		Long: `Request engagement data for a decision point. When the request fails the
last successful response for that decision point is returned instead.

Example:
  eventrelay engage storeOffer level=3`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "bad arguments", err)
			}

			sess, err := openRelay(cmd.Context(), rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer sess.close()
			relay := sess.relay

			out := formatter(rootOpts, cmd)
			res := relay.Engage(cmd.Context(), args[0], params)
			data := map[string]any{
				"decision_point": res.DecisionPoint,
				"source":         res.Source,
				"response":       res.Response,
			}
			if res.Empty() {
				err := res.Err
				if err == nil {
					err = errors.New("empty engagement result")
				}
				_ = out.Failure(data, err)
				return WrapExitError(ExitFailure, "no engagement data", err)
			}
			out.VerboseLog("engagement source: %s", res.Source)
			return out.Success(data, string(res.Raw))
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show queue, identity, and cache state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openRelay(cmd.Context(), rootOpts, cmd, nil)
			if err != nil {
				return err
			}
			defer sess.close()
			relay := sess.relay

			st, err := relay.Status()
			if err != nil {
				return WrapExitError(ExitFailure, "status unavailable", err)
			}
			return formatter(rootOpts, cmd).Success(st, statusText(st))
		},
	}
}

func statusText(st runtime.Status) string {
	var b strings.Builder
	userID := st.UserID
	if userID == "" {
		userID = "(none)"
	}
	fmt.Fprintf(&b, "user id:      %s (%s)\n", userID, st.IdentityState)
	fmt.Fprintf(&b, "queued:       %d active, %d awaiting retry (capacity %d)\n", st.ActiveEvents, st.DrainEvents, st.Capacity)
	fmt.Fprintf(&b, "engagements:  %d cached\n", st.CachedEngagements)
	fmt.Fprintf(&b, "durable:      events=%t engagements=%t", st.EventsDurable, st.EngagementsDurable)
	return b.String()
}

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Events      bool
	Engagements bool
	Identity    bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete stored state",
		Long: `Delete queued events, cached engagements, and/or the stored user id.
With no flags everything is deleted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var scope runtime.ResetScope
			if opts.Events {
				scope |= runtime.ResetEvents
			}
			if opts.Engagements {
				scope |= runtime.ResetEngagements
			}
			if opts.Identity {
				scope |= runtime.ResetIdentity
			}
			if scope == 0 {
				scope = runtime.ResetAll
			}

			sess, err := openRelay(cmd.Context(), opts.RootOptions, cmd, nil)
			if err != nil {
				return err
			}
			defer sess.close()
			relay := sess.relay

			if err := relay.Reset(cmd.Context(), scope); err != nil {
				return WrapExitError(ExitFailure, "reset failed", err)
			}
			return formatter(opts.RootOptions, cmd).Success(map[string]any{"reset": true}, "reset complete")
		},
	}

	cmd.Flags().BoolVar(&opts.Events, "events", false, "delete queued events")
	cmd.Flags().BoolVar(&opts.Engagements, "engagements", false, "delete cached engagements")
	cmd.Flags().BoolVar(&opts.Identity, "identity", false, "delete the stored user id")

	return cmd
}
