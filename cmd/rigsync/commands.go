package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/rigsync/internal/mirror"
	"github.com/danmuck/rigsync/internal/rig"
	"github.com/danmuck/rigsync/internal/session"
	"github.com/danmuck/rigsync/internal/view"
	"github.com/spf13/cobra"
)

func newStatusCmd(flags *clientFlags) *cobra.Command {
	var settle time.Duration
	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"sync"},
		Short:   "Request state, health and sessions, then print the mirror",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
			defer cancel()

			updates := make(chan struct{}, 1)
			hooks := session.Hooks{
				OnMirrorUpdate: func(string, mirror.MergeResult) {
					select {
					case updates <- struct{}{}:
					default:
					}
				},
			}
			return withSession(ctx, cfg, hooks, func(c *session.Client) error {
				for _, req := range []func() error{c.RequestStateSync, c.RequestSystemStatus, c.RequestSessions} {
					if err := req(); err != nil {
						return err
					}
				}
				waitQuiet(ctx, updates, settle)
				fmt.Fprint(cmd.OutOrStdout(), view.Render(c.Mirror().Snapshot(), c.State(), nil, 0))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&settle, "settle", 500*time.Millisecond, "quiet period after the last update before printing")
	return cmd
}

// waitQuiet returns once no update has arrived for settle, or ctx ends.
func waitQuiet(ctx context.Context, updates <-chan struct{}, settle time.Duration) {
	timer := time.NewTimer(settle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			return
		case <-updates:
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(settle)
		}
	}
}

func newModeCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "mode <manual|auto|hybrid|offline>",
		Short:     "Request a controller mode change",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"manual", "auto", "hybrid", "offline"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := rig.ParseMode(args[0])
			if !mode.Known() {
				return fmt.Errorf("unknown mode %q", args[0])
			}
			return runOneShot(cmd, flags, func(c *session.Client) error {
				if err := c.RequestModeChange(mode); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "mode change requested: %s\n", mode)
				return nil
			})
		},
	}
}

func newMotorCmd(flags *clientFlags) *cobra.Command {
	var sense string
	cmd := &cobra.Command{
		Use:   "motor <actuator> <rpm>",
		Short: "Command one actuator's velocity",
		Long: `Command one actuator. A signed rpm picks the direction (negative is
CCW) unless --direction is given, in which case rpm is taken as a magnitude.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := rig.ActuatorID(args[0])
			rpm, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid rpm %q: %w", args[1], err)
			}
			send := func(c *session.Client) error { return c.SendActuatorCommand(id, rpm) }
			if cmd.Flags().Changed("direction") {
				s, err := rig.ParseSense(sense)
				if err != nil {
					return err
				}
				send = func(c *session.Client) error { return c.SendActuatorCommandSense(id, rpm, s) }
			}
			return runOneShot(cmd, flags, func(c *session.Client) error {
				if err := send(c); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "command sent: %s %s\n", id, args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sense, "direction", "", "CW or CCW")
	return cmd
}

func newStopCmd(flags *clientFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Trigger a controller-wide emergency stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneShot(cmd, flags, func(c *session.Client) error {
				if err := c.EmergencyStop(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "emergency stop sent")
				return nil
			})
		},
	}
}

func runOneShot(cmd *cobra.Command, flags *clientFlags, fn func(*session.Client) error) error {
	cfg, err := flags.resolve(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout)
	defer cancel()
	return withSession(ctx, cfg, session.Hooks{}, func(c *session.Client) error {
		if !c.APIAccess() && cfg.Role == session.RoleControl {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: controller granted read-only access; the command may be refused")
		}
		return fn(c)
	})
}
