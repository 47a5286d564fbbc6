package main

import (
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/danmuck/rigsync/internal/session"
	"github.com/danmuck/rigsync/internal/view"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd(flags *clientFlags) *cobra.Command {
	var refresh time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Hold a session open and render the live mirror",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			feed := view.NewFeed(64)
			client, err := newClient(cfg, feed.Hooks(session.Hooks{}))
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Connect(); err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if cfg.MetricsAddr != "" {
				g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
			}
			g.Go(func() error {
				defer stop()
				program := tea.NewProgram(
					view.NewModel(client, feed.Events(), refresh),
					tea.WithContext(gctx),
					tea.WithAltScreen(),
				)
				_, err := program.Run()
				if gctx.Err() != nil {
					return nil
				}
				return err
			})
			err = g.Wait()
			log.Debug().Msgf("rigsync.watch exit state=%s", client.State())
			return err
		},
	}
	cmd.Flags().DurationVar(&refresh, "refresh", 500*time.Millisecond, "view refresh interval")
	return cmd
}

