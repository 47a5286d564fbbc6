package main

import (
	"context"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/rigsync/internal/config"
	"github.com/danmuck/rigsync/internal/fakectl"
	"github.com/danmuck/rigsync/internal/protocol"
	"github.com/danmuck/rigsync/internal/rig"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type controllerFlags struct {
	configPath   string
	listen       string
	apiKey       string
	feedInterval time.Duration
}

func newControllerCmd() *cobra.Command {
	flags := &controllerFlags{}
	cmd := &cobra.Command{
		Use:   "fake-controller",
		Short: "Run an in-process rig controller for local testing",
		Long: `Run a websocket controller speaking the rig protocol. It authenticates
clients, applies motor and mode commands, broadcasts system_state on an
interval and can emit a synthetic feed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.resolve(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runController(ctx, cfg, flags.feedInterval)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "controller config file (.toml)")
	f.StringVar(&flags.listen, "listen", "", "listen address override")
	f.StringVar(&flags.apiKey, "api-key", "", "required API key; empty grants demo access")
	f.DurationVar(&flags.feedInterval, "feed-interval", 0, "emit a synthetic feed update at this interval (0 disables)")
	return cmd
}

func (f *controllerFlags) resolve(cmd *cobra.Command) (config.ControllerConfig, error) {
	cfg := config.DefaultControllerConfig()
	if f.configPath != "" {
		loaded, err := config.LoadControllerConfig(f.configPath)
		if err != nil {
			return config.ControllerConfig{}, err
		}
		cfg = loaded
	} else {
		config.ApplyControllerEnv(&cfg)
	}
	if cmd.Flags().Changed("listen") {
		cfg.Service.ListenAddr = f.listen
	}
	if cmd.Flags().Changed("api-key") {
		cfg.Service.APIKey = f.apiKey
	}
	return cfg, cfg.Validate()
}

func runController(ctx context.Context, cfg config.ControllerConfig, feedInterval time.Duration) error {
	svc := fakectl.NewService(cfg.Service)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, cfg.MetricsAddr) })
	}
	if feedInterval > 0 {
		g.Go(func() error {
			driveFeed(gctx, svc, feedInterval, rand.New(rand.NewSource(time.Now().UnixNano())))
			return nil
		})
	}
	return g.Wait()
}

// driveFeed emits a random-walk feed and maps it onto actuator commands.
func driveFeed(ctx context.Context, svc *fakectl.Service, interval time.Duration, rng *rand.Rand) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	price, gas, block := 3000.0, 20.0, int64(19_000_000)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		price += rng.NormFloat64() * 15
		gas = clamp(gas+rng.NormFloat64()*2, 1, 200)
		block++
		fullness := rng.Float64() * 100
		feed := map[string]any{
			protocol.FeedKeyPriceUSD:        price,
			protocol.FeedKeyGasPriceGwei:    gas,
			protocol.FeedKeyBaseFeeGwei:     gas * 0.9,
			protocol.FeedKeyBlobUtilization: rng.Float64() * 100,
			protocol.FeedKeyBlockFullness:   fullness,
			protocol.FeedKeyBlockNumber:     block,
			protocol.FeedKeyEpoch:           block / 32,
		}
		commands := map[rig.ActuatorID]fakectl.FeedCommand{
			rig.Canvas:        {Speed: gas, Sense: rig.Forward},
			rig.PenBrush:      {Speed: fullness / 2, Sense: senseOf(rng)},
			rig.PenColorDepth: {Speed: clamp(price/100, 0, 60), Sense: rig.Forward},
		}
		svc.BroadcastFeed(feed, commands)
	}
}

func senseOf(rng *rand.Rand) rig.Sense {
	if rng.Intn(2) == 0 {
		return rig.Reverse
	}
	return rig.Forward
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
