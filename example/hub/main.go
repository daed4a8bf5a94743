package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Zereker/peerhub"
)

// zerologLogger adapts zerolog to peerhub.Logger.
type zerologLogger struct {
	log zerolog.Logger
}

func (l zerologLogger) Debug(msg string, args ...any) { l.log.Debug().Fields(args).Msg(msg) }
func (l zerologLogger) Info(msg string, args ...any)  { l.log.Info().Fields(args).Msg(msg) }
func (l zerologLogger) Warn(msg string, args ...any)  { l.log.Warn().Fields(args).Msg(msg) }
func (l zerologLogger) Error(msg string, args ...any) { l.log.Error().Fields(args).Msg(msg) }

func main() {
	configPath := flag.String("config", "example/hub/config.toml", "hub configuration file")
	metricsAddr := flag.String("metrics", ":9100", "address of the /metrics endpoint, empty to disable")
	flag.Parse()

	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("app", "hub").Logger()
	logger := zerologLogger{log: zl}

	cfg, err := peerhub.LoadConfig(*configPath)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to load hub config")
	}
	addr, err := cfg.ListenAddr()
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid listen address")
	}
	opts, err := cfg.HubOptions()
	if err != nil {
		zl.Fatal().Err(err).Msg("invalid hub config")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics, err := peerhub.NewMetrics(reg)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to register metrics")
	}

	// Echo every text message back to its sender.
	var hub *peerhub.Hub
	opts = append(opts,
		peerhub.HubLoggerOption(logger),
		peerhub.HubMetricsOption(metrics),
		peerhub.HubChannelOptions(peerhub.OnTextMessageOption(func(m peerhub.TextMessage) {
			if err := hub.SendText(m.Identity, m.Text); err != nil {
				zl.Warn().Err(err).Str("identity", m.Identity.String()).Msg("echo failed")
			}
		})),
		peerhub.OnChannelConnectedOption(func(e peerhub.ChannelConnected) {
			zl.Info().Str("identity", e.Identity.String()).Int("online", len(hub.Channels())).Msg("peer connected")
		}),
		peerhub.OnChannelDisconnectedOption(func(e peerhub.Disconnected) {
			zl.Info().Str("identity", e.Identity.String()).AnErr("cause", e.Err).Msg("peer disconnected")
		}),
		peerhub.OnConnectionRefusedOption(func(e peerhub.ConnectionRefused) {
			zl.Warn().Str("identity", e.Identity.String()).Msg("hub full")
		}),
		peerhub.OnFailureOption(func(err error) {
			zl.Error().Err(err).Msg("hub loop failed")
		}),
	)

	hub, err = peerhub.NewHub(addr, opts...)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create hub")
	}

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return hub.Serve(ctx)
	})

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		group.Go(func() error {
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
	}

	zl.Info().Str("addr", hub.Addr().String()).Str("metrics", *metricsAddr).Msg("hub started")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error().Err(err).Msg("hub stopped")
		os.Exit(1)
	}
	zl.Info().Msg("hub stopped")
}
