package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Conference/internal/adapters/http"
	"github.com/dkeye/Conference/internal/adapters/rtc"
	wssignal "github.com/dkeye/Conference/internal/adapters/signal"
	"github.com/dkeye/Conference/internal/app"
	"github.com/dkeye/Conference/internal/app/orch"
	"github.com/dkeye/Conference/internal/config"
	"github.com/dkeye/Conference/internal/media"
)

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("conference exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configEnv string
	cmd := &cobra.Command{
		Use:           "conference",
		Short:         "Multi-party WebRTC room server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configEnv, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().Int("port", 8080, "HTTP listen port")
	cmd.Flags().StringVar(&configEnv, "config-env", "", "config file suffix (config/config.<env>.yaml); defaults to $CONFIG_ENV or dev")
	cmd.Flags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	cmd.Flags().String("selection", string(media.RoundRobin), "engine selection: round_robin, least_loaded or second_least_loaded")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return errors.Wrapf(err, "log level %q", cfg.LogLevel)
	}
	zerolog.SetGlobalLevel(level)

	strategy, err := media.ParseStrategy(cfg.Selection)
	if err != nil {
		return err
	}
	policy, err := app.ParsePolicy(cfg.Backpressure)
	if err != nil {
		return err
	}
	pool, err := buildPool(cfg, strategy)
	if err != nil {
		return err
	}
	defer pool.Close()

	o := orch.New(app.NewRoomManager(pool, app.NewRegistry()), policy, cfg.Loopback)
	limiter := wssignal.NewRoomRateLimiter(cfg.MessageRate.Limit, cfg.MessageRate.Interval)
	ctl := wssignal.NewSignalWSController(o, limiter, wssignal.Options{ReadLimit: cfg.ReadLimit, PingPeriod: cfg.PingPeriod})

	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(srvCtx, cfg, o, ctl),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg := errgroup.Group{}
	eg.Go(func() error {
		log.Info().Str("addr", addr).Str("selection", string(strategy)).Int("engines", pool.Len()).Msg("Conference server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			srvCancel()
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-srvCtx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Closing rooms first tells participants before their sockets go.
		o.Close()
		srvCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited gracefully")
		return nil
	})
	return eg.Wait()
}

// buildPool registers one in-process engine per configured entry.
func buildPool(cfg *config.Config, strategy media.Strategy) (*media.Pool, error) {
	pool := media.NewPool(strategy)
	opts := rtc.Options{ICEServers: cfg.ICEServers, PortMin: cfg.UDPPortMin, PortMax: cfg.UDPPortMax}
	for _, ec := range cfg.Engines {
		if ec.URI != "" && !strings.HasPrefix(ec.URI, "local://") {
			pool.Close()
			return nil, errors.Errorf("engine %s: unsupported uri %q", ec.ID, ec.URI)
		}
		engine, err := rtc.NewEngine(ec.ID, opts)
		if err != nil {
			pool.Close()
			return nil, errors.Wrapf(err, "engine %s", ec.ID)
		}
		pool.Add(media.NewHandle(ec.ID, ec.URI, engine, media.SessionCapacityPolicy{Capacity: ec.Capacity}))
	}
	return pool, nil
}
