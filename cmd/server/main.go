package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Relay/internal/adapters/brain"
	"github.com/dkeye/Relay/internal/adapters/callui"
	router "github.com/dkeye/Relay/internal/adapters/http"
	"github.com/dkeye/Relay/internal/adapters/rtc"
	"github.com/dkeye/Relay/internal/adapters/ws"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/signaling"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/discovery"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		os.Exit(1)
	}

	registry := app.NewRegistry()

	bridge := brain.New(cfg.BrainURL, registry, cfg.BrainTimeout)
	go bridge.Run(ctx)

	offers := rtc.NewOfferEngine(rtc.DefaultWebRTCConfig())
	signals := signaling.NewMachine(registry, offers, signaling.Config{
		OfferTimeout:  cfg.OfferTimeout,
		SweepInterval: cfg.SweepInterval,
		Observer:      callui.LogReporter{},
		Brain:         bridge,
	})
	go signals.Run(ctx)

	sessionRouter := app.NewRouter(registry, signals, bridge)

	ctl := ws.NewController(registry, sessionRouter)
	ctl.ReadLimit = cfg.ReadLimit
	ctl.PingPeriod = cfg.PingPeriod
	ctl.SendBuffer = cfg.SendBuffer

	if cfg.Advertise {
		adv := discovery.NewMDNS(cfg.ServiceName)
		if err := adv.Advertise(); err != nil {
			log.Warn().Err(err).Msg("mdns advertisement failed, continuing without it")
		} else {
			defer adv.Close()
		}
	}

	r := router.SetupRouter(ctx, cfg, ctl, registry, signals)
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Relay server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
