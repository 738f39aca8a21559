package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/neilyboy/SoundMesh/internal/config"
	"github.com/neilyboy/SoundMesh/internal/control"
	"github.com/neilyboy/SoundMesh/internal/session"
	"github.com/neilyboy/SoundMesh/internal/store"
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
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	st := store.Open(cfg.StatePath)

	mgr := session.New(session.Options{
		Store:             st,
		ICEServers:        cfg.ICEServers,
		CandidatePacing:   cfg.CandidatePacing,
		AuthSettleDelay:   cfg.AuthSettleDelay,
		MediaRestartDelay: cfg.MediaRestartDelay,
		ReconnectMinDelay: cfg.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
	})

	go mgr.Run(ctx)

	if cfg.ServerURL != "" {
		if err := mgr.Connect(cfg.ServerURL); err != nil {
			log.Warn().Err(err).Msg("initial connect failed, background reconnect takes over")
		}
	}

	if cfg.ControlAddr != "" {
		api := control.New(mgr, cfg.ControlAddr)
		go func() {
			if err := api.Run(ctx); err != nil {
				log.Error().Err(err).Msg("control API error")
				cancel()
			}
		}()
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	mgr.Disconnect()
	log.Info().Msg("Client exited gracefully")
}
