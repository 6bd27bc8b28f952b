// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/nitro-egress-tunnel/pkg/config"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/sidecar"
	"github.com/go-core-stack/nitro-egress-tunnel/pkg/vsockdial"
)

const shutdownTimeout = 15 * time.Second

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.LoadES()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	ln, err := vsockdial.Listen(cfg.Listen)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind sidecar listener")
	}

	server := sidecar.NewServer(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := server.Serve(ctx, ln); err != nil {
			log.Fatal().Err(err).Msg("sidecar exited unexpectedly")
		}
	}()

	waitForShutdown(cancel, ln, server)
}

func waitForShutdown(cancel context.CancelFunc, ln interface{ Close() error }, server *sidecar.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down sidecar")
	cancel()
	_ = ln.Close()

	shutdownCtx, timeoutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer timeoutCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown timed out")
	}

	log.Info().Msg("sidecar stopped")
}
