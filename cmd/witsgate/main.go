// Command witsgate bridges browser dashboards to WITS TCP feeds: WebSocket
// in, delimited telemetry records out, commands relayed back upstream.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/drillsense/witsgate/internal/config"
	"github.com/drillsense/witsgate/internal/monitoring"
	"github.com/drillsense/witsgate/internal/proxy"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(zerolog.Nop())
	if err != nil {
		// No structured logger yet; write the failure plainly and exit
		// non-zero.
		zerolog.New(os.Stderr).With().Timestamp().Logger().
			Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	cfg.LogConfig(logger)

	server := proxy.NewServer(cfg, logger)
	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start gateway")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	if err := server.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error during shutdown")
		os.Exit(1)
	}
}
