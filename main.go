// Command resp-kv-server runs the in-memory RESP key/value and
// pub/sub server (spec.md). CLI surface, env handling and shutdown
// sequencing follow the teacher's ws/main.go.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/resp-kv-server/internal/config"
	"github.com/adred-codev/resp-kv-server/internal/logging"
	"github.com/adred-codev/resp-kv-server/internal/metrics"
	"github.com/adred-codev/resp-kv-server/internal/server"
)

func main() {
	fs := flag.NewFlagSet("resp-kv-server", flag.ContinueOnError)
	var (
		port      = fs.Int("port", 0, "RESP listener port (overrides REDIS_PORT/PORT)")
		portShort = fs.Int("p", 0, "shorthand for --port")
		debug     = fs.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		version   = fs.Bool("version", false, "print version and exit")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "resp-kv-server: an in-memory RESP key/value + pub/sub server\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n  resp-kv-server [--port <n>] [--debug]\n\n")
		fs.PrintDefaults()
	}
	// spec.md §6: --help exits 0, an unrecognized "-" flag exits 1
	// (the stdlib flag package's own ExitOnError would exit 2 for the
	// latter, so parsing errors are handled explicitly here).
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	if *version {
		fmt.Println(server.Version)
		os.Exit(0)
	}

	bootstrap := logging.New(logging.Config{Level: logging.LevelInfo, Format: logging.FormatJSON})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *debug {
		cfg.LogLevel = "debug"
	}
	if p := effectivePort(*port, *portShort); p != 0 {
		cfg.Port = p
	}
	if err := cfg.Validate(); err != nil {
		bootstrap.Fatal().Err(err).Msg("invalid configuration")
	}

	log := logging.New(logging.Config{Level: logging.Level(cfg.LogLevel), Format: logging.Format(cfg.LogFormat)})
	cfg.Print()
	cfg.LogConfig(log)

	metricsReg := metrics.NewRegistry()

	srv := server.New(cfg, log, metricsReg)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	defer metricsCancel()
	go func() {
		if err := metricsReg.Serve(metricsCtx, cfg.MetricsAddr); err != nil {
			log.Error().Err(err).Msg("metrics listener stopped")
		}
	}()

	if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during shutdown")
	}
	metricsCancel()
}

// effectivePort resolves --port/-p, preferring whichever was
// explicitly set (non-zero); 0 means "use the configured/env value"
// (spec.md §6: CLI wins over REDIS_PORT/PORT when given).
func effectivePort(port, portShort int) int {
	if port != 0 {
		return port
	}
	return portShort
}
