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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tetherlink/tether"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		addr       = flag.String("addr", "", "listen address, overrides config")
	)
	flag.Parse()

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("error loading config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("error parsing log level")
	}

	tetherConfig := tether.Config{
		Version:              version,
		LogLevel:             level,
		LogHandler:           logHandler(log),
		HeartbeatInterval:    cfg.Heartbeat.Interval.Duration,
		HeartbeatTimeout:     cfg.Heartbeat.Timeout.Duration,
		NetworkAwayThreshold: cfg.Heartbeat.NetworkAwayThreshold,
		StreamRetain:         cfg.Watch.Retain,
	}

	srv, err := tether.NewServer(tetherConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("error creating server")
	}

	if cfg.Watch.Enabled {
		source, err := tether.NewFSEventSource(tetherConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("error creating event source")
		}
		defer func() { _ = source.Close() }()
		srv.UseEventSource(source)
	}

	mux := http.NewServeMux()
	mux.Handle("/connect", tether.NewWebsocketHandler(srv, tether.WebsocketConfig{
		MessageSizeLimit: cfg.Websocket.MessageSizeLimit,
		WriteTimeout:     cfg.Websocket.WriteTimeout.Duration,
	}))
	metricsHandler := promhttp.HandlerFor(srv.MetricsRegistry(), promhttp.HandlerOpts{})
	if cfg.MetricsAddr == "" {
		mux.Handle("/metrics", metricsHandler)
	} else {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("id", srv.ID()).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error stopping http server")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error closing sessions")
	}
}

// logHandler bridges library log entries into zerolog.
func logHandler(log zerolog.Logger) tether.LogHandler {
	return func(entry tether.LogEntry) {
		var ev *zerolog.Event
		switch entry.Level {
		case tether.LogLevelTrace:
			ev = log.Trace()
		case tether.LogLevelDebug:
			ev = log.Debug()
		case tether.LogLevelInfo:
			ev = log.Info()
		case tether.LogLevelWarn:
			ev = log.Warn()
		case tether.LogLevelError:
			ev = log.Error()
		default:
			return
		}
		ev.Fields(entry.Fields).Msg(entry.Message)
	}
}
