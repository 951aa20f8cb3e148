// Package main provides the entry point of the go-solarlog daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-solarlog/internal/config"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/pubsub"
	"github.com/resident-x/go-solarlog/internal/service"
	pvoutput "github.com/resident-x/go-solarlog/internal/service/pvoutput"
	"github.com/resident-x/go-solarlog/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	Version = "unknown" // Default version, can be overridden by build flags
)

func main() {
	code := run()
	os.Exit(code)
}

func run() int {
	configFile := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	once := flag.Bool("once", false, "Poll the device once, print the snapshot as JSON and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-solarlog %s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		return 1
	}

	initLogger(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return 1
	}

	if *once {
		return runOnce(cfg)
	}

	log.Info().Str("version", Version).Msg("Starting go-solarlog")
	cfg.Print()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher := newPublisher(ctx, cfg)
	monitoringService := newMonitoringService(cfg)

	opts := []service.Option{}
	if cfg.Storage.Enabled {
		retention := time.Duration(cfg.Storage.RetentionDays) * 24 * time.Hour
		store, err := storage.Open(ctx, cfg.Storage.Path, retention)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open snapshot store")
			return 1
		}
		opts = append(opts, service.WithStore(store))
	}

	srv, err := service.NewMonitorServer(cfg, publisher, monitoringService, opts...)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create monitor")
		return 1
	}

	if err := srv.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to start monitor")
		return 1
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping monitor")
		return 1
	}

	log.Info().Msg("Monitor stopped")
	return 0
}

// runOnce polls the device once without any sink and prints the snapshot.
func runOnce(cfg *config.Config) int {
	cfg.API.Enabled = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	srv, err := service.NewMonitorServer(cfg, pubsub.NewNoopPublisher(), pvoutput.NewNoopClient())
	if err != nil {
		log.Error().Err(err).Msg("Failed to create monitor")
		return 1
	}
	defer func() {
		if err := srv.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Error stopping monitor")
		}
	}()

	snapshot, err := srv.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Poll failed")
		return 1
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to encode snapshot")
		return 1
	}
	return 0
}

func newPublisher(ctx context.Context, cfg *config.Config) domain.MessagePublisher {
	if !cfg.MQTT.Enabled {
		log.Info().Msg("MQTT disabled, using noop publisher")
		return pubsub.NewNoopPublisher()
	}

	mqttPublisher := pubsub.NewMQTTPublisher(cfg)
	if err := mqttPublisher.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, using noop publisher")
		return pubsub.NewNoopPublisher()
	}
	log.Info().Msg("MQTT publisher connected successfully")
	return mqttPublisher
}

func newMonitoringService(cfg *config.Config) domain.MonitoringService {
	if !cfg.PVOutput.Enabled {
		return pvoutput.NewNoopClient()
	}

	client := pvoutput.NewClient(cfg)
	if err := client.Connect(); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize PVOutput client")
		return pvoutput.NewNoopClient()
	}
	return client
}

// initLogger configures the global zerolog logger.
func initLogger(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	logLevel, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		fmt.Printf("Invalid log level '%s', defaulting to 'info'\n", level)
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}
