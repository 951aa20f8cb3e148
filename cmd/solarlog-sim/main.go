// Package main runs a simulated Solar-Log for local testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/resident-x/go-solarlog/internal/simulator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", "127.0.0.1:8081", "Listen address")
	password := flag.String("password", "", "Device password, empty for an open device")
	salt := flag.String("salt", "", "bcrypt salt; when set only the hashed password is accepted")
	protected := flag.String("protected", "", "Comma separated query codes that need a session, e.g. 740,854")
	delay := flag.Duration("delay", 0, "Delay before every answer")
	verbose := flag.Bool("verbose", false, "Log every request")
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	codes, err := parseCodes(*protected)
	if err != nil {
		log.Error().Err(err).Msg("Invalid -protected value")
		return 2
	}

	device, err := simulator.New(simulator.Config{
		Password:  *password,
		Salt:      *salt,
		Protected: codes,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to create simulated device")
		return 1
	}
	device.SetDelay(*delay)

	server := &http.Server{
		Addr:              *addr,
		Handler:           device.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", *addr).Bool("password", *password != "").Ints("protected", codes).Msg("Simulated Solar-Log listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	<-signalChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
		return 1
	}
	log.Info().Int("requests", len(device.Requests())).Int("logins", device.Logins()).Msg("Simulated Solar-Log stopped")
	return 0
}

func parseCodes(list string) ([]int, error) {
	var codes []int
	for _, field := range strings.Split(list, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		code, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("query code %q: %w", field, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}
