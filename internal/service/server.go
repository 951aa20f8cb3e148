// Package service wires the Solar-Log connector to the poll scheduler and the
// snapshot sinks.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/resident-x/go-solarlog/internal/api"
	"github.com/resident-x/go-solarlog/internal/config"
	"github.com/resident-x/go-solarlog/internal/connector"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/metrics"
	"github.com/resident-x/go-solarlog/internal/scheduler"
	"github.com/resident-x/go-solarlog/internal/storage"
	"github.com/resident-x/go-solarlog/internal/validation"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HistoryStore is a snapshot store that can also be queried.
type HistoryStore interface {
	domain.SnapshotStore
	History(ctx context.Context, since time.Time, limit int) ([]*storage.Record, error)
	Latest(ctx context.Context) (*storage.Record, error)
	Count(ctx context.Context) (int, error)
}

const storeQueryTimeout = 2 * time.Second

// Option configures a MonitorServer.
type Option func(*MonitorServer)

// WithStore records every snapshot in store.
func WithStore(store HistoryStore) Option {
	return func(s *MonitorServer) { s.store = store }
}

// WithHTTPClient sends device requests through client.
func WithHTTPClient(client *http.Client) Option {
	return func(s *MonitorServer) { s.httpClient = client }
}

// WithSchedulerConfig overrides the poll scheduler settings.
func WithSchedulerConfig(cfg *scheduler.SchedulerConfig) Option {
	return func(s *MonitorServer) { s.schedulerConfig = cfg }
}

// MonitorServer polls one Solar-Log and fans every snapshot out to the
// configured sinks. All device requests go through deviceMutex, so scheduled
// polls and API calls never overlap on the wire.
type MonitorServer struct {
	config     *config.Config
	connector  *connector.Connector
	scheduler  *scheduler.PollScheduler
	publisher  domain.MessagePublisher
	monitoring domain.MonitoringService
	store      HistoryStore
	collector  *metrics.Collector
	validator  *validation.SnapshotValidator
	apiServer  *api.Server
	logger     zerolog.Logger

	httpClient      *http.Client
	schedulerConfig *scheduler.SchedulerConfig

	deviceMutex sync.Mutex

	mutex     sync.RWMutex
	latest    *domain.Snapshot
	lastPoll  time.Time
	lastError string
	startTime time.Time
}

// NewMonitorServer creates a monitor for the device in cfg.
func NewMonitorServer(cfg *config.Config, publisher domain.MessagePublisher,
	monitoring domain.MonitoringService, opts ...Option) (*MonitorServer, error) {
	location, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("invalid device timezone: %w", err)
	}

	level, err := validation.ParseLevel(cfg.ValidationLevel)
	if err != nil {
		return nil, err
	}

	logger := log.With().Str("component", "server").Logger()

	server := &MonitorServer{
		config:     cfg,
		publisher:  publisher,
		monitoring: monitoring,
		collector:  metrics.NewCollector(cfg.Device.Host),
		validator:  validation.NewSnapshotValidator(level, logger),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(server)
	}

	connectorOpts := []connector.Option{
		connector.WithPassword(cfg.Device.Password),
		connector.WithTimezone(location),
		connector.WithExtendedData(cfg.Device.ExtendedData),
		connector.WithEnabledDevices(cfg.EnabledDeviceFlags()),
		connector.WithTimeout(cfg.RequestTimeout()),
	}
	if server.httpClient != nil {
		connectorOpts = append(connectorOpts, connector.WithHTTPClient(server.httpClient))
	}
	server.connector = connector.New(cfg.Device.Host, connectorOpts...)

	server.scheduler = scheduler.NewPollScheduler(server.schedulerConfig, logger)
	// The device list job is registered first so names are known before the
	// first snapshot.
	if cfg.Device.ExtendedData {
		if err := server.scheduler.AddJob(scheduler.JobDeviceList, cfg.DeviceListInterval(), server.pollDeviceList); err != nil {
			return nil, err
		}
	}
	if err := server.scheduler.AddJob(scheduler.JobSnapshot, cfg.PollInterval(), server.pollSnapshot); err != nil {
		return nil, err
	}

	if cfg.API.Enabled {
		var metricsHandler http.Handler
		if cfg.Metrics.Enabled {
			metricsHandler = server.collector.Handler()
		}
		server.apiServer = api.NewServer(cfg, server, metricsHandler)
	}

	return server, nil
}

// Start logs in when a password is configured and starts the poll loop and
// the API server.
func (s *MonitorServer) Start(ctx context.Context) error {
	s.mutex.Lock()
	s.startTime = time.Now()
	s.mutex.Unlock()

	s.restoreLatest(ctx)

	if s.config.Device.Password != "" {
		s.login(ctx)
	}

	if s.apiServer != nil {
		if err := s.apiServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	if err := s.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start poll scheduler: %w", err)
	}

	s.logger.Info().
		Str("host", s.connector.Host()).
		Bool("extended_data", s.connector.ExtendedData()).
		Dur("poll_interval", s.config.PollInterval()).
		Msg("Monitor started")

	return nil
}

// restoreLatest serves the last stored snapshot until the first poll succeeds.
func (s *MonitorServer) restoreLatest(ctx context.Context) {
	if s.store == nil {
		return
	}

	record, err := s.store.Latest(ctx)
	if errors.Is(err, storage.ErrNoSnapshot) {
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to restore latest snapshot")
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.latest == nil {
		s.latest = record.Snapshot
		s.logger.Info().Time("recorded_at", record.RecordedAt).Msg("Restored latest snapshot from history")
	}
}

// Stop gracefully shuts down all server components.
func (s *MonitorServer) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping server")

	if s.scheduler.IsRunning() {
		if err := s.scheduler.Stop(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop poll scheduler")
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Stop(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Failed to stop API server")
		}
	}

	if err := s.publisher.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close message publisher")
	}

	if err := s.monitoring.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to close monitoring service")
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to close snapshot store")
		}
	}

	s.deviceMutex.Lock()
	defer s.deviceMutex.Unlock()
	return s.connector.Close()
}

// RunOnce runs a single poll cycle without the scheduler, refreshing the
// device list first when extended data is enabled.
func (s *MonitorServer) RunOnce(ctx context.Context) (*domain.Snapshot, error) {
	if s.config.Device.Password != "" {
		s.login(ctx)
	}
	if s.config.Device.ExtendedData {
		if err := s.pollDeviceList(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.pollSnapshot(ctx); err != nil {
		return nil, err
	}

	snapshot, _ := s.LatestSnapshot()
	return snapshot, nil
}

// pollSnapshot is the snapshot job.
func (s *MonitorServer) pollSnapshot(ctx context.Context) error {
	started := time.Now()

	s.deviceMutex.Lock()
	snapshot, err := s.connector.Update(ctx)
	if err != nil && errors.Is(err, domain.ErrAuthentication) && s.config.Device.Password != "" {
		// The session expired on the device; log in again for the next cycle.
		s.loginLocked(ctx)
	}
	s.deviceMutex.Unlock()

	if err != nil {
		s.collector.ObservePoll(scheduler.JobSnapshot, time.Since(started), err)
		s.mutex.Lock()
		s.lastError = err.Error()
		s.mutex.Unlock()
		return err
	}

	result := s.validator.Validate(snapshot)
	for _, warning := range result.Warnings {
		s.logger.Warn().
			Str("rule", warning.Rule).
			Str("field", warning.Field).
			Interface("value", warning.Value).
			Msg(warning.Message)
	}

	s.mutex.Lock()
	s.latest = snapshot
	s.lastPoll = time.Now()
	s.lastError = ""
	s.mutex.Unlock()

	s.collector.Observe(snapshot)
	s.collector.ObservePoll(scheduler.JobSnapshot, time.Since(started), nil)

	s.dispatch(ctx, snapshot)

	s.logger.Debug().
		Float64("power_ac", snapshot.PowerAC).
		Float64("yield_day", snapshot.YieldDay).
		Int("inverters", len(snapshot.Inverters)).
		Msg("Snapshot updated")

	return nil
}

// dispatch hands the snapshot to every sink. Sink failures are logged and do
// not fail the poll.
func (s *MonitorServer) dispatch(ctx context.Context, snapshot *domain.Snapshot) {
	if err := s.publisher.Publish(ctx, s.config.MQTT.Topic, snapshot); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish snapshot")
	}

	if err := s.monitoring.Send(ctx, snapshot); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send snapshot to monitoring service")
	}

	if s.store != nil {
		if err := s.store.Save(ctx, snapshot); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to store snapshot")
		}
	}
}

// pollDeviceList is the device list job.
func (s *MonitorServer) pollDeviceList(ctx context.Context) error {
	_, err := s.RefreshDevices(ctx)
	return err
}

func (s *MonitorServer) login(ctx context.Context) {
	s.deviceMutex.Lock()
	defer s.deviceMutex.Unlock()
	s.loginLocked(ctx)
}

func (s *MonitorServer) loginLocked(ctx context.Context) {
	authenticated, err := s.connector.Login(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Login failed")
		return
	}
	if !authenticated {
		s.logger.Warn().Msg("Device did not accept the password")
		return
	}
	s.logger.Info().Msg("Logged in to the device")
}

// Status implements api.Backend.
func (s *MonitorServer) Status() map[string]interface{} {
	stored := -1
	if s.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeQueryTimeout)
		count, err := s.store.Count(ctx)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to count stored snapshots")
		} else {
			stored = count
		}
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	status := map[string]interface{}{
		"host":            s.connector.Host(),
		"authenticated":   s.connector.Authenticated(),
		"extended_data":   s.connector.ExtendedData(),
		"devices":         len(s.connector.Devices()),
		"history_enabled": s.store != nil,
		"scheduler":       s.scheduler.GetMetrics(),
		"validation":      s.validator.GetStatistics(),
	}
	if !s.startTime.IsZero() {
		status["started"] = s.startTime
	}
	if !s.lastPoll.IsZero() {
		status["last_poll"] = s.lastPoll
	}
	if s.lastError != "" {
		status["last_error"] = s.lastError
	}
	if stored >= 0 {
		status["snapshots_stored"] = stored
	}
	return status
}

// LatestSnapshot implements api.Backend.
func (s *MonitorServer) LatestSnapshot() (*domain.Snapshot, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.latest, s.latest != nil
}

// Devices implements api.Backend.
func (s *MonitorServer) Devices() []domain.DeviceInfo {
	return s.connector.Devices()
}

// SetDeviceEnabled implements api.Backend. The change applies from the next poll.
func (s *MonitorServer) SetDeviceEnabled(id int, enabled bool) domain.DeviceInfo {
	s.deviceMutex.Lock()
	defer s.deviceMutex.Unlock()

	s.connector.SetEnabledDevices(map[int]bool{id: enabled})
	for _, device := range s.connector.Devices() {
		if device.ID == id {
			return device
		}
	}
	return domain.DeviceInfo{ID: id, Enabled: enabled}
}

// RefreshDevices implements api.Backend.
func (s *MonitorServer) RefreshDevices(ctx context.Context) ([]domain.DeviceInfo, error) {
	if !s.connector.ExtendedData() {
		return nil, fmt.Errorf("%w: the device list needs device.extended_data", api.ErrUnavailable)
	}

	started := time.Now()
	s.deviceMutex.Lock()
	_, err := s.connector.UpdateDeviceList(ctx)
	s.deviceMutex.Unlock()
	s.collector.ObservePoll(scheduler.JobDeviceList, time.Since(started), err)

	if err != nil {
		return nil, err
	}
	return s.connector.Devices(), nil
}

// History implements api.Backend.
func (s *MonitorServer) History(ctx context.Context, since time.Time, limit int) ([]*storage.Record, error) {
	if s.store == nil {
		return nil, fmt.Errorf("%w: snapshot history needs storage.enabled", api.ErrUnavailable)
	}
	return s.store.History(ctx, since, limit)
}

// Collector returns the metrics collector.
func (s *MonitorServer) Collector() *metrics.Collector {
	return s.collector
}

// Handler returns the API router, or nil when the API is disabled.
func (s *MonitorServer) Handler() http.Handler {
	if s.apiServer == nil {
		return nil
	}
	return s.apiServer.Handler()
}
