// Package connector polls a Solar-Log and assembles its responses into snapshots.
package connector

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/parser"
	"github.com/resident-x/go-solarlog/internal/protocol"
	"github.com/resident-x/go-solarlog/internal/session"
	"github.com/resident-x/go-solarlog/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type options struct {
	password string
	location *time.Location
	extended bool
	enabled  map[int]bool
	client   *http.Client
	timeout  time.Duration
}

// Option configures a Connector.
type Option func(*options)

// WithPassword sets the device password.
func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

// WithTimezone sets the zone of the device clock. The default is UTC.
func WithTimezone(location *time.Location) Option {
	return func(o *options) {
		if location != nil {
			o.location = location
		}
	}
}

// WithExtendedData enables the yearly energy, device list and battery queries.
func WithExtendedData(enabled bool) Option {
	return func(o *options) { o.extended = enabled }
}

// WithEnabledDevices sets the initial enabled flags.
func WithEnabledDevices(flags map[int]bool) Option {
	return func(o *options) { o.enabled = flags }
}

// WithHTTPClient uses a caller-owned HTTP client. Close leaves it open.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.client = client }
}

// WithTimeout bounds every single request.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// Connector runs the poll sequence against one device. Its methods must not
// be called concurrently; requests are always issued one at a time.
type Connector struct {
	transport *transport.Transport
	session   *session.Manager
	parser    *parser.Parser
	registry  *domain.DeviceRegistry
	location  *time.Location
	extended  bool
	logger    zerolog.Logger
}

// New creates a connector for the device at host.
func New(host string, opts ...Option) *Connector {
	o := options{location: time.UTC, timeout: transport.DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	var t *transport.Transport
	if o.client != nil {
		t = transport.NewWithClient(host, o.client, o.timeout)
	} else {
		t = transport.New(host, o.timeout)
	}

	c := &Connector{
		transport: t,
		session:   session.NewManager(t, o.password),
		parser:    parser.NewParser(),
		registry:  domain.NewDeviceRegistry(),
		location:  o.location,
		extended:  o.extended,
		logger:    log.With().Str("component", "connector").Str("host", t.BaseURL()).Logger(),
	}
	if len(o.enabled) > 0 {
		c.registry.SetEnabled(o.enabled)
	}
	return c
}

// Update runs one poll cycle. Requests are sent strictly in order and the first
// failure aborts the cycle.
func (c *Connector) Update(ctx context.Context) (*domain.Snapshot, error) {
	snapshot, err := c.fetchBasicData(ctx)
	if err != nil {
		return nil, err
	}

	if snapshot.LastUpdated.Year() == domain.RestartSentinelYear {
		return nil, domain.NewUpdateError("invalid timestamp: the device clock is not set after a restart", nil)
	}
	snapshot.LastUpdated = attachLocation(snapshot.LastUpdated, c.location)

	if c.extended {
		production, selfConsumption, err := c.fetchYearlyEnergy(ctx)
		if err != nil {
			return nil, err
		}
		snapshot.ProductionYear = domain.Float(production)
		snapshot.SelfConsumptionYear = domain.Float(selfConsumption)
	}

	if enabled := c.registry.EnabledIDs(); len(enabled) > 0 {
		power, err := c.fetchPowerPerInverter(ctx)
		if err != nil {
			return nil, err
		}
		energy, err := c.fetchEnergyPerInverter(ctx)
		if err != nil {
			return nil, err
		}
		snapshot.Inverters = c.mergeInverters(enabled, power, energy)
	}

	if c.extended {
		battery, err := c.fetchBattery(ctx)
		if err != nil {
			return nil, err
		}
		snapshot.Battery = battery
	}

	snapshot.ComputeDerived()

	c.logger.Debug().
		Time("last_updated", snapshot.LastUpdated).
		Int("inverters", len(snapshot.Inverters)).
		Bool("battery", snapshot.Battery != nil).
		Msg("Snapshot updated")

	return snapshot, nil
}

// mergeInverters builds one record per enabled device reported by either the
// power or the energy response.
func (c *Connector) mergeInverters(enabled []int, power, energy map[int]float64) map[int]domain.InverterRecord {
	inverters := make(map[int]domain.InverterRecord, len(enabled))
	for _, id := range enabled {
		currentPower, hasPower := power[id]
		consumption, hasEnergy := energy[id]
		if !hasPower && !hasEnergy {
			continue
		}

		record := domain.InverterRecord{ID: id, Name: c.registry.Name(id), Enabled: true}
		if hasPower {
			record.CurrentPower = domain.Float(currentPower)
		}
		if hasEnergy {
			record.ConsumptionYear = domain.Float(consumption)
		}
		inverters[id] = record
	}
	return inverters
}

// UpdateDeviceList refreshes the device names. Known devices keep their enabled
// flag and new devices start disabled. Without extended data it returns an
// empty map and sends no request.
func (c *Connector) UpdateDeviceList(ctx context.Context) (map[int]domain.InverterRecord, error) {
	if !c.extended {
		return map[int]domain.InverterRecord{}, nil
	}

	names, err := c.fetchDeviceNames(ctx)
	if err != nil {
		return nil, err
	}

	missing := c.registry.UpdateNames(names)
	if len(missing) > 0 {
		c.logger.Debug().Ints("devices", missing).Msg("Devices not reported, keeping cached entries")
	}

	return c.registry.Records(), nil
}

// SetEnabledDevices merges the given enabled flags into the device set.
func (c *Connector) SetEnabledDevices(flags map[int]bool) {
	c.registry.SetEnabled(flags)
}

// DeviceList returns every known device without readings.
func (c *Connector) DeviceList() map[int]domain.InverterRecord {
	return c.registry.Records()
}

// Devices returns every known device sorted by id.
func (c *Connector) Devices() []domain.DeviceInfo {
	return c.registry.All()
}

// DeviceName returns the device name, or "" for unknown devices.
func (c *Connector) DeviceName(id int) string {
	return c.registry.Name(id)
}

// DeviceEnabled reports whether the device is enabled.
func (c *Connector) DeviceEnabled(id int) bool {
	return c.registry.Enabled(id)
}

// EnabledDevices returns the enabled flag of every known device.
func (c *Connector) EnabledDevices() map[int]bool {
	return c.registry.Flags()
}

// ExtendedData reports whether extended queries are enabled.
func (c *Connector) ExtendedData() bool {
	return c.extended
}

// Host returns the device base URL.
func (c *Connector) Host() string {
	return c.transport.BaseURL()
}

// Password returns the password in the form the device currently accepts.
func (c *Connector) Password() string {
	return c.session.Password()
}

// Authenticated reports whether a session token is held.
func (c *Connector) Authenticated() bool {
	return c.session.State() == session.StateAuthenticated
}

// Login runs the login handshake.
func (c *Connector) Login(ctx context.Context) (bool, error) {
	return c.session.Login(ctx)
}

// TestConnection reports whether the device answers the basic data query with
// HTTP 200. Only transport failures are returned as errors.
func (c *Connector) TestConnection(ctx context.Context) (bool, error) {
	resp, err := c.send(ctx, protocol.BasicDataQuery())
	if err != nil {
		return false, err
	}
	return resp.Status == http.StatusOK, nil
}

// TestExtendedDataAvailable probes a query that needs a session. When the
// device denies access it logs in once and retries once.
func (c *Connector) TestExtendedDataAvailable(ctx context.Context) bool {
	_, err := c.query(ctx, protocol.DeviceListQuery())
	if err == nil {
		return true
	}
	if !errors.Is(err, domain.ErrAuthentication) {
		c.logger.Warn().Err(err).Msg("Extended data probe failed")
		return false
	}

	authenticated, err := c.session.Login(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Login for extended data failed")
		return false
	}
	if !authenticated {
		return false
	}

	if _, err := c.query(ctx, protocol.DeviceListQuery()); err != nil {
		c.logger.Warn().Err(err).Msg("Extended data unavailable after login")
		return false
	}
	return true
}

// Close releases the transport when the connector owns it.
func (c *Connector) Close() error {
	return c.transport.Close()
}

// attachLocation reinterprets the zone-naive device wall clock in loc.
func attachLocation(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
