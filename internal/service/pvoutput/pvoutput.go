// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-solarlog/internal/config"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultEndpoint is the PVOutput add status service.
const DefaultEndpoint = "https://pvoutput.org/service/r2/addstatus.jsp"

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.Snapshot) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config        *config.Config
	httpClient    *http.Client
	endpoint      string
	lastUpdateMap map[string]time.Time
	mutex         sync.Mutex
	logger        zerolog.Logger
	now           func() time.Time
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		endpoint:      DefaultEndpoint,
		lastUpdateMap: make(map[string]time.Time),
		logger:        log.With().Str("component", "pvoutput").Logger(),
		now:           time.Now,
	}
}

// Connect is a no-op, each request is independent.
func (c *Client) Connect() error {
	return nil
}

// Send uploads a status built from the snapshot. Calls inside the update
// limit are skipped without error.
func (c *Client) Send(ctx context.Context, snapshot *domain.Snapshot) error {
	if !c.config.PVOutput.Enabled || snapshot == nil {
		return nil
	}

	if c.config.PVOutput.APIKey == "" || c.config.PVOutput.SystemID == "" {
		return fmt.Errorf("PVOutput API key and/or System ID not configured")
	}

	systemID := c.config.PVOutput.SystemID
	if !c.canUpdate(systemID) {
		c.logger.Debug().Str("system_id", systemID).Msg("Skipping PVOutput update due to rate limit")
		return nil
	}

	if err := c.makeRequest(ctx, c.statusParams(snapshot, systemID)); err != nil {
		return err
	}

	c.updateTimestamp(systemID)
	c.logger.Debug().
		Str("system_id", systemID).
		Float64("power_ac", snapshot.PowerAC).
		Float64("yield_day", snapshot.YieldDay).
		Msg("PVOutput status uploaded")
	return nil
}

// statusParams builds the add status parameters. The Solar-Log already
// reports energy in Wh and power in W.
func (c *Client) statusParams(snapshot *domain.Snapshot, systemID string) url.Values {
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", systemID)

	// The device clock is local to the system, as PVOutput expects
	at := snapshot.LastUpdated
	if at.IsZero() {
		at = c.now()
	}
	params.Set("d", at.Format("20060102"))
	params.Set("t", at.Format("15:04"))

	params.Set("v1", strconv.FormatFloat(snapshot.YieldDay, 'f', 0, 64))
	params.Set("v2", strconv.FormatFloat(snapshot.PowerAC, 'f', 0, 64))

	if !c.config.PVOutput.DisableConsumption {
		params.Set("v3", strconv.FormatFloat(snapshot.ConsumptionDay, 'f', 0, 64))
		params.Set("v4", strconv.FormatFloat(snapshot.ConsumptionAC, 'f', 0, 64))
	}

	if snapshot.VoltageAC > 0 {
		params.Set("v6", strconv.FormatFloat(snapshot.VoltageAC, 'f', 1, 64))
	}

	return params
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.endpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256)) //nolint:errcheck // best effort detail
		return fmt.Errorf("PVOutput returned status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}

// Close is a no-op, the HTTP client holds no resources.
func (c *Client) Close() error {
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(systemID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[systemID]
	if !exists {
		return true
	}

	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return c.now().Sub(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(systemID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[systemID] = c.now()
}
