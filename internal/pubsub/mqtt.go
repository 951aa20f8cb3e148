// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-solarlog/internal/config"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const publishTimeout = 5 * time.Second

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// ClientFactory builds the MQTT client used by a publisher.
type ClientFactory func(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory ClientFactory
	haDiscovery   *homeassistant.AutoDiscovery
	logger        zerolog.Logger

	mutex             sync.Mutex
	connected         bool
	discoveredSensors map[string]bool
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:            cfg,
		clientFactory:     createMQTTClient,
		discoveredSensors: make(map[string]bool),
		logger:            log.With().Str("component", "mqtt").Logger(),
	}
}

// createMQTTClient is the default factory function for creating MQTT clients.
func createMQTTClient(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-solarlog-%d", time.Now().UnixNano())).
		SetAutoReconnect(true).
		SetConnectTimeout(connectionTimeout(cfg)).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

func connectionTimeout(cfg *config.Config) time.Duration {
	if cfg.MQTT.ConnectionTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cfg.MQTT.ConnectionTimeout) * time.Second
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	if p.client == nil {
		p.client = p.clientFactory(p.config, p.onConnect, p.onConnectionLost)
	}

	timeout := connectionTimeout(p.config)
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connToken := p.client.Connect()

	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", timeout)
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.mutex.Lock()
	p.connected = true
	p.mutex.Unlock()

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")
	return nil
}

// onConnect runs on every (re)connection. Discovery is repeated afterwards.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.connected = true
	p.discoveredSensors = make(map[string]bool)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mutex.Lock()
	p.connected = false
	p.mutex.Unlock()
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *MQTTPublisher) isConnected() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.connected
}

// Publish sends data to the specified topic. Snapshots are flattened and
// published with their per-device topics and Home Assistant discovery.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	if snapshot, ok := data.(*domain.Snapshot); ok {
		return p.publishSnapshot(ctx, topic, snapshot)
	}

	return p.publishGeneric(ctx, topic, data, p.config.MQTT.Retain)
}

// publishGeneric marshals data to JSON and publishes it.
func (p *MQTTPublisher) publishGeneric(ctx context.Context, topic string, data interface{}, retain bool) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	return p.publishRaw(ctx, topic, jsonData, retain)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, payload interface{}, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s timed out after %s", topic, publishTimeout)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message to %s: %w", topic, token.Error())
		}
	}

	return nil
}

// publishSnapshot publishes the flattened snapshot, the enabled devices and,
// when configured, the Home Assistant discovery messages.
func (p *MQTTPublisher) publishSnapshot(ctx context.Context, topic string, snapshot *domain.Snapshot) error {
	if topic == "" {
		topic = p.config.MQTT.Topic
	}

	dataMap, err := FlattenSnapshot(snapshot)
	if err != nil {
		return err
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.publishHomeAssistantDiscovery(ctx, topic, dataMap, snapshot.Inverters); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	if debugJSON, err := json.Marshal(dataMap); err == nil {
		p.logger.Debug().Str("topic", topic).RawJSON("snapshot", debugJSON).Msg("Publishing snapshot")
	}

	if err := p.publishGeneric(ctx, topic, dataMap, p.config.MQTT.Retain); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}

	if !p.config.MQTT.PublishInverters {
		return nil
	}

	for _, id := range sortedInverterIDs(snapshot.Inverters) {
		record := snapshot.Inverters[id]
		if err := p.publishGeneric(ctx, homeassistant.InverterTopic(topic, id), record, p.config.MQTT.Retain); err != nil {
			return fmt.Errorf("failed to publish inverter %d: %w", id, err)
		}
	}

	return nil
}

// setupHomeAssistantDiscovery creates the discovery generator for the base topic.
func (p *MQTTPublisher) setupHomeAssistantDiscovery(baseTopic string) error {
	ha := p.config.MQTT.HomeAssistantAutoDiscovery
	haConfig := homeassistant.Config{
		Enabled:            ha.Enabled,
		DiscoveryPrefix:    ha.DiscoveryPrefix,
		DeviceName:         ha.DeviceName,
		DeviceManufacturer: ha.DeviceManufacturer,
		DeviceModel:        ha.DeviceModel,
		RetainDiscovery:    ha.RetainDiscovery,
		IncludeDiagnostic:  ha.IncludeDiagnostic,
		IncludeBattery:     ha.IncludeBattery,
		IncludeInverters:   ha.IncludeInverters && p.config.MQTT.PublishInverters,
	}

	discovery, err := homeassistant.New(haConfig, baseTopic, homeassistant.DeviceID(p.config.Device.Host))
	if err != nil {
		return err
	}
	p.haDiscovery = discovery
	return nil
}

// publishHomeAssistantDiscovery publishes discovery messages not yet sent on
// this connection, followed by the availability message.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(ctx context.Context, baseTopic string, data map[string]interface{}, inverters map[int]domain.InverterRecord) error {
	if p.haDiscovery == nil {
		if err := p.setupHomeAssistantDiscovery(baseTopic); err != nil {
			return err
		}
	}

	messages := p.haDiscovery.GenerateDiscoveryMessages(data)
	for _, id := range sortedInverterIDs(inverters) {
		for topic, message := range p.haDiscovery.GenerateInverterDiscoveryMessages(inverters[id]) {
			messages[topic] = message
		}
	}

	retain := p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery
	for topic, message := range messages {
		p.mutex.Lock()
		discovered := p.discoveredSensors[topic]
		p.mutex.Unlock()
		if discovered {
			continue
		}

		if err := p.publishGeneric(ctx, topic, message, retain); err != nil {
			return err
		}

		p.mutex.Lock()
		p.discoveredSensors[topic] = true
		p.mutex.Unlock()
	}

	availTopic := p.haDiscovery.GetAvailabilityTopic()
	return p.publishRaw(ctx, availTopic, p.haDiscovery.CreateAvailabilityMessage(true), true)
}

// Close marks the device offline and terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client == nil || !p.isConnected() {
		return nil
	}

	if p.haDiscovery != nil {
		availTopic := p.haDiscovery.GetAvailabilityTopic()
		token := p.client.Publish(availTopic, 0, true, p.haDiscovery.CreateAvailabilityMessage(false))
		if !token.WaitTimeout(publishTimeout) || token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Msg("Failed to publish offline availability")
		}
	}

	p.client.Disconnect(250)

	p.mutex.Lock()
	p.connected = false
	p.mutex.Unlock()
	return nil
}
