// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/solarlog_sensors.yaml
var solarLogSensorsYAML []byte

// Sensor categories used in the layout.
const (
	CategoryDiagnostic = "diagnostic"
	CategoryBattery    = "battery"
	CategoryInverter   = "inverter"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
	IncludeDiagnostic  bool
	IncludeBattery     bool
	IncludeInverters   bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version         string                  `yaml:"version"`
	Description     string                  `yaml:"description"`
	Sensors         map[string]SensorConfig `yaml:"sensors"`
	InverterSensors map[string]SensorConfig `yaml:"inverter_sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	deviceID     string
}

var nonIDChars = regexp.MustCompile(`[^a-z0-9_]+`)

// DeviceID derives a stable node id from the device host.
func DeviceID(host string) string {
	host = strings.ToLower(host)
	host = strings.TrimPrefix(strings.TrimPrefix(host, "http://"), "https://")
	id := strings.Trim(nonIDChars.ReplaceAllString(host, "_"), "_")
	return "solarlog_" + id
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config, baseTopic, deviceID string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		deviceID:  deviceID,
	}

	// Load the layout configuration
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(solarLogSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Int("inverter_sensor_count", len(config.InverterSensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// SensorFields returns the snapshot fields known to the layout, sorted.
func (ad *AutoDiscovery) SensorFields() []string {
	fields := make([]string, 0, len(ad.layoutConfig.Sensors))
	for field := range ad.layoutConfig.Sensors {
		fields = append(fields, field)
	}
	slices.Sort(fields)
	return fields
}

// GenerateDiscoveryMessages generates the discovery messages for the fields
// present in a flattened snapshot.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(data map[string]interface{}) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for fieldName := range data {
		sensorConfig, exists := ad.layoutConfig.Sensors[fieldName]
		if !exists || !ad.includeCategory(sensorConfig.Category) {
			continue
		}

		message := ad.createDiscoveryMessage(fieldName, sensorConfig, ad.baseTopic, ad.deviceID, ad.deviceInfo())
		messages[ad.getDiscoveryTopic(ad.deviceID, fieldName)] = message
	}

	return messages
}

// GenerateInverterDiscoveryMessages generates the discovery messages of one
// device connected to the Solar-Log. Each gets its own Home Assistant device.
func (ad *AutoDiscovery) GenerateInverterDiscoveryMessages(record domain.InverterRecord) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)
	if !ad.config.IncludeInverters {
		return messages
	}

	nodeID := fmt.Sprintf("%s_inverter_%d", ad.deviceID, record.ID)
	name := record.Name
	if name == "" {
		name = "Inverter " + strconv.Itoa(record.ID)
	}
	device := DeviceInfo{
		Identifiers:  []string{nodeID},
		Name:         fmt.Sprintf("%s %s", ad.config.DeviceName, name),
		Manufacturer: ad.config.DeviceManufacturer,
		SwVersion:    "go-solarlog",
		ViaDevice:    ad.deviceID,
	}

	for fieldName, sensorConfig := range ad.layoutConfig.InverterSensors {
		message := ad.createDiscoveryMessage(fieldName, sensorConfig, InverterTopic(ad.baseTopic, record.ID), nodeID, device)
		messages[ad.getDiscoveryTopic(nodeID, fieldName)] = message
	}

	return messages
}

// InverterTopic returns the state topic of one device.
func InverterTopic(baseTopic string, id int) string {
	return fmt.Sprintf("%s/inverter/%d", baseTopic, id)
}

func (ad *AutoDiscovery) includeCategory(category string) bool {
	switch category {
	case CategoryDiagnostic:
		return ad.config.IncludeDiagnostic
	case CategoryBattery:
		return ad.config.IncludeBattery
	default:
		return true
	}
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(fieldName string, sensorConfig SensorConfig, stateTopic, nodeID string, device DeviceInfo) DiscoveryMessage {
	var entityCategory string
	if sensorConfig.Category == CategoryDiagnostic {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:                sensorConfig.Name,
		UniqueID:            fmt.Sprintf("%s_%s", nodeID, fieldName),
		StateTopic:          stateTopic,
		ValueTemplate:       fmt.Sprintf("{{ value_json.%s }}", fieldName),
		DeviceClass:         sensorConfig.DeviceClass,
		UnitOfMeasurement:   sensorConfig.UnitOfMeasurement,
		StateClass:          sensorConfig.StateClass,
		Icon:                sensorConfig.Icon,
		EntityCategory:      entityCategory,
		Device:              device,
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    "online",
		PayloadNotAvailable: "offline",
	}
}

func (ad *AutoDiscovery) deviceInfo() DeviceInfo {
	model := ad.config.DeviceModel
	if model == "" {
		model = "Solar-Log"
	}
	return DeviceInfo{
		Identifiers:  []string{ad.deviceID},
		Name:         ad.config.DeviceName,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        model,
		SwVersion:    "go-solarlog",
	}
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor:
// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(nodeID, fieldName string) string {
	nodeID = strings.ToLower(strings.ReplaceAll(nodeID, " ", "_"))
	objectID := fmt.Sprintf("%s_%s", nodeID, fieldName)
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return ad.baseTopic + "/availability"
}

// CreateAvailabilityMessage creates the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// CleanupDiscoveryMessages generates empty messages that remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(fieldNames []string) map[string]string {
	messages := make(map[string]string)

	for _, fieldName := range fieldNames {
		topic := ad.getDiscoveryTopic(ad.deviceID, fieldName)
		messages[topic] = "" // Empty payload removes the entity
	}

	return messages
}
