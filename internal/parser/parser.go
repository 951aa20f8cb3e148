// Package parser maps the numeric-keyed Solar-Log responses onto typed values.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"
)

// TimestampLayout is the device-local format of the basic data timestamp.
const TimestampLayout = "2.1.06 15:04:05"

const (
	basicKeyTimestamp = "100"
	saltKey           = "100"
)

// basicFields maps the keys below {801:{170:...}} to snapshot fields.
var basicFields = map[string]func(*domain.Snapshot) *float64{
	"101": func(s *domain.Snapshot) *float64 { return &s.PowerAC },
	"102": func(s *domain.Snapshot) *float64 { return &s.PowerDC },
	"103": func(s *domain.Snapshot) *float64 { return &s.VoltageAC },
	"104": func(s *domain.Snapshot) *float64 { return &s.VoltageDC },
	"105": func(s *domain.Snapshot) *float64 { return &s.YieldDay },
	"106": func(s *domain.Snapshot) *float64 { return &s.YieldYesterday },
	"107": func(s *domain.Snapshot) *float64 { return &s.YieldMonth },
	"108": func(s *domain.Snapshot) *float64 { return &s.YieldYear },
	"109": func(s *domain.Snapshot) *float64 { return &s.YieldTotal },
	"110": func(s *domain.Snapshot) *float64 { return &s.ConsumptionAC },
	"111": func(s *domain.Snapshot) *float64 { return &s.ConsumptionDay },
	"112": func(s *domain.Snapshot) *float64 { return &s.ConsumptionYesterday },
	"113": func(s *domain.Snapshot) *float64 { return &s.ConsumptionMonth },
	"114": func(s *domain.Snapshot) *float64 { return &s.ConsumptionYear },
	"115": func(s *domain.Snapshot) *float64 { return &s.ConsumptionTotal },
	"116": func(s *domain.Snapshot) *float64 { return &s.TotalPower },
}

// Parser converts decoded device responses into domain values.
type Parser struct {
	logger zerolog.Logger
}

// NewParser creates a new Parser instance.
func NewParser() *Parser {
	return &Parser{
		logger: log.With().Str("component", "parser").Logger(),
	}
}

// BasicData maps the basic data response. LastUpdated carries the device wall
// clock in UTC; the caller attaches the real timezone.
func (p *Parser) BasicData(data map[string]any) (*domain.Snapshot, error) {
	outer, err := object(data, strconv.Itoa(protocol.CodeBasicData))
	if err != nil {
		return nil, err
	}
	raw, err := object(outer, strconv.Itoa(protocol.CodeBasicDataSub))
	if err != nil {
		return nil, err
	}

	ts, ok := raw[basicKeyTimestamp].(string)
	if !ok {
		return nil, unexpected("basic data without timestamp", nil)
	}
	lastUpdated, err := time.Parse(TimestampLayout, strings.TrimSpace(ts))
	if err != nil {
		return nil, unexpected(fmt.Sprintf("invalid timestamp %q", ts), err)
	}

	snapshot := &domain.Snapshot{LastUpdated: lastUpdated}
	for key, field := range basicFields {
		value, err := toFloat(raw[key])
		if err != nil {
			return nil, unexpected(fmt.Sprintf("basic data field %s", key), err)
		}
		*field(snapshot) = value
	}

	p.logger.Debug().
		Time("last_updated", lastUpdated).
		Float64("power_ac", snapshot.PowerAC).
		Float64("power_dc", snapshot.PowerDC).
		Msg("Parsed basic data")

	return snapshot, nil
}

// PowerPerInverter maps {782:{"<id>":"<watts>"}}. Inactive channels, reported as
// "0", are dropped.
func (p *Parser) PowerPerInverter(data map[string]any) (map[int]float64, error) {
	raw, err := object(data, strconv.Itoa(protocol.CodePowerPerInverter))
	if err != nil {
		return nil, err
	}

	result := make(map[int]float64, len(raw))
	for key, value := range raw {
		if isZero(value) {
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, unexpected(fmt.Sprintf("invalid device id %q", key), err)
		}
		power, err := toFloat(value)
		if err != nil {
			return nil, unexpected(fmt.Sprintf("power of device %d", id), err)
		}
		result[id] = power
	}

	return result, nil
}

// EnergyPerInverter maps the last column of the last row of {854:[...]}.
// The array position is the device id; zero entries are dropped.
func (p *Parser) EnergyPerInverter(data map[string]any) (map[int]float64, error) {
	row, err := lastRow(data, strconv.Itoa(protocol.CodeEnergyPerInverter))
	if err != nil {
		return nil, err
	}
	if len(row) == 0 {
		return nil, unexpected("empty energy row", nil)
	}
	values, ok := row[len(row)-1].([]any)
	if !ok {
		return nil, unexpected("energy row without value list", nil)
	}

	result := make(map[int]float64, len(values))
	for id, value := range values {
		energy, err := toFloat(value)
		if err != nil {
			return nil, unexpected(fmt.Sprintf("energy of device %d", id), err)
		}
		if energy != 0 {
			result[id] = energy
		}
	}

	return result, nil
}

// YearlyEnergy returns production and self-consumption from the last row of {878:[...]}.
func (p *Parser) YearlyEnergy(data map[string]any) (production, selfConsumption float64, err error) {
	row, err := lastRow(data, strconv.Itoa(protocol.CodeYearlyEnergy))
	if err != nil {
		return 0, 0, err
	}
	if len(row) < 4 {
		return 0, 0, unexpected(fmt.Sprintf("yearly energy row has %d columns", len(row)), nil)
	}

	if production, err = toFloat(row[1]); err != nil {
		return 0, 0, unexpected("yearly production", err)
	}
	if selfConsumption, err = toFloat(row[3]); err != nil {
		return 0, 0, unexpected("yearly self consumption", err)
	}
	return production, selfConsumption, nil
}

// DeviceList returns the ids of all devices in {740:{...}} that are not in error.
func (p *Parser) DeviceList(data map[string]any) ([]int, error) {
	raw, err := object(data, strconv.Itoa(protocol.CodeDeviceList))
	if err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok && s == protocol.DeviceErrorMarker {
			p.logger.Debug().Str("device", key).Msg("Skipping device in error state")
			continue
		}
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, unexpected(fmt.Sprintf("invalid device id %q", key), err)
		}
		ids = append(ids, id)
	}

	slices.Sort(ids)
	return ids, nil
}

// DeviceName returns the name in {141:{"<id>":{119:"<name>"}}}.
func (p *Parser) DeviceName(data map[string]any, id int) (string, error) {
	config, err := object(data, strconv.Itoa(protocol.CodeDeviceConfig))
	if err != nil {
		return "", err
	}
	device, err := object(config, strconv.Itoa(id))
	if err != nil {
		return "", err
	}
	name, ok := device[strconv.Itoa(protocol.CodeDeviceName)].(string)
	if !ok {
		return "", unexpected(fmt.Sprintf("device %d without name", id), nil)
	}
	return name, nil
}

// Battery maps {858:[voltage, level, charge, discharge]}. An empty payload means
// no battery is installed and returns nil. A nested list uses its last row.
func (p *Parser) Battery(data map[string]any) (*domain.BatteryRecord, error) {
	key := strconv.Itoa(protocol.CodeBattery)
	value, ok := data[key]
	if !ok {
		if len(data) == 0 {
			return nil, nil
		}
		return nil, unexpected(fmt.Sprintf("missing key %s", key), nil)
	}

	var row []any
	switch v := value.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		if len(v) == 0 {
			return nil, nil
		}
		return nil, unexpected("battery data is not a list", nil)
	case []any:
		row = v
	default:
		return nil, unexpected("battery data is not a list", nil)
	}
	if len(row) == 0 {
		return nil, nil
	}
	if nested, ok := row[len(row)-1].([]any); ok {
		row = nested
	}
	if len(row) < 4 {
		return nil, unexpected(fmt.Sprintf("battery data has %d fields", len(row)), nil)
	}

	values := make([]float64, 4)
	for i := range values {
		v, err := toFloat(row[i])
		if err != nil {
			return nil, unexpected(fmt.Sprintf("battery field %d", i), err)
		}
		values[i] = v
	}

	return &domain.BatteryRecord{
		Voltage:        values[0],
		Level:          values[1],
		ChargePower:    values[2],
		DischargePower: values[3],
	}, nil
}

// Salt extracts the password salt from {550:"<salt>"} or {550:{"100":"<salt>"}}.
// A nil response (no challenge available) yields ok=false.
func (p *Parser) Salt(data map[string]any) (salt string, ok bool) {
	if data == nil {
		return "", false
	}

	switch v := data[strconv.Itoa(protocol.CodeSalt)].(type) {
	case string:
		salt = v
	case map[string]any:
		if s, found := v[saltKey].(string); found {
			salt = s
		} else if len(v) == 1 {
			for _, only := range v {
				salt, _ = only.(string)
			}
		}
	}

	salt = strings.TrimSpace(salt)
	if salt == "" || strings.Contains(salt, protocol.SentinelQueryImpossible) {
		return "", false
	}
	return salt, true
}

func object(data map[string]any, key string) (map[string]any, error) {
	value, ok := data[key]
	if !ok {
		return nil, unexpected(fmt.Sprintf("missing key %s", key), nil)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, unexpected(fmt.Sprintf("key %s is not an object", key), nil)
	}
	return obj, nil
}

func lastRow(data map[string]any, key string) ([]any, error) {
	value, ok := data[key]
	if !ok {
		return nil, unexpected(fmt.Sprintf("missing key %s", key), nil)
	}
	rows, ok := value.([]any)
	if !ok || len(rows) == 0 {
		return nil, unexpected(fmt.Sprintf("key %s has no rows", key), nil)
	}
	row, ok := rows[len(rows)-1].([]any)
	if !ok {
		return nil, unexpected(fmt.Sprintf("key %s row is not a list", key), nil)
	}
	return row, nil
}

// toFloat converts the number representations used by the device to float64.
func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case json.Number:
		return v.Float64()
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case nil:
		return 0, fmt.Errorf("missing value")
	default:
		return 0, fmt.Errorf("unsupported value type %T", value)
	}
}

func isZero(value any) bool {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v) == "0"
	case json.Number:
		f, err := v.Float64()
		return err == nil && f == 0
	case float64:
		return v == 0
	case nil:
		return true
	}
	return false
}

func unexpected(msg string, err error) error {
	return domain.NewUpdateError("unexpected payload: "+msg, err)
}
