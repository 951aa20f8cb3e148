// Package domain provides core domain models and interfaces for the go-solarlog application
package domain

import (
	"context"
	"time"
)

// RestartSentinelYear is the year the device clock reports right after a reboot,
// before it has synchronised its time.
const RestartSentinelYear = 1999

// Snapshot is the result of one poll cycle.
type Snapshot struct {
	LastUpdated time.Time `json:"last_updated"`

	PowerAC              float64 `json:"power_ac"`
	PowerDC              float64 `json:"power_dc"`
	VoltageAC            float64 `json:"voltage_ac"`
	VoltageDC            float64 `json:"voltage_dc"`
	YieldDay             float64 `json:"yield_day"`
	YieldYesterday       float64 `json:"yield_yesterday"`
	YieldMonth           float64 `json:"yield_month"`
	YieldYear            float64 `json:"yield_year"`
	YieldTotal           float64 `json:"yield_total"`
	ConsumptionAC        float64 `json:"consumption_ac"`
	ConsumptionDay       float64 `json:"consumption_day"`
	ConsumptionYesterday float64 `json:"consumption_yesterday"`
	ConsumptionMonth     float64 `json:"consumption_month"`
	ConsumptionYear      float64 `json:"consumption_year"`
	ConsumptionTotal     float64 `json:"consumption_total"`
	TotalPower           float64 `json:"total_power"`

	// Extended data
	ProductionYear      *float64               `json:"production_year,omitempty"`
	SelfConsumptionYear *float64               `json:"self_consumption_year,omitempty"`
	Inverters           map[int]InverterRecord `json:"inverters,omitempty"`
	Battery             *BatteryRecord         `json:"battery,omitempty"`

	// Derived values, see ComputeDerived
	AlternatorLoss float64  `json:"alternator_loss"`
	Efficiency     *float64 `json:"efficiency,omitempty"`
	Usage          float64  `json:"usage"`
	PowerAvailable float64  `json:"power_available"`
	Capacity       *float64 `json:"capacity,omitempty"`
}

// InverterRecord holds the state of one device connected to the Solar-Log.
type InverterRecord struct {
	ID              int      `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	CurrentPower    *float64 `json:"current_power,omitempty"`
	ConsumptionYear *float64 `json:"consumption_year,omitempty"`
}

// BatteryRecord holds battery readings. It is only present when the device reports a battery.
type BatteryRecord struct {
	Voltage        float64 `json:"voltage"`
	Level          float64 `json:"level"`
	ChargePower    float64 `json:"charge_power"`
	DischargePower float64 `json:"discharge_power"`
}

// MessagePublisher defines the interface for publishing snapshots.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send uploads a snapshot to the monitoring service
	Send(ctx context.Context, snapshot *Snapshot) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// SnapshotStore persists snapshots for later inspection.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}
