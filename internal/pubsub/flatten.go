package pubsub

import (
	"encoding/json"
	"fmt"

	"github.com/resident-x/go-solarlog/internal/domain"
	"golang.org/x/exp/slices"
)

// FlattenSnapshot converts a snapshot into the flat key/value document
// published on the state topic. Devices are published on their own topics and
// are left out; battery readings are lifted to battery_* keys.
func FlattenSnapshot(snapshot *domain.Snapshot) (map[string]interface{}, error) {
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dataMap := make(map[string]interface{})
	if err := json.Unmarshal(raw, &dataMap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	delete(dataMap, "inverters")
	delete(dataMap, "battery")

	if battery := snapshot.Battery; battery != nil {
		dataMap["battery_voltage"] = battery.Voltage
		dataMap["battery_level"] = battery.Level
		dataMap["battery_charge_power"] = battery.ChargePower
		dataMap["battery_discharge_power"] = battery.DischargePower
	}

	return dataMap, nil
}

func sortedInverterIDs(inverters map[int]domain.InverterRecord) []int {
	ids := make([]int, 0, len(inverters))
	for id := range inverters {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
