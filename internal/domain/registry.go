// Package domain provides core domain implementations.
package domain

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/exp/slices"
)

// DeviceInfo contains what is known about one device connected to the Solar-Log.
type DeviceInfo struct {
	ID       int       `json:"id"`
	Name     string    `json:"name"`
	Enabled  bool      `json:"enabled"`
	LastSeen time.Time `json:"last_seen"`
}

// DeviceRegistry keeps the device id → name mapping together with the
// caller-controlled enabled flags.
type DeviceRegistry struct {
	devices map[int]*DeviceInfo
	mutex   sync.RWMutex
}

// NewDeviceRegistry creates a new device registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		devices: make(map[int]*DeviceInfo),
	}
}

// UpdateNames merges a freshly fetched device list into the registry.
// Known devices keep their enabled flag, new devices start disabled and devices
// missing from the list are retained unchanged. The ids of retained-but-missing
// devices are returned in ascending order.
func (r *DeviceRegistry) UpdateNames(names map[int]string) []int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	now := time.Now()
	reported := mapset.NewSetWithSize[int](len(names))
	for id, name := range names {
		reported.Add(id)

		device, exists := r.devices[id]
		if !exists {
			device = &DeviceInfo{ID: id}
			r.devices[id] = device
		}
		device.Name = name
		device.LastSeen = now
	}

	known := mapset.NewSetWithSize[int](len(r.devices))
	for id := range r.devices {
		known.Add(id)
	}

	missing := known.Difference(reported).ToSlice()
	slices.Sort(missing)
	return missing
}

// SetEnabled merges caller-provided enabled flags. Unknown ids are created with
// only the flag set.
func (r *DeviceRegistry) SetEnabled(flags map[int]bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for id, enabled := range flags {
		device, exists := r.devices[id]
		if !exists {
			device = &DeviceInfo{ID: id}
			r.devices[id] = device
		}
		device.Enabled = enabled
	}
}

// Get retrieves information about a device.
func (r *DeviceRegistry) Get(id int) (DeviceInfo, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	device, exists := r.devices[id]
	if !exists {
		return DeviceInfo{}, false
	}
	return *device, true
}

// Name returns the device name, or "" if the device is unknown.
func (r *DeviceRegistry) Name(id int) string {
	device, _ := r.Get(id)
	return device.Name
}

// Enabled reports whether the device is enabled.
func (r *DeviceRegistry) Enabled(id int) bool {
	device, _ := r.Get(id)
	return device.Enabled
}

// EnabledIDs returns the ids of all enabled devices in ascending order.
func (r *DeviceRegistry) EnabledIDs() []int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ids := make([]int, 0, len(r.devices))
	for id, device := range r.devices {
		if device.Enabled {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Flags returns a copy of the enabled flag of every known device.
func (r *DeviceRegistry) Flags() map[int]bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	flags := make(map[int]bool, len(r.devices))
	for id, device := range r.devices {
		flags[id] = device.Enabled
	}
	return flags
}

// Records returns every known device as an InverterRecord without readings.
func (r *DeviceRegistry) Records() map[int]InverterRecord {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	records := make(map[int]InverterRecord, len(r.devices))
	for id, device := range r.devices {
		records[id] = InverterRecord{ID: id, Name: device.Name, Enabled: device.Enabled}
	}
	return records
}

// All returns information about all devices sorted by id.
func (r *DeviceRegistry) All() []DeviceInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	devices := make([]DeviceInfo, 0, len(r.devices))
	for _, device := range r.devices {
		devices = append(devices, *device)
	}
	slices.SortFunc(devices, func(a, b DeviceInfo) int {
		return a.ID - b.ID
	})
	return devices
}

// Len returns the number of known devices.
func (r *DeviceRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.devices)
}
