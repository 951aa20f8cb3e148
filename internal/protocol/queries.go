// Package protocol provides query payloads and response classification for Solar-Log communication.
package protocol

import (
	"fmt"
	"strconv"
)

// Query codes understood by the device.
const (
	CodeBasicData         = 801
	CodeBasicDataSub      = 170
	CodePowerPerInverter  = 782
	CodeEnergyPerInverter = 854
	CodeYearlyEnergy      = 878
	CodeDeviceList        = 740
	CodeDeviceConfig      = 141
	CodeDeviceName        = 119
	CodeSalt              = 550
	CodeBattery           = 858
)

// Body sentinels embedded by the device in otherwise successful responses.
const (
	SentinelQueryImpossible = "QUERY IMPOSSIBLE 000"
	SentinelAccessDenied    = "ACCESS DENIED"
	SentinelUserWrong       = "FAILED - User was wrong"
	SentinelPasswordWrong   = "FAILED - Password was wrong"
)

// DeviceErrorMarker marks a device slot with an error in the device list.
const DeviceErrorMarker = "Err"

// Query is one request to the getjp endpoint.
type Query struct {
	Code    int
	Payload string
}

// Key returns the top-level response key of the query.
func (q Query) Key() string {
	return strconv.Itoa(q.Code)
}

// IsSalt reports whether this is the password salt query.
func (q Query) IsSalt() bool {
	return q.Code == CodeSalt
}

// String returns the payload for logging.
func (q Query) String() string {
	return q.Payload
}

func nullQuery(code int) Query {
	return Query{Code: code, Payload: fmt.Sprintf(`{"%d":null}`, code)}
}

// BasicDataQuery requests the current production and consumption counters.
func BasicDataQuery() Query {
	return Query{
		Code:    CodeBasicData,
		Payload: fmt.Sprintf(`{"%d":{"%d":null}}`, CodeBasicData, CodeBasicDataSub),
	}
}

// PowerPerInverterQuery requests the current power of every device.
func PowerPerInverterQuery() Query {
	return nullQuery(CodePowerPerInverter)
}

// EnergyPerInverterQuery requests the yearly energy of every device.
func EnergyPerInverterQuery() Query {
	return nullQuery(CodeEnergyPerInverter)
}

// YearlyEnergyQuery requests the yearly production and self-consumption totals.
func YearlyEnergyQuery() Query {
	return nullQuery(CodeYearlyEnergy)
}

// DeviceListQuery requests the device directory.
func DeviceListQuery() Query {
	return nullQuery(CodeDeviceList)
}

// DeviceNameQuery requests the display name of one device.
func DeviceNameQuery(id int) Query {
	return Query{
		Code:    CodeDeviceConfig,
		Payload: fmt.Sprintf(`{"%d":{"%d":{"%d":null}}}`, CodeDeviceConfig, id, CodeDeviceName),
	}
}

// SaltQuery requests the per-user password salt.
func SaltQuery() Query {
	return nullQuery(CodeSalt)
}

// BatteryQuery requests the battery readings.
func BatteryQuery() Query {
	return nullQuery(CodeBattery)
}
