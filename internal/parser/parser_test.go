package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, body string) map[string]any {
	t.Helper()
	decoder := json.NewDecoder(bytes.NewBufferString(body))
	decoder.UseNumber()
	var data map[string]any
	require.NoError(t, decoder.Decode(&data))
	return data
}

const basicDataJSON = `{"801":{"170":{
	"100":"24.05.24 13:33:48",
	"101":2200,"102":2500,"103":232,"104":415,
	"105":12600,"106":19300,"107":240000,"108":2400000,"109":14000000,
	"110":700,"111":5100,"112":9000,"113":120000,"114":1400000,"115":7000000,
	"116":8000}}}`

func TestBasicData(t *testing.T) {
	p := NewParser()

	snapshot, err := p.BasicData(decode(t, basicDataJSON))
	require.NoError(t, err)

	assert.Equal(t, time.Date(2024, 5, 24, 13, 33, 48, 0, time.UTC), snapshot.LastUpdated)
	assert.Equal(t, 2200.0, snapshot.PowerAC)
	assert.Equal(t, 2500.0, snapshot.PowerDC)
	assert.Equal(t, 232.0, snapshot.VoltageAC)
	assert.Equal(t, 415.0, snapshot.VoltageDC)
	assert.Equal(t, 12600.0, snapshot.YieldDay)
	assert.Equal(t, 19300.0, snapshot.YieldYesterday)
	assert.Equal(t, 240000.0, snapshot.YieldMonth)
	assert.Equal(t, 2400000.0, snapshot.YieldYear)
	assert.Equal(t, 14000000.0, snapshot.YieldTotal)
	assert.Equal(t, 700.0, snapshot.ConsumptionAC)
	assert.Equal(t, 5100.0, snapshot.ConsumptionDay)
	assert.Equal(t, 9000.0, snapshot.ConsumptionYesterday)
	assert.Equal(t, 120000.0, snapshot.ConsumptionMonth)
	assert.Equal(t, 1400000.0, snapshot.ConsumptionYear)
	assert.Equal(t, 7000000.0, snapshot.ConsumptionTotal)
	assert.Equal(t, 8000.0, snapshot.TotalPower)
}

func TestBasicDataRestartTimestampParses(t *testing.T) {
	body := `{"801":{"170":{"100":"01.01.99 00:00:12","101":0,"102":0,"103":0,"104":0,"105":0,"106":0,"107":0,"108":0,"109":0,"110":0,"111":0,"112":0,"113":0,"114":0,"115":0,"116":0}}}`

	snapshot, err := NewParser().BasicData(decode(t, body))
	require.NoError(t, err)
	assert.Equal(t, domain.RestartSentinelYear, snapshot.LastUpdated.Year())
}

func TestBasicDataTimestampPadding(t *testing.T) {
	tests := []struct {
		stamp string
		want  time.Time
	}{
		{"24.05.24 13:33:48", time.Date(2024, 5, 24, 13, 33, 48, 0, time.UTC)},
		{"1.5.24 9:05:03", time.Date(2024, 5, 1, 9, 5, 3, 0, time.UTC)},
		{"01.5.24 09:05:03", time.Date(2024, 5, 1, 9, 5, 3, 0, time.UTC)},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.stamp, func(t *testing.T) {
			body := fmt.Sprintf(`{"801":{"170":{"100":%q,"101":0,"102":0,"103":0,"104":0,"105":0,"106":0,"107":0,"108":0,"109":0,"110":0,"111":0,"112":0,"113":0,"114":0,"115":0,"116":0}}}`, tt.stamp)

			snapshot, err := p.BasicData(decode(t, body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, snapshot.LastUpdated)
		})
	}
}

func TestBasicDataErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing outer key", `{"802":{}}`},
		{"missing inner key", `{"801":{"171":{}}}`},
		{"missing timestamp", `{"801":{"170":{"101":1}}}`},
		{"bad timestamp", `{"801":{"170":{"100":"yesterday"}}}`},
		{"missing field", `{"801":{"170":{"100":"24.05.24 13:33:48","101":1}}}`},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.BasicData(decode(t, tt.body))
			assert.ErrorIs(t, err, domain.ErrUpdate)
		})
	}
}

func TestPowerPerInverter(t *testing.T) {
	body := `{"782":{"0":"1500","1":"0","2":"300.5","3":0,"4":"0"}}`

	power, err := NewParser().PowerPerInverter(decode(t, body))
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 1500, 2: 300.5}, power)
}

func TestPowerPerInverterInvalidID(t *testing.T) {
	_, err := NewParser().PowerPerInverter(decode(t, `{"782":{"x":"10"}}`))
	assert.ErrorIs(t, err, domain.ErrUpdate)
}

func TestEnergyPerInverterUsesPosition(t *testing.T) {
	body := `{"854":[
		["01.01.23",[10,20,30,40]],
		["01.01.24",[1000,0,3000,1000]]
	]}`

	energy, err := NewParser().EnergyPerInverter(decode(t, body))
	require.NoError(t, err)
	assert.Equal(t, map[int]float64{0: 1000, 2: 3000, 3: 1000}, energy)
}

func TestEnergyPerInverterMalformed(t *testing.T) {
	p := NewParser()
	for _, body := range []string{`{"854":[]}`, `{"854":[["01.01.24",5]]}`, `{"854":{}}`} {
		_, err := p.EnergyPerInverter(decode(t, body))
		assert.ErrorIs(t, err, domain.ErrUpdate, body)
	}
}

func TestYearlyEnergy(t *testing.T) {
	body := `{"878":[["01.01.23",100,5,50,7],["01.01.24",2500000,9,1200000,3]]}`

	production, selfConsumption, err := NewParser().YearlyEnergy(decode(t, body))
	require.NoError(t, err)
	assert.Equal(t, 2500000.0, production)
	assert.Equal(t, 1200000.0, selfConsumption)

	_, _, err = NewParser().YearlyEnergy(decode(t, `{"878":[["01.01.24",1]]}`))
	assert.ErrorIs(t, err, domain.ErrUpdate)
}

func TestDeviceList(t *testing.T) {
	body := `{"740":{"3":"WR","0":"WR","1":"Err","2":"BAT"}}`

	ids, err := NewParser().DeviceList(decode(t, body))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 3}, ids)
}

func TestDeviceName(t *testing.T) {
	name, err := NewParser().DeviceName(decode(t, `{"141":{"2":{"119":"Garage"}}}`), 2)
	require.NoError(t, err)
	assert.Equal(t, "Garage", name)

	_, err = NewParser().DeviceName(decode(t, `{"141":{"2":{"119":"Garage"}}}`), 3)
	assert.ErrorIs(t, err, domain.ErrUpdate)
}

func TestBattery(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    *domain.BatteryRecord
		wantErr bool
	}{
		{name: "empty list", body: `{"858":[]}`, want: nil},
		{name: "empty object", body: `{"858":{}}`, want: nil},
		{name: "null", body: `{"858":null}`, want: nil},
		{name: "empty payload", body: `{}`, want: nil},
		{
			name: "flat list",
			body: `{"858":[52.1,80,1200,0]}`,
			want: &domain.BatteryRecord{Voltage: 52.1, Level: 80, ChargePower: 1200, DischargePower: 0},
		},
		{
			name: "nested list uses last row",
			body: `{"858":[[50,10,0,300],[51,20,100,0]]}`,
			want: &domain.BatteryRecord{Voltage: 51, Level: 20, ChargePower: 100, DischargePower: 0},
		},
		{name: "too short", body: `{"858":[1,2]}`, wantErr: true},
		{name: "other key", body: `{"859":[]}`, wantErr: true},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			battery, err := p.Battery(decode(t, tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, domain.ErrUpdate)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, battery)
		})
	}
}

func TestSalt(t *testing.T) {
	tests := []struct {
		name   string
		data   map[string]any
		want   string
		wantOK bool
	}{
		{name: "string", data: map[string]any{"550": "$2a$10$abcdefghijklmnopqrstuu"}, want: "$2a$10$abcdefghijklmnopqrstuu", wantOK: true},
		{name: "object with 100", data: map[string]any{"550": map[string]any{"100": "salt", "101": "x"}}, want: "salt", wantOK: true},
		{name: "object with single entry", data: map[string]any{"550": map[string]any{"0": "salt"}}, want: "salt", wantOK: true},
		{name: "no challenge", data: nil},
		{name: "empty", data: map[string]any{"550": ""}},
		{name: "impossible", data: map[string]any{"550": "QUERY IMPOSSIBLE 000"}},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			salt, ok := p.Salt(tt.data)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, salt)
		})
	}
}
