package connector

import (
	"context"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/protocol"
	"github.com/resident-x/go-solarlog/internal/transport"
)

// send posts one query with the session attached.
func (c *Connector) send(ctx context.Context, query protocol.Query) (*transport.Response, error) {
	req := transport.Request{Path: transport.PathQuery, Body: query.Payload}
	c.session.Authorize(&req)

	c.logger.Debug().Str("query", query.String()).Msg("Sending query")
	return c.transport.Send(ctx, req)
}

// query sends one query and classifies the answer.
func (c *Connector) query(ctx context.Context, query protocol.Query) (map[string]any, error) {
	resp, err := c.send(ctx, query)
	if err != nil {
		return nil, err
	}
	return protocol.Classify(resp, query)
}

func (c *Connector) fetchBasicData(ctx context.Context) (*domain.Snapshot, error) {
	data, err := c.query(ctx, protocol.BasicDataQuery())
	if err != nil {
		return nil, err
	}
	return c.parser.BasicData(data)
}

func (c *Connector) fetchPowerPerInverter(ctx context.Context) (map[int]float64, error) {
	data, err := c.query(ctx, protocol.PowerPerInverterQuery())
	if err != nil {
		return nil, err
	}
	return c.parser.PowerPerInverter(data)
}

func (c *Connector) fetchEnergyPerInverter(ctx context.Context) (map[int]float64, error) {
	data, err := c.query(ctx, protocol.EnergyPerInverterQuery())
	if err != nil {
		return nil, err
	}
	return c.parser.EnergyPerInverter(data)
}

func (c *Connector) fetchYearlyEnergy(ctx context.Context) (production, selfConsumption float64, err error) {
	data, err := c.query(ctx, protocol.YearlyEnergyQuery())
	if err != nil {
		return 0, 0, err
	}
	return c.parser.YearlyEnergy(data)
}

// fetchDeviceNames reads the device list and then the name of every device
// that is not in error, one request per device.
func (c *Connector) fetchDeviceNames(ctx context.Context) (map[int]string, error) {
	data, err := c.query(ctx, protocol.DeviceListQuery())
	if err != nil {
		return nil, err
	}
	ids, err := c.parser.DeviceList(data)
	if err != nil {
		return nil, err
	}

	names := make(map[int]string, len(ids))
	for _, id := range ids {
		data, err := c.query(ctx, protocol.DeviceNameQuery(id))
		if err != nil {
			return nil, err
		}
		name, err := c.parser.DeviceName(data, id)
		if err != nil {
			return nil, err
		}
		names[id] = name
	}
	return names, nil
}

func (c *Connector) fetchBattery(ctx context.Context) (*domain.BatteryRecord, error) {
	data, err := c.query(ctx, protocol.BatteryQuery())
	if err != nil {
		return nil, err
	}
	return c.parser.Battery(data)
}
