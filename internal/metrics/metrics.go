// Package metrics exposes the latest Solar-Log snapshot as Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/scheduler"
)

const namespace = "solarlog"

// Label names.
const (
	LabelHost   = "host"
	LabelType   = "type"
	LabelKind   = "kind"
	LabelPeriod = "period"
	LabelID     = "id"
	LabelName   = "name"
	LabelJob    = "job"
	LabelResult = "result"
)

// metricSet holds the descriptors of the snapshot gauges.
type metricSet struct {
	up                  *prometheus.Desc
	lastUpdate          *prometheus.Desc
	power               *prometheus.Desc
	voltage             *prometheus.Desc
	energy              *prometheus.Desc
	percent             *prometheus.Desc
	alternatorLoss      *prometheus.Desc
	productionYear      *prometheus.Desc
	selfConsumptionYear *prometheus.Desc
	inverterPower       *prometheus.Desc
	inverterConsumption *prometheus.Desc
	batteryLevel        *prometheus.Desc
	batteryVoltage      *prometheus.Desc
	batteryPower        *prometheus.Desc
}

func newMetricSet() *metricSet {
	host := []string{LabelHost}
	device := []string{LabelHost, LabelID, LabelName}

	return &metricSet{
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"Whether the last poll of the Solar-Log succeeded",
			host, nil,
		),
		lastUpdate: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_update_timestamp_seconds"),
			"Device clock of the latest snapshot as unix time",
			host, nil,
		),
		power: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "power_watts"),
			"Instantaneous power (W)",
			[]string{LabelHost, LabelType}, nil,
		),
		voltage: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "voltage_volts"),
			"Voltage (V)",
			[]string{LabelHost, LabelType}, nil,
		),
		energy: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "energy_watt_hours"),
			"Energy counters (Wh)",
			[]string{LabelHost, LabelKind, LabelPeriod}, nil,
		),
		percent: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ratio_percent"),
			"Derived ratios (%)",
			[]string{LabelHost, LabelType}, nil,
		),
		alternatorLoss: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "alternator_loss_watts"),
			"DC power minus AC power (W)",
			host, nil,
		),
		productionYear: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "production_year_watt_hours"),
			"Production of the current year (Wh)",
			host, nil,
		),
		selfConsumptionYear: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "self_consumption_year_watt_hours"),
			"Self consumption of the current year (Wh)",
			host, nil,
		),
		inverterPower: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "inverter", "power_watts"),
			"Current power of a connected device (W)",
			device, nil,
		),
		inverterConsumption: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "inverter", "consumption_year_watt_hours"),
			"Consumption of a connected device in the current year (Wh)",
			device, nil,
		),
		batteryLevel: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "battery", "level_percent"),
			"Battery state of charge (%)",
			host, nil,
		),
		batteryVoltage: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "battery", "voltage_volts"),
			"Battery voltage (V)",
			host, nil,
		),
		batteryPower: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "battery", "power_watts"),
			"Battery charge and discharge power (W)",
			[]string{LabelHost, LabelType}, nil,
		),
	}
}

// Collector implements prometheus.Collector for the latest snapshot and
// keeps the poll counters.
type Collector struct {
	host    string
	metrics *metricSet

	mutex    sync.RWMutex
	snapshot *domain.Snapshot
	up       bool

	polls        *prometheus.CounterVec
	pollDuration *prometheus.HistogramVec
	registry     *prometheus.Registry
}

// NewCollector creates a collector and registers it on its own registry,
// together with the Go runtime and process collectors.
func NewCollector(host string) *Collector {
	c := &Collector{
		host:    host,
		metrics: newMetricSet(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Scheduler job runs by result",
		}, []string{LabelJob, LabelResult}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of scheduler job runs",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{LabelJob}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c,
		c.polls,
		c.pollDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Observe stores the snapshot served on the next scrape.
func (c *Collector) Observe(snapshot *domain.Snapshot) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.snapshot = snapshot
	c.up = true
}

// ObservePoll records the outcome of one scheduler job run. A failed
// snapshot poll marks the device down until the next success.
func (c *Collector) ObservePoll(job string, duration time.Duration, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.polls.WithLabelValues(job, result).Inc()
	c.pollDuration.WithLabelValues(job).Observe(duration.Seconds())

	if err != nil && job == scheduler.JobSnapshot {
		c.mutex.Lock()
		c.up = false
		c.mutex.Unlock()
	}
}

// Handler serves the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.metrics.up
	ch <- c.metrics.lastUpdate
	ch <- c.metrics.power
	ch <- c.metrics.voltage
	ch <- c.metrics.energy
	ch <- c.metrics.percent
	ch <- c.metrics.alternatorLoss
	ch <- c.metrics.productionYear
	ch <- c.metrics.selfConsumptionYear
	ch <- c.metrics.inverterPower
	ch <- c.metrics.inverterConsumption
	ch <- c.metrics.batteryLevel
	ch <- c.metrics.batteryVoltage
	ch <- c.metrics.batteryPower
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mutex.RLock()
	snapshot, up := c.snapshot, c.up
	c.mutex.RUnlock()

	upValue := 0.0
	if up {
		upValue = 1
	}
	ch <- prometheus.MustNewConstMetric(c.metrics.up, prometheus.GaugeValue, upValue, c.host)

	if snapshot == nil {
		return
	}

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, append([]string{c.host}, labels...)...)
	}

	gauge(c.metrics.lastUpdate, float64(snapshot.LastUpdated.Unix()))

	gauge(c.metrics.power, snapshot.PowerAC, "ac")
	gauge(c.metrics.power, snapshot.PowerDC, "dc")
	gauge(c.metrics.power, snapshot.ConsumptionAC, "consumption")
	gauge(c.metrics.power, snapshot.PowerAvailable, "available")
	gauge(c.metrics.power, snapshot.TotalPower, "installed")

	gauge(c.metrics.voltage, snapshot.VoltageAC, "ac")
	gauge(c.metrics.voltage, snapshot.VoltageDC, "dc")

	gauge(c.metrics.energy, snapshot.YieldDay, "yield", "day")
	gauge(c.metrics.energy, snapshot.YieldYesterday, "yield", "yesterday")
	gauge(c.metrics.energy, snapshot.YieldMonth, "yield", "month")
	gauge(c.metrics.energy, snapshot.YieldYear, "yield", "year")
	gauge(c.metrics.energy, snapshot.YieldTotal, "yield", "total")
	gauge(c.metrics.energy, snapshot.ConsumptionDay, "consumption", "day")
	gauge(c.metrics.energy, snapshot.ConsumptionYesterday, "consumption", "yesterday")
	gauge(c.metrics.energy, snapshot.ConsumptionMonth, "consumption", "month")
	gauge(c.metrics.energy, snapshot.ConsumptionYear, "consumption", "year")
	gauge(c.metrics.energy, snapshot.ConsumptionTotal, "consumption", "total")

	gauge(c.metrics.percent, snapshot.Usage, "usage")
	if snapshot.Efficiency != nil {
		gauge(c.metrics.percent, *snapshot.Efficiency, "efficiency")
	}
	if snapshot.Capacity != nil {
		gauge(c.metrics.percent, *snapshot.Capacity, "capacity")
	}
	gauge(c.metrics.alternatorLoss, snapshot.AlternatorLoss)

	if snapshot.ProductionYear != nil {
		gauge(c.metrics.productionYear, *snapshot.ProductionYear)
	}
	if snapshot.SelfConsumptionYear != nil {
		gauge(c.metrics.selfConsumptionYear, *snapshot.SelfConsumptionYear)
	}

	for id, record := range snapshot.Inverters {
		label := strconv.Itoa(id)
		if record.CurrentPower != nil {
			gauge(c.metrics.inverterPower, *record.CurrentPower, label, record.Name)
		}
		if record.ConsumptionYear != nil {
			gauge(c.metrics.inverterConsumption, *record.ConsumptionYear, label, record.Name)
		}
	}

	if battery := snapshot.Battery; battery != nil {
		gauge(c.metrics.batteryLevel, battery.Level)
		gauge(c.metrics.batteryVoltage, battery.Voltage)
		gauge(c.metrics.batteryPower, battery.ChargePower, "charge")
		gauge(c.metrics.batteryPower, battery.DischargePower, "discharge")
	}
}
