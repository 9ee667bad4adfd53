package cdc

import "github.com/prometheus/client_golang/prometheus"

// metrics counts port activity. Collectors are only exported when a driver is
// given a registerer.
type metrics struct {
	openPorts prometheus.Gauge
	rxDropped prometheus.Counter
	matched   prometheus.Counter
	unhalted  prometheus.Counter
}

// defaultMetrics serves ports opened without a driver.
var defaultMetrics = newMetrics(nil)

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		openPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdc_ports_open",
			Help: "The number of CDC ports currently open",
		}),
		rxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_rx_overflow_bytes_total",
			Help: "Received bytes dropped because a receive ring was full",
		}),
		matched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_devices_matched_total",
			Help: "Devices that matched a registered callback or port",
		}),
		unhalted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdc_endpoint_halts_cleared_total",
			Help: "Stalled bulk or interrupt endpoints cleared with CLEAR_FEATURE",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.openPorts, m.rxDropped, m.matched, m.unhalted)
	}
	return m
}

func (m *metrics) portOpened()      { m.openPorts.Inc() }
func (m *metrics) portClosed()      { m.openPorts.Dec() }
func (m *metrics) rxOverflow(n int) { m.rxDropped.Add(float64(n)) }
func (m *metrics) deviceMatched()   { m.matched.Inc() }
func (m *metrics) haltCleared()     { m.unhalted.Inc() }
