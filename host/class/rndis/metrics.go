package rndis

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	rxFrames          prometheus.Counter
	txFrames          prometheus.Counter
	rxDropped         prometheus.Counter
	keepaliveFailures prometheus.Counter
	connects          prometheus.Counter
	connectFailures   prometheus.Counter
	linkUp            prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		rxFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_rx_frames_total",
			Help: "Frames delivered to the link",
		}),
		txFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_tx_frames_total",
			Help: "Frames written to the device",
		}),
		rxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_rx_dropped_total",
			Help: "Received packets discarded as malformed or refused by the link",
		}),
		keepaliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_keepalive_failures_total",
			Help: "Keepalive exchanges that failed or timed out",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_connects_total",
			Help: "Successful negotiations",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rndis_connect_failures_total",
			Help: "Negotiations that failed",
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rndis_link_up",
			Help: "Whether the link has been reported up",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rxFrames, m.txFrames, m.rxDropped, m.keepaliveFailures,
			m.connects, m.connectFailures, m.linkUp)
	}
	return m
}
