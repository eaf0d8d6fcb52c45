// Copyright 2019-2021 VMware, Inc.
// SPDX-License-Identifier: BSD-2-Clause

package stompserver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	connections     *prometheus.GaugeVec
	frames          *prometheus.CounterVec
	transactions    *prometheus.CounterVec
	detectionErrors prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stomp_connections",
			Help: "Open STOMP connections by transport",
		}, []string{"transport"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_frames_received_total",
			Help: "STOMP frames received by command",
		}, []string{"command"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stomp_transactions_total",
			Help: "STOMP transaction events by outcome",
		}, []string{"outcome"}),
		detectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stomp_transport_detection_errors_total",
			Help: "Connections closed because their transport could not be classified",
		}),
	}
	for _, c := range []prometheus.Collector{m.connections, m.frames, m.transactions, m.detectionErrors} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) connectionOpened(t Transport) {
	if m != nil {
		m.connections.WithLabelValues(t.String()).Inc()
	}
}

func (m *Metrics) connectionClosed(t Transport) {
	if m != nil {
		m.connections.WithLabelValues(t.String()).Dec()
	}
}

func (m *Metrics) frameReceived(command string) {
	if m != nil {
		m.frames.WithLabelValues(command).Inc()
	}
}

func (m *Metrics) transactionOutcome(outcome string) {
	if m != nil {
		m.transactions.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) detectionFailed() {
	if m != nil {
		m.detectionErrors.Inc()
	}
}
