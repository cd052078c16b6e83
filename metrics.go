package onion

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons recorded by Metrics.cellDropped.
const (
	dropUnknownStream  = "unknown_stream"
	dropClosedStream   = "closed_stream"
	dropPendingStream  = "pending_stream"
	dropUnknownCommand = "unknown_command"
	dropFlowControl    = "flow_control"
	dropUnexpected     = "unexpected"
	dropBufferFull     = "buffer_full"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	cellsSent         *prometheus.CounterVec
	cellsReceived     *prometheus.CounterVec
	sendmesSent       *prometheus.CounterVec
	sendmesReceived   *prometheus.CounterVec
	cellsQueued       prometheus.Counter
	cellsDrained      prometheus.Counter
	cellsDropped      *prometheus.CounterVec
	handshakeFailures *prometheus.CounterVec
	circuitsOpened    prometheus.Counter
	circuitsClosed    *prometheus.CounterVec
	activeCircuits    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, namespace string) (*Metrics, error) {
	m := &Metrics{
		cellsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_sent_total",
				Help:      "Number of cells handed to the transport",
			},
			[]string{"command"},
		),
		cellsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_received_total",
				Help:      "Number of cells received from the transport",
			},
			[]string{"command"},
		),
		sendmesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sendmes_sent_total",
				Help:      "Number of SENDME cells emitted",
			},
			[]string{"scope"},
		),
		sendmesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sendmes_received_total",
				Help:      "Number of SENDME cells received",
			},
			[]string{"scope"},
		),
		cellsQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_queued_total",
				Help:      "Number of DATA cells queued for lack of window",
			},
		),
		cellsDrained: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_drained_total",
				Help:      "Number of queued DATA cells sent after a SENDME",
			},
		),
		cellsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_dropped_total",
				Help:      "Number of received cells dropped",
			},
			[]string{"reason"},
		),
		handshakeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_failures_total",
				Help:      "Number of failed hop handshakes",
			},
			[]string{"kind"},
		),
		circuitsOpened: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuits_opened_total",
				Help:      "Number of circuits that reached Ready",
			},
		),
		circuitsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuits_closed_total",
				Help:      "Number of circuits torn down, by error kind",
			},
			[]string{"kind"},
		),
		activeCircuits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_circuits",
				Help:      "Number of circuits registered with a manager",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.cellsSent, m.cellsReceived, m.sendmesSent, m.sendmesReceived,
		m.cellsQueued, m.cellsDrained, m.cellsDropped, m.handshakeFailures,
		m.circuitsOpened, m.circuitsClosed, m.activeCircuits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) cellSent(cmd LinkCommand) {
	if m == nil {
		return
	}
	m.cellsSent.WithLabelValues(cmd.String()).Inc()
}

func (m *Metrics) cellReceived(cmd LinkCommand) {
	if m == nil {
		return
	}
	m.cellsReceived.WithLabelValues(cmd.String()).Inc()
}

func (m *Metrics) sendmeSent(scope string) {
	if m == nil {
		return
	}
	m.sendmesSent.WithLabelValues(scope).Inc()
}

func (m *Metrics) sendmeReceived(scope string) {
	if m == nil {
		return
	}
	m.sendmesReceived.WithLabelValues(scope).Inc()
}

func (m *Metrics) cellQueued() {
	if m == nil {
		return
	}
	m.cellsQueued.Inc()
}

func (m *Metrics) cellDrained() {
	if m == nil {
		return
	}
	m.cellsDrained.Inc()
}

func (m *Metrics) cellDropped(reason string) {
	if m == nil {
		return
	}
	m.cellsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) handshakeFailed(kind HandshakeKind) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) circuitOpened() {
	if m == nil {
		return
	}
	m.circuitsOpened.Inc()
}

func (m *Metrics) circuitClosed(err error) {
	if m == nil {
		return
	}
	kind := "normal"
	if err != nil {
		kind = KindOf(err).String()
	}
	m.circuitsClosed.WithLabelValues(kind).Inc()
}

func (m *Metrics) circuitRegistered(delta float64) {
	if m == nil {
		return
	}
	m.activeCircuits.Add(delta)
}
