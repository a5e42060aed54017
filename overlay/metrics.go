package overlay

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *groupMetrics
)

type groupMetrics struct {
	authenticatedPeers prometheus.Gauge
	reportedPeers      prometheus.Gauge
	pendingHandshakes  prometheus.Gauge
	handshake          *prometheus.CounterVec
	evictions          *prometheus.CounterVec
	broadcasts         prometheus.Counter
	maintenanceSends   *prometheus.CounterVec
	violations         *prometheus.CounterVec

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	evictionCounter  metric.Int64Counter
	broadcastCounter metric.Int64Counter
}

func newGroupMetrics() *groupMetrics {
	metricsInitOnce.Do(func() {
		gm := &groupMetrics{
			authenticatedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tradenet_overlay_authenticated_peers",
				Help: "Number of authenticated peers in the table.",
			}),
			reportedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tradenet_overlay_reported_peers",
				Help: "Number of reported (known but unconnected) addresses.",
			}),
			pendingHandshakes: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tradenet_overlay_pending_handshakes",
				Help: "Authentication handshakes currently in flight.",
			}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tradenet_overlay_handshakes_total",
				Help: "Authentication handshake outcomes.",
			}, []string{"result"}),
			evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tradenet_overlay_evictions_total",
				Help: "Peers removed from the table, by cause.",
			}, []string{"cause"}),
			broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tradenet_overlay_broadcasts_total",
				Help: "Application payload fan-outs.",
			}),
			maintenanceSends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tradenet_overlay_maintenance_sends_total",
				Help: "Maintenance messages sent, by kind.",
			}, []string{"kind"}),
			violations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tradenet_overlay_protocol_violations_total",
				Help: "Protocol violations observed, by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(gm.authenticatedPeers, gm.reportedPeers,
			gm.pendingHandshakes, gm.handshake, gm.evictions, gm.broadcasts,
			gm.maintenanceSends, gm.violations)
		gm.initMeter()
		sharedMetrics = gm
	})
	return sharedMetrics
}

func (m *groupMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("tradenet/overlay")
	handshakes, err := meter.Int64Counter("tradenet.overlay.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("tradenet/overlay")
		handshakes, _ = fallback.Int64Counter("tradenet.overlay.handshakes")
		meter = fallback
	}
	evictions, err := meter.Int64Counter("tradenet.overlay.evictions")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("tradenet/overlay")
		evictions, _ = fallback.Int64Counter("tradenet.overlay.evictions")
		meter = fallback
	}
	broadcasts, err := meter.Int64Counter("tradenet.overlay.broadcasts")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("tradenet/overlay")
		broadcasts, _ = fallback.Int64Counter("tradenet.overlay.broadcasts")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.evictionCounter = evictions
	m.broadcastCounter = broadcasts
}

func (m *groupMetrics) observeTable(authenticated, reported, handshakes int) {
	if m == nil {
		return
	}
	m.authenticatedPeers.Set(float64(authenticated))
	m.reportedPeers.Set(float64(reported))
	m.pendingHandshakes.Set(float64(handshakes))
}

func (m *groupMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *groupMetrics) recordEviction(cause string) {
	if m == nil {
		return
	}
	if cause == "" {
		cause = "unknown"
	}
	m.evictions.WithLabelValues(cause).Inc()
	if m.evictionCounter != nil {
		m.evictionCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(attribute.String("cause", cause)),
		)
	}
}

func (m *groupMetrics) recordBroadcast(recipients int) {
	if m == nil || recipients <= 0 {
		return
	}
	m.broadcasts.Inc()
	if m.broadcastCounter != nil {
		m.broadcastCounter.Add(contextBackground(), 1)
	}
}

func (m *groupMetrics) recordMaintenanceSend(kind string) {
	if m == nil {
		return
	}
	m.maintenanceSends.WithLabelValues(kind).Inc()
}

func (m *groupMetrics) recordViolation(kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(kind).Inc()
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}
