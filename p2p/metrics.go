package p2p

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
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peers       *prometheus.GaugeVec
	traffic     *prometheus.CounterVec
	activeBans  prometheus.Gauge
	dials       *prometheus.CounterVec
	disconnects *prometheus.CounterVec

	meter          metric.Meter
	dialCounter    metric.Int64Counter
	trafficCounter metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "ember_p2p_peers",
				Help: "Connected peers by direction.",
			}, []string{"direction"}),
			traffic: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ember_p2p_bytes_total",
				Help: "Bytes moved across all peer connections by direction.",
			}, []string{"direction"}),
			activeBans: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ember_p2p_active_bans",
				Help: "Subnet ban entries currently held, expired included.",
			}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ember_p2p_dials_total",
				Help: "Outbound dial attempts by result.",
			}, []string{"result"}),
			disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ember_p2p_disconnects_total",
				Help: "Peer disconnects by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(nm.peers, nm.traffic, nm.activeBans, nm.dials, nm.disconnects)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("embercoin/p2p")
	dialCounter, err := meter.Int64Counter("ember.p2p.dials")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("embercoin/p2p")
		dialCounter, _ = fallback.Int64Counter("ember.p2p.dials")
		meter = fallback
	}
	trafficCounter, err := meter.Int64Counter("ember.p2p.bytes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("embercoin/p2p")
		trafficCounter, _ = fallback.Int64Counter("ember.p2p.bytes")
		meter = fallback
	}
	m.meter = meter
	m.dialCounter = dialCounter
	m.trafficCounter = trafficCounter
}

func (m *networkMetrics) setPeerCounts(inbound, outbound int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("inbound").Set(float64(inbound))
	m.peers.WithLabelValues("outbound").Set(float64(outbound))
}

func (m *networkMetrics) addTraffic(direction string, bytes uint64) {
	if m == nil || bytes == 0 {
		return
	}
	m.traffic.WithLabelValues(direction).Add(float64(bytes))
	if m.trafficCounter != nil {
		m.trafficCounter.Add(
			context.Background(),
			int64(bytes),
			metric.WithAttributes(attribute.String("direction", direction)),
		)
	}
}

func (m *networkMetrics) setActiveBans(count int) {
	if m == nil {
		return
	}
	m.activeBans.Set(float64(count))
}

func (m *networkMetrics) recordDial(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.dials.WithLabelValues(result).Inc()
	if m.dialCounter != nil {
		m.dialCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *networkMetrics) recordDisconnect(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.disconnects.WithLabelValues(reason).Inc()
}
