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
	peers      *prometheus.GaugeVec
	admissions *prometheus.CounterVec
	dials      *prometheus.CounterVec
	relayCache prometheus.Gauge
	bytes      *prometheus.CounterVec
	waitErrors prometheus.Counter

	meter            metric.Meter
	admissionCounter metric.Int64Counter
	dialCounter      metric.Int64Counter
	byteCounter      metric.Int64Counter
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peerlink_p2p_peers",
				Help: "Active peers by direction.",
			}, []string{"direction"}),
			admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerlink_p2p_inbound_admissions_total",
				Help: "Inbound connection admission outcomes.",
			}, []string{"result"}),
			dials: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerlink_p2p_outbound_dials_total",
				Help: "Outbound connection attempt outcomes.",
			}, []string{"result"}),
			relayCache: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "peerlink_p2p_relay_cache_entries",
				Help: "Entries currently held in the relay cache.",
			}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerlink_p2p_bytes_total",
				Help: "Socket bytes transferred by direction.",
			}, []string{"direction"}),
			waitErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "peerlink_p2p_poll_errors_total",
				Help: "Multiplexer wait failures.",
			}),
		}
		prometheus.MustRegister(nm.peers, nm.admissions, nm.dials, nm.relayCache, nm.bytes, nm.waitErrors)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("peerlink/p2p")
	admissions, err := meter.Int64Counter("peerlink.p2p.admissions")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peerlink/p2p")
		admissions, _ = fallback.Int64Counter("peerlink.p2p.admissions")
		meter = fallback
	}
	dials, err := meter.Int64Counter("peerlink.p2p.dials")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peerlink/p2p")
		dials, _ = fallback.Int64Counter("peerlink.p2p.dials")
		meter = fallback
	}
	bytes, err := meter.Int64Counter("peerlink.p2p.bytes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peerlink/p2p")
		bytes, _ = fallback.Int64Counter("peerlink.p2p.bytes")
		meter = fallback
	}
	m.meter = meter
	m.admissionCounter = admissions
	m.dialCounter = dials
	m.byteCounter = bytes
}

func (m *networkMetrics) setPeers(inbound, outbound int) {
	if m == nil {
		return
	}
	m.peers.WithLabelValues("inbound").Set(float64(inbound))
	m.peers.WithLabelValues("outbound").Set(float64(outbound))
}

func (m *networkMetrics) recordAdmission(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.admissions.WithLabelValues(result).Inc()
	if m.admissionCounter != nil {
		m.admissionCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
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
		m.dialCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *networkMetrics) setRelayCache(size int) {
	if m == nil {
		return
	}
	m.relayCache.Set(float64(size))
}

func (m *networkMetrics) addBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytes.WithLabelValues(direction).Add(float64(n))
	if m.byteCounter != nil {
		m.byteCounter.Add(context.Background(), int64(n),
			metric.WithAttributes(attribute.String("direction", direction)))
	}
}

func (m *networkMetrics) recordWaitError() {
	if m == nil {
		return
	}
	m.waitErrors.Inc()
}
