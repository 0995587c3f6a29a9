package scoring

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const (
	axisNode    = "node"
	axisAddress = "address"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *scoringMetrics
)

type scoringMetrics struct {
	events      *prometheus.CounterVec
	punishments *prometheus.CounterVec
	expiries    *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	tracked     *prometheus.GaugeVec
	banned      *prometheus.GaugeVec

	meter              metric.Meter
	eventCounter       metric.Int64Counter
	punishmentCounter  metric.Int64Counter
	punishmentDuration metric.Float64Histogram
}

func newScoringMetrics() *scoringMetrics {
	metricsInitOnce.Do(func() {
		sm := &scoringMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerguard_scoring_events_total",
				Help: "Reputation events recorded per axis and kind.",
			}, []string{"axis", "kind"}),
			punishments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerguard_scoring_punishments_total",
				Help: "Punishments started per axis.",
			}, []string{"axis"}),
			expiries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerguard_scoring_punishment_expiries_total",
				Help: "Punishments that ran out and were forgiven.",
			}, []string{"axis"}),
			evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peerguard_scoring_evictions_total",
				Help: "Records dropped because the store was full.",
			}, []string{"axis"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "peerguard_scoring_punishment_seconds",
				Help:    "Length of started punishments.",
				Buckets: prometheus.ExponentialBuckets(60, 4, 10),
			}, []string{"axis"}),
			tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peerguard_scoring_tracked_records",
				Help: "Reputation records currently held per axis.",
			}, []string{"axis"}),
			banned: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peerguard_scoring_banned_entries",
				Help: "Entries in the administrator ban list.",
			}, []string{"form"}),
		}
		prometheus.MustRegister(sm.events, sm.punishments, sm.expiries, sm.evictions, sm.duration, sm.tracked, sm.banned)
		sm.initMeter()
		sharedMetrics = sm
	})
	return sharedMetrics
}

func (m *scoringMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("peerguard/scoring")
	events, err := meter.Int64Counter("peerguard.scoring.events")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peerguard/scoring")
		events, _ = fallback.Int64Counter("peerguard.scoring.events")
		meter = fallback
	}
	punishments, err := meter.Int64Counter("peerguard.scoring.punishments")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peerguard/scoring")
		punishments, _ = fallback.Int64Counter("peerguard.scoring.punishments")
		meter = fallback
	}
	duration, err := meter.Float64Histogram("peerguard.scoring.punishment_seconds")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("peerguard/scoring")
		duration, _ = fallback.Float64Histogram("peerguard.scoring.punishment_seconds")
		meter = fallback
	}
	m.meter = meter
	m.eventCounter = events
	m.punishmentCounter = punishments
	m.punishmentDuration = duration
}

func (m *scoringMetrics) recordEvent(axis string, kind EventType) {
	if m == nil {
		return
	}
	label := kind.String()
	m.events.WithLabelValues(axis, label).Inc()
	if m.eventCounter != nil {
		m.eventCounter.Add(
			context.Background(),
			1,
			metric.WithAttributes(
				attribute.String("axis", axis),
				attribute.String("kind", label),
			),
		)
	}
}

func (m *scoringMetrics) recordPunishment(axis string, d time.Duration) {
	if m == nil {
		return
	}
	m.punishments.WithLabelValues(axis).Inc()
	m.duration.WithLabelValues(axis).Observe(d.Seconds())
	attrs := metric.WithAttributes(attribute.String("axis", axis))
	if m.punishmentCounter != nil {
		m.punishmentCounter.Add(context.Background(), 1, attrs)
	}
	if m.punishmentDuration != nil {
		m.punishmentDuration.Record(context.Background(), d.Seconds(), attrs)
	}
}

func (m *scoringMetrics) recordExpiry(axis string) {
	if m == nil {
		return
	}
	m.expiries.WithLabelValues(axis).Inc()
}

func (m *scoringMetrics) recordEviction(axis string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(axis).Inc()
}

func (m *scoringMetrics) setTracked(axis string, n int) {
	if m == nil {
		return
	}
	m.tracked.WithLabelValues(axis).Set(float64(n))
}

func (m *scoringMetrics) setBanned(addresses, blocks int) {
	if m == nil {
		return
	}
	m.banned.WithLabelValues("address").Set(float64(addresses))
	m.banned.WithLabelValues("block").Set(float64(blocks))
}
