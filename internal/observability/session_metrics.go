package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/geospatial-session/model"
)

// SessionCollector exposes the session's localization, anchor and surface
// state as Prometheus metrics. It satisfies the metrics recorder
// interfaces of the anchor manager, the geometry synchronizer and the
// session controller.
type SessionCollector struct {
	gatherer prometheus.Gatherer

	LocalizationState prometheus.Gauge
	Transitions       *prometheus.CounterVec
	AnchorsLive       prometheus.Gauge
	AnchorsPending    prometheus.Gauge
	HistoryEntries    prometheus.Gauge
	Placements        *prometheus.CounterVec
	Surfaces          prometheus.Gauge
	TickDuration      prometheus.Histogram
	FatalErrors       prometheus.Counter
}

// NewSessionCollector registers session metrics against reg, defaulting
// to the global registry when nil.
func NewSessionCollector(reg prometheus.Registerer) (*SessionCollector, error) {
	reg, gatherer := resolveRegistry(reg)
	c := &SessionCollector{gatherer: gatherer}

	var err error
	if c.LocalizationState, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_localization_state",
		Help: "Current localization state (0=Initializing 1=Localizing 2=Localized 3=Lost 4=TimedOut 5=Failed).",
	}), "session_localization_state"); err != nil {
		return nil, err
	}
	if c.Transitions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_localization_transitions_total",
		Help: "Localization state transitions, labeled by source and destination state.",
	}, []string{"from", "to"}), "session_localization_transitions_total"); err != nil {
		return nil, err
	}
	if c.AnchorsLive, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_anchors_live",
		Help: "Live anchors, pending resolutions included.",
	}), "session_anchors_live"); err != nil {
		return nil, err
	}
	if c.AnchorsPending, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_anchors_pending",
		Help: "Anchors awaiting asynchronous resolution.",
	}), "session_anchors_pending"); err != nil {
		return nil, err
	}
	if c.HistoryEntries, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_anchor_history_entries",
		Help: "Entries in the persisted anchor history.",
	}), "session_anchor_history_entries"); err != nil {
		return nil, err
	}
	if c.Placements, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "session_anchor_placements_total",
		Help: "Anchor placement outcomes, labeled by anchor type, source and outcome.",
	}, []string{"type", "source", "outcome"}), "session_anchor_placements_total"); err != nil {
		return nil, err
	}
	if c.Surfaces, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "session_surface_entities",
		Help: "Rendered surface geometry entities.",
	}), "session_surface_entities"); err != nil {
		return nil, err
	}
	if c.TickDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "session_tick_duration_seconds",
		Help:    "Wall time spent processing one session tick.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	}), "session_tick_duration_seconds"); err != nil {
		return nil, err
	}
	if c.FatalErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "session_fatal_errors_total",
		Help: "Fatal session errors that started the shutdown grace period.",
	}), "session_fatal_errors_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Handler exposes a /metrics handler for the collector's registry.
func (c *SessionCollector) Handler() http.Handler {
	if c == nil {
		return handlerFor(nil)
	}
	return handlerFor(c.gatherer)
}

// Gatherer returns the gatherer backing the collector.
func (c *SessionCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

func (c *SessionCollector) SetAnchorCounts(live, pending, history int) {
	if c == nil {
		return
	}
	c.AnchorsLive.Set(float64(live))
	c.AnchorsPending.Set(float64(pending))
	c.HistoryEntries.Set(float64(history))
}

func (c *SessionCollector) ObservePlacement(anchorType, source, outcome string) {
	if c == nil {
		return
	}
	c.Placements.WithLabelValues(anchorType, source, outcome).Inc()
}

func (c *SessionCollector) SetSurfaceCount(n int) {
	if c == nil {
		return
	}
	c.Surfaces.Set(float64(n))
}

// ObserveTransition records a localization transition and updates the
// state gauge to its destination.
func (c *SessionCollector) ObserveTransition(from, to model.LocalizationState) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(from.String(), to.String()).Inc()
	c.LocalizationState.Set(float64(to))
}

func (c *SessionCollector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
}

func (c *SessionCollector) IncFatal() {
	if c == nil {
		return
	}
	c.FatalErrors.Inc()
}
