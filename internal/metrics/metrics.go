// Package metrics exposes tracker and worker pool collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zanzrukiav/SearchServices/internal/models"
)

const namespace = "search_tracker"

var Floor = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "tracker",
	Name:      "floor",
	Help:      "Last id applied and committed by the tracker.",
}, []string{"core", "tracker"})

var InFlight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "pool",
	Name:      "in_flight",
	Help:      "Jobs queued or running in the tracker's worker pool.",
}, []string{"core", "tracker"})

var Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tracker",
	Name:      "cycles_total",
}, []string{"core", "tracker", "outcome"})

var CycleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "tracker",
	Name:      "cycle_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900},
}, []string{"core", "tracker"})

var Items = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "tracker",
	Name:      "items_total",
	Help:      "Items applied by the tracker, by result.",
}, []string{"core", "tracker", "result"})

var ContentDocs = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "content",
	Name:      "documents_total",
}, []string{"core"})

var ContentSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "content",
	Name:      "seconds_total",
	Help:      "Time spent applying content groups.",
}, []string{"core"})

var Deferred = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "acl_deferral",
	Name:      "nodes",
	Help:      "Node updates waiting on an unresolved ACL.",
}, []string{"core", "state"})

var ModelRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "model",
	Name:      "rejections_total",
}, []string{"core", "model"})

// Collectors returns every collector of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Floor, InFlight, Cycles, CycleDuration, Items,
		ContentDocs, ContentSeconds, Deferred, ModelRejections,
	}
}

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Tracker binds the collectors to one tracker instance.
type Tracker struct {
	core    string
	tracker string
}

// For returns the collectors of a tracker instance.
func For(core string, t models.TrackerType) *Tracker {
	return &Tracker{core: core, tracker: string(t)}
}

func (m *Tracker) SetFloor(id int64) {
	Floor.WithLabelValues(m.core, m.tracker).Set(float64(id))
}

func (m *Tracker) SetInFlight(n int64) {
	InFlight.WithLabelValues(m.core, m.tracker).Set(float64(n))
}

// CycleDone records a finished cycle.
func (m *Tracker) CycleDone(outcome string, d time.Duration) {
	Cycles.WithLabelValues(m.core, m.tracker, outcome).Inc()
	CycleDuration.WithLabelValues(m.core, m.tracker).Observe(d.Seconds())
}

func (m *Tracker) Applied(succeeded, failed int) {
	if succeeded > 0 {
		Items.WithLabelValues(m.core, m.tracker, "success").Add(float64(succeeded))
	}
	if failed > 0 {
		Items.WithLabelValues(m.core, m.tracker, "failure").Add(float64(failed))
	}
}

// ContentGroup records one drained content group.
func (m *Tracker) ContentGroup(docs int, d time.Duration) {
	ContentDocs.WithLabelValues(m.core).Add(float64(docs))
	ContentSeconds.WithLabelValues(m.core).Add(d.Seconds())
}

func (m *Tracker) SetDeferred(pending, stuck int) {
	Deferred.WithLabelValues(m.core, "pending").Set(float64(pending))
	Deferred.WithLabelValues(m.core, "stuck").Set(float64(stuck))
}

func (m *Tracker) ModelRejected(name string) {
	ModelRejections.WithLabelValues(m.core, name).Inc()
}
