// Package metrics exposes the per-component counters/gauges the core
// emits, grounded on 99souls-ariadne's PrometheusProvider
// (engine/telemetry/metrics/prometheus.go) but scaled down to the fixed
// set of stats this repo actually needs rather than a generic registry
// wrapper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the core components publish. One
// instance is normally shared process-wide.
type Registry struct {
	reg *prometheus.Registry

	// LifecycleCoordinator (§4.C)
	Constructed prometheus.Counter
	Destructed  prometheus.Counter
	Timeouts    prometheus.Counter

	// GhostEngine (§4.D)
	GhostsCreated   prometheus.Counter
	GhostsPromoted  prometheus.Counter
	GhostsPruned    prometheus.Counter
	PromotionsQueued prometheus.Gauge

	// NetworkIdAllocator (§4.A)
	IDBlockRequests prometheus.Counter
	IDLowWaterHits  prometheus.Counter

	// SmartEgress (§4.F)
	EgressPublished  prometheus.Counter
	EgressSuppressed prometheus.Counter

	// TimeCoordinator (§4.G)
	PLLSnaps      prometheus.Counter
	LockstepStall prometheus.Histogram

	// EntityIdRegistry (§4.B)
	GraveyardCollisions prometheus.Counter
}

// NewRegistry builds and registers every metric on a fresh
// prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		Constructed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_lifecycle_constructed_total", Help: "entities that reached Active"}),
		Destructed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_lifecycle_destructed_total", Help: "entities destroyed after all destruct ACKs"}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_lifecycle_timeouts_total", Help: "construction/destruction timeout sweeps"}),
		GhostsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_ghost_created_total", Help: "ghost placeholders created"}),
		GhostsPromoted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_ghost_promoted_total", Help: "ghosts promoted via blueprint"}),
		GhostsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_ghost_pruned_total", Help: "stale ghosts destroyed"}),
		PromotionsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fdp_ghost_promotions_queued", Help: "ghosts with a pending SpawnRequest"}),
		IDBlockRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_id_block_requests_total", Help: "IdBlockRequest messages published"}),
		IDLowWaterHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_id_low_water_total", Help: "times the local id pool crossed below low_water"}),
		EgressPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_egress_published_total", Help: "should_publish decisions returning true"}),
		EgressSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_egress_suppressed_total", Help: "should_publish decisions returning false"}),
		PLLSnaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_time_pll_snaps_total", Help: "hard clock snaps due to clock divergence"}),
		LockstepStall: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "fdp_time_lockstep_stall_seconds", Help: "wall time a lockstep master spent awaiting FrameAcks",
			Buckets: prometheus.DefBuckets}),
		GraveyardCollisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fdp_registry_graveyard_collisions_total", Help: "register()/ghost creation attempts against a graveyarded id"}),
	}
	for _, c := range []prometheus.Collector{
		m.Constructed, m.Destructed, m.Timeouts,
		m.GhostsCreated, m.GhostsPromoted, m.GhostsPruned, m.PromotionsQueued,
		m.IDBlockRequests, m.IDLowWaterHits,
		m.EgressPublished, m.EgressSuppressed,
		m.PLLSnaps, m.LockstepStall,
		m.GraveyardCollisions,
	} {
		reg.MustRegister(c)
	}
	return m
}

// Handler exposes the Prometheus text format over HTTP.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
