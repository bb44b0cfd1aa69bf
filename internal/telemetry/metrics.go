package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsCreated          = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_jobs_created_total", Help: "Jobs opened at intake"})
	TransitionsCommitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_transitions_committed_total", Help: "Stage transitions committed"})
	StructuralRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_transitions_structural_rejects_total", Help: "Transitions rejected by the transition table"})
	GuardRejects         = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_transitions_guard_rejects_total", Help: "Transitions rejected by guards"})
	StageConflicts       = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_transitions_conflicts_total", Help: "Transitions lost to a concurrent writer"})
	ForcedTransitions    = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_transitions_forced_total", Help: "Administrative forced transitions"})
	RateLimitRejects     = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_intake_rate_limit_rejects_total", Help: "Intake requests rejected by rate limiter"})
	EvidenceUploads      = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_evidence_uploads_total", Help: "Evidence files stored"})
	EffectSuccess        = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_effects_completed_total", Help: "Side effects completed"})
	EffectFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_effects_failed_total", Help: "Side effects that failed and will retry"})
	EffectDeadLetter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "refurb_effects_dead_letter_total", Help: "Side effects moved to DLQ"})
	EffectQueueDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refurb_effects_queue_depth", Help: "Ready effect queue depth"})
	EffectsInFlight      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "refurb_effects_inflight", Help: "Effects currently leased"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsCreated,
			TransitionsCommitted,
			StructuralRejects,
			GuardRejects,
			StageConflicts,
			ForcedTransitions,
			RateLimitRejects,
			EvidenceUploads,
			EffectSuccess,
			EffectFailures,
			EffectDeadLetter,
			EffectQueueDepth,
			EffectsInFlight,
		)
	})
	return promhttp.Handler()
}
