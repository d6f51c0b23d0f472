// Package metrics holds the prometheus collectors of the capture pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesRendered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "cycles_rendered_total",
		Help:      "Cycles processed by the render loop, by outcome.",
	}, []string{"outcome"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scribe",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent rendering one cycle.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	})

	WaitingCycles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scribe",
		Name:      "waiting_cycles_last",
		Help:      "Waiting cycles of the last note touched by the render loop.",
	})

	StuckSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "stuck_sessions_total",
		Help:      "Sessions whose running flag was cleared after too many waiting cycles.",
	})

	EffectsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "effects_total",
		Help:      "Command effects, by command type and disposition (released, paused, delivered, failed).",
	}, []string{"command_type", "disposition"})

	RenderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scribe",
		Name:      "render_requests_total",
		Help:      "Render requests by result (rendered, queued, ended).",
	}, []string{"result"})
)
