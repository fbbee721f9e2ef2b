package flow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_sessions_started_total",
		Help: "Conversation sessions started.",
	})

	sessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duetpipe_sessions_ended_total",
		Help: "Conversation sessions ended, by reason (completed, cancelled).",
	}, []string{"reason"})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duetpipe_active_sessions",
		Help: "Sessions currently held in the session store.",
	})

	phaseAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duetpipe_phase_advances_total",
		Help: "Phase transitions, by the phase entered.",
	}, []string{"phase"})

	turnSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_turn_switches_total",
		Help: "Active participant switches after a completed pass.",
	})

	turnViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duetpipe_ignored_messages_total",
		Help: "Inbound messages not processed as answers, by kind.",
	}, []string{"kind"})

	generatorFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duetpipe_generator_fallbacks_total",
		Help: "Phase generator calls replaced by fallback content, by phase and reason.",
	}, []string{"phase", "reason"})

	generatorLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "duetpipe_generator_latency_seconds",
		Help:    "Phase generator call latency, including calls that timed out.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8},
	}, []string{"kind"})

	transcriptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_transcript_write_failures_total",
		Help: "Transcript records that could not be persisted.",
	})

	samplerResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_sampler_resets_total",
		Help: "Scenario sampler cycle resets.",
	})
)
