package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesEvaluated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_messages_evaluated_total",
		Help: "Messages run through the pipeline, by outcome (skipped, clean, actioned).",
	}, []string{"outcome"})
	signalsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_signals_total",
		Help: "Signals fired by evaluators.",
	}, []string{"source"})
	actionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_actions_total",
		Help: "Actions executed, by kind.",
	}, []string{"action"})
	stepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_step_failures_total",
		Help: "Executor steps that failed, by step and outcome.",
	}, []string{"step", "outcome"})
	classifierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "modguard_classifier_duration_seconds",
		Help:    "Classifier call latency.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
	}, []string{"result"})
	sanctionsLifted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_sanctions_lifted_total",
		Help: "Sanction lifts, by kind and result (ok, retry, dropped).",
	}, []string{"kind", "result"})
	sanctionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "modguard_sanctions_active",
		Help: "Active temporary sanctions after the last expiry tick.",
	}, []string{"kind"})
	evaluatorPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_evaluator_panics_total",
		Help: "Recovered evaluator panics.",
	}, []string{"evaluator"})
	persistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modguard_persist_failures_total",
		Help: "Durable write failures, by operation.",
	}, []string{"op"})
)
