// Package metrics holds the Prometheus collectors shared by the dispatcher,
// the consumers and the GitHub client.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fwstats"

// Registry is the process-wide registry served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// GitHubRequests counts GitHub API calls by endpoint and outcome.
	GitHubRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "github_requests_total",
		Help:      "GitHub API requests by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// JobsDispatched counts submit decisions.
	JobsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_dispatched_total",
		Help:      "Submitted jobs by decision (published, skipped, rejected).",
	}, []string{"decision"})

	// JobsProcessed counts consumer outcomes.
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_processed_total",
		Help:      "Consumed jobs by outcome (success, retry, dead_lettered, permanent).",
	}, []string{"outcome"})

	// DeadLetters counts dead-letter handling outcomes.
	DeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dead_letters_total",
		Help:      "Dead-lettered jobs by handling outcome (notified, notify_failed, no_recipients).",
	}, []string{"outcome"})

	// PipelineDuration observes end-to-end mining time per job.
	PipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pipeline_duration_seconds",
		Help:      "Time spent mining one user's repositories.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		GitHubRequests,
		JobsDispatched,
		JobsProcessed,
		DeadLetters,
		PipelineDuration,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
