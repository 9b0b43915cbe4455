// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the counters shared across the queue, scheduler, and API.
type Metrics struct {
	PublishAttempts   *prometheus.CounterVec
	RetriesScheduled  *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	JobsClaimed       prometheus.Counter
	ScheduledPromoted prometheus.Counter
}

// New registers the publisher's metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PublishAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publisher",
			Name:      "publish_attempts_total",
			Help:      "Publish attempts per platform and outcome.",
		}, []string{"platform", "outcome"}),
		RetriesScheduled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publisher",
			Name:      "retries_scheduled_total",
			Help:      "Retry jobs enqueued per platform.",
		}, []string{"platform"}),
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "publisher",
			Name:      "rate_limit_denials_total",
			Help:      "Submissions denied by the hourly rate limiter.",
		}, []string{"platform"}),
		JobsClaimed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "publisher",
			Name:      "jobs_claimed_total",
			Help:      "Jobs claimed by the dispatcher.",
		}),
		ScheduledPromoted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "publisher",
			Name:      "scheduled_posts_promoted_total",
			Help:      "Scheduled posts promoted to publishing by the sweeper.",
		}),
	}
}

// Outcome labels for PublishAttempts.
const (
	OutcomePublished = "published"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)
