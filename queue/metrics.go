package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the router's Prometheus instruments.
type metrics struct {
	jobsEnqueued     *prometheus.CounterVec
	jobsDeduplicated *prometheus.CounterVec
	jobsRouted       *prometheus.CounterVec
	queuesCreated    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		jobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Number of jobs enqueued, by queue.",
		}, []string{"queue"}),
		jobsDeduplicated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_deduplicated_total",
			Help: "Number of enqueue attempts skipped because the job id was already pending, by queue.",
		}, []string{"queue"}),
		jobsRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_routed_total",
			Help: "Number of routing decisions, by target kind.",
		}, []string{"target"}),
		queuesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_queues_created_total",
			Help: "Number of queue clients created by this process.",
		}),
	}
}
