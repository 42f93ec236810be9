// Package metrics exposes the server's operational counters: submit and
// verify outcomes, mailer failures, and a histogram for mailer send latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the server registers. Construct once at
// startup and pass by reference to every collaborator that needs to record
// an observation; there is no package-level global registry use beyond the
// default one promauto registers against.
type Metrics struct {
	SubmitTotal        *prometheus.CounterVec
	VerifyTotal        *prometheus.CounterVec
	MailerFailureTotal prometheus.Counter
	MailerSendSeconds  prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		SubmitTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keyserver_submit_total",
			Help: "Count of submit operations by outcome.",
		}, []string{"outcome"}),
		VerifyTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "keyserver_verify_total",
			Help: "Count of verify operations by outcome.",
		}, []string{"outcome"}),
		MailerFailureTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "keyserver_mailer_failures_total",
			Help: "Count of individual recipient send failures.",
		}),
		MailerSendSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "keyserver_mailer_send_seconds",
			Help:    "Latency of a single outbound mail send.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
