package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracel_api_requests_total",
		Help: "HTTP requests served, by method and status.",
	}, []string{"method", "status"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_api_ratelimited_total",
		Help: "Requests refused by the rate limiter.",
	})

	contactSubmissions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracel_api_contact_submissions_total",
		Help: "Accepted contact-form submissions.",
	})
)
