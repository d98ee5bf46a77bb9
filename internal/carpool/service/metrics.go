package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "booking_duration_seconds",
		Help:    "Time spent creating a ride request, including conflict retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	bookingAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "booking_attempts_total",
		Help: "Ride request attempts grouped by outcome.",
	}, []string{"result"})

	bookingConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "booking_conflict_retries_total",
		Help: "Booking transactions retried after a concurrency conflict.",
	})
)
