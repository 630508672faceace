package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ticksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "montana_presence_ticks_total",
		Help: "Presence seconds accounted while running.",
	})
	flushSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "montana_presence_flush_success_total",
		Help: "Flushes acknowledged by a backend node.",
	})
	flushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "montana_presence_flush_failure_total",
		Help: "Flushes that failed on every backend node.",
	})
	weightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "montana_presence_weight",
		Help: "Current per-second accrual weight.",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "montana_presence_pending",
		Help: "Locally buffered accrual not yet confirmed.",
	})
)
