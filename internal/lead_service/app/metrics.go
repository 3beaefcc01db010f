package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	leadsProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "processor",
			Name:      "leads_processed_total",
			Help:      "Total leads processed, labeled by outcome (new, duplicate, failed).",
		},
		[]string{"outcome"},
	)

	parseFailuresCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "processor",
			Name:      "parse_failures_total",
			Help:      "Total payloads rejected by the ADF parser.",
		},
	)

	attributionCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "processor",
			Name:      "attribution_total",
			Help:      "Dealership attribution results, labeled by match method.",
		},
		[]string{"method"},
	)
)
