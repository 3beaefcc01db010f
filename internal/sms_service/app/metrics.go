package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	smsSentCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "sent_total",
			Help:      "Total SMS messages accepted by the provider.",
		},
	)

	smsFailedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "failed_total",
			Help:      "Total SMS sends that exhausted retries or were rejected.",
		},
	)

	smsSuppressedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "suppressed_total",
			Help:      "Total sends skipped because the recipient opted out.",
		},
	)

	smsRetriesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "retries_total",
			Help:      "Total SMS send retries.",
		},
	)

	deliveryTimeoutsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "delivery_timeouts_total",
			Help:      "Total deliveries marked undelivered after no DLR arrived in time.",
		},
	)

	dlrCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "dlr_total",
			Help:      "Total delivery reports processed, labeled by mapped status.",
		},
		[]string{"status"},
	)

	optOutsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lead_relay",
			Subsystem: "sms",
			Name:      "opt_outs_total",
			Help:      "Total opt-out requests honored.",
		},
	)
)
