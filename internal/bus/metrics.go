package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medpipe_bus_published_total",
			Help: "Events published per topic.",
		},
		[]string{"backend", "topic"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medpipe_bus_deliveries_total",
			Help: "Deliveries handed to subscribers, by outcome (ack, retry, dropped).",
		},
		[]string{"backend", "topic", "group", "outcome"},
	)

	pendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medpipe_bus_pending",
			Help: "Events queued or awaiting redelivery in the in-memory bus.",
		},
		[]string{"topic", "group"},
	)
)

const (
	outcomeAck     = "ack"
	outcomeRetry   = "retry"
	outcomeDropped = "dropped"
)
