package sipwire

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	parseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipwire_parse_errors_total",
		Help: "Inbound packets dropped because they could not be parsed.",
	})

	retransmitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipwire_retransmits_total",
		Help: "Packet retransmissions performed by the delivery queue.",
	})

	droppedResponses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipwire_dropped_responses_total",
		Help: "Responses dropped because their top Via did not carry the receiving leg's branch tag.",
	})

	deliveryTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sipwire_delivery_timeouts_total",
		Help: "Deliveries failed after exhausting every retransmission.",
	})
)
