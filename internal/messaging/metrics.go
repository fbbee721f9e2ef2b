package messaging

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duetpipe_inbound_events_total",
		Help: "Inbound transport events, by transport and kind.",
	}, []string{"transport", "kind"})

	inboundDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_inbound_duplicates_total",
		Help: "Inbound events dropped because their message id was already recorded.",
	})

	outboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "duetpipe_outbound_messages_total",
		Help: "Outbound messages handed to the transport, by kind.",
	}, []string{"kind"})

	outboundFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_outbound_failures_total",
		Help: "Outbound messages the transport failed to send.",
	})

	mailboxOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "duetpipe_dispatcher_mailbox_overflows_total",
		Help: "Inbound events dropped because their conversation's mailbox was full.",
	})

	activeMailboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "duetpipe_dispatcher_mailboxes",
		Help: "Conversations with a running dispatcher mailbox.",
	})
)
