package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricEmits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsocket_emits_total",
		Help: "Mailbox slots written, by delivery scope",
	}, []string{"scope"})

	metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsocket_deliveries_total",
		Help: "Messages handed to listeners, by delivery scope",
	}, []string{"scope"})

	metricDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsocket_dropped_total",
		Help: "Messages dropped before reaching the store or a listener",
	}, []string{"reason"})

	metricStoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "roomsocket_store_errors_total",
		Help: "Store operations that failed, by socket operation",
	}, []string{"op"})

	metricConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "roomsocket_connected_sockets",
		Help: "Sockets in this process whose presence record is acknowledged",
	})
)

const (
	dropUnresolvedIdentity = "unresolved_identity"
	dropReservedEvent      = "reserved_event"
	dropDuplicate          = "duplicate"
	dropNotMember          = "not_member"
)
