// Package metrics 提供 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 上游 Fetcher 指标
var (
	FetcherRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmrelay_fetcher_rooms",
		Help: "Number of rooms with a live upstream fetcher",
	})

	FetcherReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmrelay_fetcher_reconnects_total",
		Help: "Upstream reconnect attempts by room",
	}, []string{"room_id"})

	FetcherFramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmrelay_fetcher_frames_received_total",
		Help: "Binary frames received from upstream",
	})

	FetcherDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmrelay_fetcher_decode_errors_total",
		Help: "Frames dropped due to decode failure",
	})

	FetcherMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmrelay_fetcher_messages_total",
		Help: "Upstream messages dispatched by method",
	}, []string{"method"})

	FetcherHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmrelay_fetcher_heartbeats_total",
		Help: "Heartbeat frames sent upstream",
	})
)

// 下游 Relay 指标
var (
	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dmrelay_subscribers",
		Help: "Total number of downstream subscribers",
	})

	RelayRoomSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dmrelay_room_subscribers",
		Help: "Downstream subscribers per room",
	}, []string{"room_id"})

	RelayEventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmrelay_events_sent_total",
		Help: "Events delivered to subscribers by type",
	}, []string{"type"})

	RelayDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmrelay_delivery_failures_total",
		Help: "Subscriber deliveries that failed and evicted the subscriber",
	})

	EnrichLookupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dmrelay_enrich_lookup_failures_total",
		Help: "Best-effort enrichment lookups that returned nothing",
	}, []string{"kind"})

	MirrorMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmrelay_mirror_messages_total",
		Help: "Chat records mirrored to Kafka",
	})

	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dmrelay_mirror_failures_total",
		Help: "Kafka mirror produce failures",
	})
)
