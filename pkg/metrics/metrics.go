// Package metrics exposes the Prometheus instrumentation for the voice
// service on a dedicated registry, keeping the scrape surface free of
// default collectors from other libraries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var registry = prometheus.NewRegistry()

var (
	PlayersConnected = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "voicechat_players_connected",
		Help: "Number of players with an active voice state",
	})

	ChannelsActive = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "voicechat_channels_active",
		Help: "Number of voice channels",
	})

	GroupsActive = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "voicechat_groups_active",
		Help: "Number of voice groups",
	})

	FramesRouted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "voicechat_audio_frames_routed_total",
		Help: "Audio frames accepted into the routing path",
	})

	FramesRejected = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_audio_frames_rejected_total",
		Help: "Audio frames rejected before fan-out",
	}, []string{"reason"})

	FanoutDeliveries = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "voicechat_audio_deliveries_total",
		Help: "Per-listener frame deliveries",
	})

	WhisperFrames = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "voicechat_audio_whisper_frames_total",
		Help: "Frames routed through the whisper path",
	})

	RouteDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "voicechat_audio_route_duration_seconds",
		Help:    "Time spent routing one audio frame",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	PacketDecodeErrors = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "voicechat_protocol_decode_errors_total",
		Help: "Inbound packets that failed to decode",
	})

	RecordingSessions = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Name: "voicechat_recording_sessions_active",
		Help: "Active recording sessions",
	})

	EventsPublished = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "voicechat_events_published_total",
		Help: "Events published to the message broker",
	}, []string{"event"})

	EventPublishFailures = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "voicechat_events_publish_failures_total",
		Help: "Event publishes that failed",
	})
)

// Init registers the process collectors and logs the metric surface
func Init(logger *logrus.Logger) {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	logger.Debug("Metrics registry initialized")
}

// Handler returns the scrape handler for the service registry
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
