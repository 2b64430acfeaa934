package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_ws_connections",
		Help: "Currently open websocket connections on this process.",
	})

	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Messages accepted for delivery, by kind.",
	}, []string{"kind"}) // room | private

	metricBackplaneFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_backplane_frames_total",
		Help: "Backplane frames, by direction.",
	}, []string{"direction"}) // published | received

	metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_hub_errors_total",
		Help: "Hub operation failures, by error kind.",
	}, []string{"kind"})
)

func countError(err error) {
	if kind := KindOf(err); kind != "" {
		metricErrors.WithLabelValues(string(kind)).Inc()
	}
}
