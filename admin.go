package edgemq

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
)

// statsUpgrader accepts the metrics sidecar's live-stats stream
// (spec.md §6 "Metrics sidecar" — a push feed for a local dashboard
// alongside the pull-based /metrics scrape endpoint). This is a plain
// JSON admin feed rather than the MQTT wire protocol itself, which is
// why it uses gorilla/websocket instead of the golang.org/x/net/websocket
// the MQTT listener is built on.
var statsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type liveStats struct {
	Timestamp         time.Time `json:"timestamp"`
	ActiveConnections float64   `json:"activeConnections"`
	PacketsReceived   float64   `json:"packetsReceived"`
	PacketsSent       float64   `json:"packetsSent"`
}

// streamStatsHandler pushes a liveStats snapshot once a second until
// the client disconnects.
func streamStatsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := statsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("edgemq: stats stream upgrade failed")
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		snap := liveStats{
			Timestamp:         time.Now(),
			ActiveConnections: gaugeValue(stat.ActiveConnections),
			PacketsReceived:   counterValue(stat.PacketReceived),
			PacketsSent:       counterValue(stat.PacketSent),
		}
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}

func gaugeValue(g prometheus.Gauge) float64 {
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func counterValue(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
