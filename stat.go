package edgemq

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stat holds the broker's Prometheus metrics (spec.md §6 "Metrics
// sidecar").
type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	ByteReceived      prometheus.Counter
	PacketSent        prometheus.Counter
	ByteSent          prometheus.Counter
}

var stat = Stat{
	Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "edgemq_uptime_seconds", Help: "Uptime in seconds"}),
	ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "edgemq_active_connections", Help: "Active MQTT connections"}),
	PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "edgemq_packets_received_total", Help: "Total MQTT control packets received"}),
	ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "edgemq_bytes_received_total", Help: "Total bytes received"}),
	PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "edgemq_packets_sent_total", Help: "Total MQTT control packets sent"}),
	ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "edgemq_bytes_sent_total", Help: "Total bytes sent"}),
}

func (s *Stat) Register() {
	prometheus.MustRegister(s.Uptime, s.ActiveConnections, s.PacketReceived, s.ByteReceived, s.PacketSent, s.ByteSent)
}

func (s *Stat) RefreshUptime() {
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for range tick.C {
			s.Uptime.Inc()
		}
	}()
}

// ServeMetrics exposes /metrics and pprof on addr, the sidecar surface a
// co-located monitoring agent scrapes (spec.md §6 "Metrics sidecar").
func ServeMetrics(ctx context.Context, addr string) error {
	stat.Register()
	stat.RefreshUptime()

	mux := requests.NewServeMux(requests.URL(addr))
	mux.Route("/metrics", promhttp.Handler())
	mux.Route("/stream", http.HandlerFunc(streamStatsHandler))
	mux.Pprof()

	srv := requests.NewServer(ctx, mux, requests.OnStart(func(s *http.Server) {
		log.Infof("edgemq: metrics sidecar listening on %s", s.Addr)
	}))
	return srv.ListenAndServe()
}
