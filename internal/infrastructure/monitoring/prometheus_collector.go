package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector keeps lecturecast metrics on a private registry so
// tests and embedded servers do not collide on the default one.
type PrometheusCollector struct {
	registry *prometheus.Registry

	// Counters
	streamsStarted   *prometheus.CounterVec
	streamsFinished  *prometheus.CounterVec
	pipelineFailures *prometheus.CounterVec
	viewerEvents     *prometheus.CounterVec
	tokensIssued     *prometheus.CounterVec
	remoteEvents     *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec

	// Histograms
	httpDuration *prometheus.HistogramVec

	// Stream metrics
	streamViewers *prometheus.GaugeVec
	streamBitrate *prometheus.GaugeVec
	streamBytes   *prometheus.GaugeVec
}

// NewPrometheusCollector builds the collector. activeStreams, when set, is
// sampled on every scrape for the active stream gauge.
func NewPrometheusCollector(activeStreams func() int) *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	if activeStreams != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "lecturecast_streams_active",
			Help: "Sessions currently holding an encoder slot",
		}, func() float64 { return float64(activeStreams()) })
	}

	return &PrometheusCollector{
		registry: reg,

		streamsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_streams_started_total",
			Help: "Streams brought on air, by quality tier",
		}, []string{"quality"}),

		streamsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_streams_finished_total",
			Help: "Streams that left the air, by final status",
		}, []string{"status"}),

		pipelineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_pipeline_failures_total",
			Help: "Media pipeline failures by stage",
		}, []string{"stage"}),

		viewerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_viewer_events_total",
			Help: "Player and chat telemetry events",
		}, []string{"event"}),

		tokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_tokens_issued_total",
			Help: "Tokens minted, by kind",
		}, []string{"kind"}),

		remoteEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_remote_session_events_total",
			Help: "Session events received from other instances, by kind and status",
		}, []string{"kind", "status"}),

		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lecturecast_http_requests_total",
			Help: "HTTP requests served",
		}, []string{"method", "route", "status"}),

		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lecturecast_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"}),

		streamViewers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lecturecast_stream_viewers",
			Help: "Current viewers per stream",
		}, []string{"stream_id"}),

		streamBitrate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lecturecast_stream_bitrate_kbps",
			Help: "Last encoder bitrate per stream",
		}, []string{"stream_id"}),

		streamBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lecturecast_stream_output_bytes",
			Help: "Estimated encoder output per stream",
		}, []string{"stream_id"}),
	}
}

// Handler serves the collector's registry in the exposition format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusCollector) StreamStarted(streamID domain.StreamID, quality domain.QualityTier) {
	p.streamsStarted.WithLabelValues(string(quality)).Inc()
	p.streamViewers.WithLabelValues(string(streamID)).Set(0)
}

func (p *PrometheusCollector) StreamStopped(streamID domain.StreamID, status domain.SessionStatus) {
	p.streamsFinished.WithLabelValues(string(status)).Inc()

	// per-stream series go away with the stream
	id := string(streamID)
	p.streamViewers.DeleteLabelValues(id)
	p.streamBitrate.DeleteLabelValues(id)
	p.streamBytes.DeleteLabelValues(id)
}

func (p *PrometheusCollector) PipelineFailed(stage string) {
	p.pipelineFailures.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) SetViewers(streamID domain.StreamID, viewers int) {
	p.streamViewers.WithLabelValues(string(streamID)).Set(float64(viewers))
}

func (p *PrometheusCollector) ObserveProgress(streamID domain.StreamID, bitrateKbps float64, totalBytes int64) {
	id := string(streamID)
	if bitrateKbps > 0 {
		p.streamBitrate.WithLabelValues(id).Set(bitrateKbps)
	}
	p.streamBytes.WithLabelValues(id).Set(float64(totalBytes))
}

func (p *PrometheusCollector) ViewerEvent(event domain.ViewerEvent) {
	p.viewerEvents.WithLabelValues(string(event)).Inc()
}

func (p *PrometheusCollector) TokenIssued(kind string) {
	p.tokensIssued.WithLabelValues(kind).Inc()
}

// RemoteEvent counts a session event published by another instance.
func (p *PrometheusCollector) RemoteEvent(e domain.SessionEvent) {
	p.remoteEvents.WithLabelValues(string(e.Kind), string(e.Status)).Inc()
}

func (p *PrometheusCollector) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)
