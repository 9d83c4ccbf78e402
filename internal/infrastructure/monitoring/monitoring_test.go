package monitoring

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"lecturecast/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Records(t *testing.T) {
	active := 2
	p := NewPrometheusCollector(func() int { return active })

	p.StreamStarted("stream_a", domain.QualityHigh)
	p.StreamStarted("stream_b", domain.QualityHigh)
	p.SetViewers("stream_a", 7)
	p.ObserveProgress("stream_a", 2400, 1<<20)
	p.PipelineFailed("encoder")
	p.ViewerEvent(domain.ViewerJoined)
	p.TokenIssued("access")
	p.TokenIssued("access")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.streamsStarted.WithLabelValues("high")))
	assert.Equal(t, 7.0, testutil.ToFloat64(p.streamViewers.WithLabelValues("stream_a")))
	assert.Equal(t, 2400.0, testutil.ToFloat64(p.streamBitrate.WithLabelValues("stream_a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.pipelineFailures.WithLabelValues("encoder")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.tokensIssued.WithLabelValues("access")))

	p.StreamStopped("stream_a", domain.StatusEnded)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.streamsFinished.WithLabelValues("ended")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.streamViewers), "only stream_b remains")
}

func TestPrometheusCollector_RemoteEvents(t *testing.T) {
	p := NewPrometheusCollector(nil)

	p.RemoteEvent(domain.SessionEvent{Kind: domain.EventPipelineFailed, StreamID: "stream_a", Status: domain.StatusError})
	p.RemoteEvent(domain.SessionEvent{Kind: domain.EventPipelineFailed, StreamID: "stream_b", Status: domain.StatusError})
	p.RemoteEvent(domain.SessionEvent{Kind: domain.EventStreamEnded, StreamID: "stream_a", Status: domain.StatusEnded})

	assert.Equal(t, 2.0, testutil.ToFloat64(p.remoteEvents.WithLabelValues(string(domain.EventPipelineFailed), "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.remoteEvents.WithLabelValues(string(domain.EventStreamEnded), "ended")))

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "lecturecast_remote_session_events_total")
}

func TestPrometheusCollector_Handler(t *testing.T) {
	p := NewPrometheusCollector(func() int { return 3 })
	p.ObserveHTTPRequest("GET", "/api/v1/sessions/:id", 200, 20*time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "lecturecast_streams_active 3")
	assert.Contains(t, string(body), `lecturecast_http_requests_total{method="GET",route="/api/v1/sessions/:id",status="200"} 1`)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, h.CheckAll(ctx).Status, "no checks is healthy")

	h.AddCheck("ok", func(context.Context) error { return nil }, 0, time.Second)
	assert.True(t, h.IsReady(ctx))

	h.AddCheck("broken", func(context.Context) error { return errors.New("disk full") }, 0, time.Second)
	status := h.CheckAll(ctx)
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ok"])
	assert.Equal(t, "disk full", status.Checks["broken"])
	assert.Equal(t, "disk full", h.LastResults()["broken"])

	assert.Equal(t, StatusHealthy, h.Liveness().Status)
}

func TestHealthChecker_TimeoutApplies(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, 20*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}

func TestHealthChecker_BuiltinChecks(t *testing.T) {
	h := NewHealthChecker()
	h.AddWritableDirCheck("output", t.TempDir(), 0)
	h.AddFFmpegCheck("definitely-not-an-encoder-binary", 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Checks["output"])
	assert.Contains(t, status.Checks["ffmpeg"], "ffmpeg not found")
}

func TestHealthChecker_DiskSpace(t *testing.T) {
	dir := t.TempDir()
	h := NewHealthChecker()
	h.AddDiskSpaceCheck("disk", dir, 1, 0)
	h.AddDiskSpaceCheck("disk_huge", dir, 1<<62, 0)
	h.AddDiskSpaceCheck("disk_missing", dir+"/does/not/exist", 1, 0)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, status.Checks["disk"])
	assert.Contains(t, status.Checks["disk_huge"], "low disk space")
	assert.Contains(t, status.Checks["disk_missing"], "disk usage of")
	assert.Equal(t, StatusUnhealthy, status.Status)
}
