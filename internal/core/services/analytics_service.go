package services

import (
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
)

type analyticsService struct {
	registry ports.SessionRegistry
	metrics  ports.MetricsRecorder
	now      func() time.Time
}

// NewAnalyticsService aggregates viewer and encoder telemetry on top of the
// registry. All counter mutation happens atomically inside the registry.
func NewAnalyticsService(registry ports.SessionRegistry, metrics ports.MetricsRecorder) ports.AnalyticsService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &analyticsService{
		registry: registry,
		metrics:  metrics,
		now:      time.Now,
	}
}

func (s *analyticsService) ViewerJoined(streamID domain.StreamID) (int, bool) {
	return s.adjustViewers(streamID, 1)
}

// ViewerLeft decrements the viewer count; it never drops below zero.
func (s *analyticsService) ViewerLeft(streamID domain.StreamID) (int, bool) {
	return s.adjustViewers(streamID, -1)
}

func (s *analyticsService) adjustViewers(streamID domain.StreamID, delta int) (int, bool) {
	n, ok := s.registry.AdjustViewers(streamID, delta)
	if ok {
		s.metrics.SetViewers(streamID, n)
	}
	return n, ok
}

func (s *analyticsService) Record(streamID domain.StreamID, counter domain.Counter) (int64, bool) {
	return s.registry.Increment(streamID, counter)
}

func (s *analyticsService) RecordProgress(streamID domain.StreamID, report domain.ProgressReport) {
	a, ok := s.registry.ApplyProgress(streamID, report, s.now())
	if !ok {
		return
	}
	s.metrics.ObserveProgress(streamID, report.Bitrate, a.TotalBytes)
}

// Snapshot returns the full, unredacted analytics view of a session.
func (s *analyticsService) Snapshot(streamID domain.StreamID) (*domain.AnalyticsSnapshot, bool) {
	session, ok := s.registry.Get(streamID)
	if !ok {
		return nil, false
	}

	a := session.Analytics
	a.UptimeSeconds = int64(session.Uptime(s.now()).Seconds())

	return &domain.AnalyticsSnapshot{
		StreamID:      session.ID,
		Status:        session.Status,
		ViewerCount:   session.ViewerCount,
		UptimeSeconds: a.UptimeSeconds,
		Quality:       session.Quality,
		Analytics:     &a,
		ChatMessages:  a.ChatMessages,
		RecordingPath: session.RecordingPath,
		ErrorMessage:  session.ErrorMessage,
	}, true
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) StreamStarted(domain.StreamID, domain.QualityTier)   {}
func (NopMetrics) StreamStopped(domain.StreamID, domain.SessionStatus) {}
func (NopMetrics) PipelineFailed(string)                               {}
func (NopMetrics) SetViewers(domain.StreamID, int)                     {}
func (NopMetrics) ObserveProgress(domain.StreamID, float64, int64)     {}
func (NopMetrics) ViewerEvent(domain.ViewerEvent)                      {}
func (NopMetrics) TokenIssued(string)                                  {}
