package ports

import (
	"context"

	"lecturecast/internal/core/domain"
)

type PipelineController interface {
	StartStream(ctx context.Context, cfg domain.StreamConfig, opts domain.StartOptions) (*domain.StreamInfo, error)
	StopStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error)
	Describe(streamID domain.StreamID) (*domain.StreamInfo, bool)
	Shutdown(ctx context.Context) error
}

type AnalyticsService interface {
	ViewerJoined(streamID domain.StreamID) (int, bool)
	ViewerLeft(streamID domain.StreamID) (int, bool)
	Record(streamID domain.StreamID, counter domain.Counter) (int64, bool)
	RecordProgress(streamID domain.StreamID, report domain.ProgressReport)
	Snapshot(streamID domain.StreamID) (*domain.AnalyticsSnapshot, bool)
}

// SessionLiveness answers whether a stream may still hand out credentials.
type SessionLiveness interface {
	IsActive(ctx context.Context, streamID domain.StreamID) bool
}

// IdentityProvider resolves the caller behind an Authorization header value.
// It returns domain.ErrUnauthenticated when the header carries no valid
// session.
type IdentityProvider interface {
	Identify(ctx context.Context, authorization string) (*domain.Caller, error)
}

type EnrollmentChecker interface {
	IsEnrolled(ctx context.Context, userID domain.UserID, courseID string) (bool, error)
}

// MetricsRecorder mirrors session state into the metrics backend.
type MetricsRecorder interface {
	StreamStarted(streamID domain.StreamID, quality domain.QualityTier)
	StreamStopped(streamID domain.StreamID, status domain.SessionStatus)
	PipelineFailed(stage string)
	SetViewers(streamID domain.StreamID, viewers int)
	ObserveProgress(streamID domain.StreamID, bitrateKbps float64, totalBytes int64)
	ViewerEvent(event domain.ViewerEvent)
	TokenIssued(kind string)
}
