package ports

import (
	"context"
	"time"

	"lecturecast/internal/core/domain"
)

// SessionRegistry holds live session state in process memory. Every method
// is atomic with respect to a single stream ID. Reads return copies.
type SessionRegistry interface {
	Create(session *domain.StreamSession) error
	// CreateWithinLimit inserts session only if fewer than limit sessions are
	// active, checking and inserting under one lock.
	CreateWithinLimit(session *domain.StreamSession, limit int) error
	Get(id domain.StreamID) (*domain.StreamSession, bool)
	// Update applies fn to a copy of the session and commits it if the status
	// transition is allowed.
	Update(id domain.StreamID, fn func(*domain.StreamSession) error) (*domain.StreamSession, error)
	Remove(id domain.StreamID) bool
	ListActive() []*domain.StreamSession
	ListAll() []*domain.StreamSession
	CountActive() int

	AdjustViewers(id domain.StreamID, delta int) (int, bool)
	Increment(id domain.StreamID, counter domain.Counter) (int64, bool)
	ApplyProgress(id domain.StreamID, report domain.ProgressReport, at time.Time) (*domain.Analytics, bool)

	IsActive(ctx context.Context, id domain.StreamID) bool
	Sweep(now time.Time) []domain.StreamID
}

// ScheduleRepository is the durable store for schedule metadata.
type ScheduleRepository interface {
	Create(ctx context.Context, session *domain.ScheduledSession) error
	GetByID(ctx context.Context, id domain.StreamID) (*domain.ScheduledSession, error)
	Update(ctx context.Context, session *domain.ScheduledSession) error
	Delete(ctx context.Context, id domain.StreamID) error
	ListByCourse(ctx context.Context, courseID string) ([]*domain.ScheduledSession, error)
}
