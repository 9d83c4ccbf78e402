package redis

import (
	"time"

	"lecturecast/internal/core/domain"
)

// scheduleRecord is the stored form of a scheduled session. Unlike the API
// representation it keeps the chat secret, which never leaves the server.
type scheduleRecord struct {
	StreamID    domain.StreamID      `json:"stream_id"`
	CourseID    string               `json:"course_id"`
	TeacherID   domain.UserID        `json:"teacher_id"`
	Title       string               `json:"title"`
	ScheduledAt time.Time            `json:"scheduled_at"`
	Duration    time.Duration        `json:"duration"`
	Status      domain.SessionStatus `json:"status"`
	StreamKey   string               `json:"stream_key"`
	ChatSecret  string               `json:"chat_secret"`
	IssuedAt    time.Time            `json:"credentials_created_at"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func toRecord(s *domain.ScheduledSession) scheduleRecord {
	return scheduleRecord{
		StreamID:    s.StreamID,
		CourseID:    s.CourseID,
		TeacherID:   s.TeacherID,
		Title:       s.Title,
		ScheduledAt: s.ScheduledAt,
		Duration:    s.Duration,
		Status:      s.Status,
		StreamKey:   s.Credentials.StreamKey,
		ChatSecret:  s.Credentials.ChatSecret,
		IssuedAt:    s.Credentials.CreatedAt,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

func (r scheduleRecord) toDomain() *domain.ScheduledSession {
	return &domain.ScheduledSession{
		StreamID:    r.StreamID,
		CourseID:    r.CourseID,
		TeacherID:   r.TeacherID,
		Title:       r.Title,
		ScheduledAt: r.ScheduledAt,
		Duration:    r.Duration,
		Status:      r.Status,
		Credentials: domain.StreamCredentials{
			StreamID:   r.StreamID,
			StreamKey:  r.StreamKey,
			ChatSecret: r.ChatSecret,
			CreatedAt:  r.IssuedAt,
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}
