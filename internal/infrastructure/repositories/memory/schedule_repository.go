package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
)

type MemoryScheduleRepository struct {
	sessions map[domain.StreamID]*domain.ScheduledSession
	mu       sync.RWMutex
}

func NewMemoryScheduleRepository() ports.ScheduleRepository {
	return &MemoryScheduleRepository{
		sessions: make(map[domain.StreamID]*domain.ScheduledSession),
	}
}

func (r *MemoryScheduleRepository) Create(ctx context.Context, session *domain.ScheduledSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.StreamID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, session.StreamID)
	}

	cp := *session
	r.sessions[session.StreamID] = &cp
	return nil
}

func (r *MemoryScheduleRepository) GetByID(ctx context.Context, id domain.StreamID) (*domain.ScheduledSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrStreamNotFound
	}

	cp := *session
	return &cp, nil
}

func (r *MemoryScheduleRepository) Update(ctx context.Context, session *domain.ScheduledSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.StreamID]; !exists {
		return domain.ErrStreamNotFound
	}

	cp := *session
	r.sessions[session.StreamID] = &cp
	return nil
}

func (r *MemoryScheduleRepository) Delete(ctx context.Context, id domain.StreamID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrStreamNotFound
	}

	delete(r.sessions, id)
	return nil
}

// ListByCourse returns the course's sessions ordered by scheduled time. An
// empty courseID lists every session.
func (r *MemoryScheduleRepository) ListByCourse(ctx context.Context, courseID string) ([]*domain.ScheduledSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.ScheduledSession
	for _, session := range r.sessions {
		if courseID == "" || session.CourseID == courseID {
			cp := *session
			result = append(result, &cp)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].ScheduledAt.Before(result[j].ScheduledAt)
	})
	return result, nil
}
