package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"

	"go.uber.org/zap"
)

const (
	DefaultRetentionWindow = 24 * time.Hour
	DefaultSweepInterval   = 5 * time.Minute
)

type sessionEntry struct {
	mu           sync.Mutex
	session      domain.StreamSession
	lastProgress time.Time
}

// SessionRegistry is the in-process table of stream sessions. The map is
// guarded by mu and every entry by its own mutex; locks are always taken in
// map then entry order.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[domain.StreamID]*sessionEntry

	retention     time.Duration
	sweepInterval time.Duration
	events        ports.EventPublisher
	logger        *zap.SugaredLogger
	now           func() time.Time
}

type RegistryOption func(*SessionRegistry)

// WithSweepEvents publishes a session.swept event for every evicted session.
func WithSweepEvents(pub ports.EventPublisher) RegistryOption {
	return func(r *SessionRegistry) { r.events = pub }
}

func NewSessionRegistry(retention, sweepInterval time.Duration, logger *zap.SugaredLogger, opts ...RegistryOption) *SessionRegistry {
	if retention <= 0 {
		retention = DefaultRetentionWindow
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &SessionRegistry{
		sessions:      make(map[domain.StreamID]*sessionEntry),
		retention:     retention,
		sweepInterval: sweepInterval,
		logger:        logger,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *SessionRegistry) Create(session *domain.StreamSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(session)
}

func (r *SessionRegistry) CreateWithinLimit(session *domain.StreamSession, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if active := r.countActiveLocked(); active >= limit {
		return fmt.Errorf("%w: %d of %d streams active", domain.ErrCapacityExceeded, active, limit)
	}
	return r.insertLocked(session)
}

func (r *SessionRegistry) insertLocked(session *domain.StreamSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("%w: session without id", domain.ErrInvalidInput)
	}
	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrSessionExists, session.ID)
	}
	r.sessions[session.ID] = &sessionEntry{session: *session}
	return nil
}

func (r *SessionRegistry) countActiveLocked() int {
	n := 0
	for _, e := range r.sessions {
		e.mu.Lock()
		if e.session.Status.IsActive() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// entry returns the entry for id with its mutex held. The caller must unlock.
func (r *SessionRegistry) entry(id domain.StreamID) (*sessionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	return e, true
}

func (r *SessionRegistry) Get(id domain.StreamID) (*domain.StreamSession, bool) {
	e, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	defer e.mu.Unlock()

	cp := e.session
	return &cp, true
}

// Update applies fn to a copy of the session and commits the copy only if fn
// succeeds and the status change is allowed. Ended sessions are frozen.
func (r *SessionRegistry) Update(id domain.StreamID, fn func(*domain.StreamSession) error) (*domain.StreamSession, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamNotFound, id)
	}
	defer e.mu.Unlock()

	if e.session.Status == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	}

	cp := e.session
	if err := fn(&cp); err != nil {
		return nil, err
	}
	cp.ID = id
	if !e.session.Status.CanTransition(cp.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidStatus, e.session.Status, cp.Status)
	}

	e.session = cp
	out := cp
	return &out, nil
}

func (r *SessionRegistry) Remove(id domain.StreamID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// ListActive returns sessions viewers can currently watch.
func (r *SessionRegistry) ListActive() []*domain.StreamSession {
	return r.list(func(s *domain.StreamSession) bool { return s.Status.IsBroadcasting() })
}

func (r *SessionRegistry) ListAll() []*domain.StreamSession {
	return r.list(func(*domain.StreamSession) bool { return true })
}

func (r *SessionRegistry) list(keep func(*domain.StreamSession) bool) []*domain.StreamSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.StreamSession, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.mu.Lock()
		cp := e.session
		e.mu.Unlock()
		if keep(&cp) {
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CountActive counts sessions holding an encoder slot.
func (r *SessionRegistry) CountActive() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countActiveLocked()
}

// AdjustViewers applies delta to the viewer count, clamping at zero. Joins
// also bump the total join counter and the peak.
func (r *SessionRegistry) AdjustViewers(id domain.StreamID, delta int) (int, bool) {
	e, ok := r.entry(id)
	if !ok {
		return 0, false
	}
	defer e.mu.Unlock()

	s := &e.session
	s.ViewerCount += delta
	if s.ViewerCount < 0 {
		s.ViewerCount = 0
	}
	if delta > 0 {
		s.Analytics.TotalJoins += int64(delta)
	}
	if s.ViewerCount > s.Analytics.PeakViewers {
		s.Analytics.PeakViewers = s.ViewerCount
	}
	return s.ViewerCount, true
}

func (r *SessionRegistry) Increment(id domain.StreamID, counter domain.Counter) (int64, bool) {
	e, ok := r.entry(id)
	if !ok {
		return 0, false
	}
	defer e.mu.Unlock()
	return e.session.Analytics.Increment(counter)
}

func (r *SessionRegistry) ApplyProgress(id domain.StreamID, report domain.ProgressReport, at time.Time) (*domain.Analytics, bool) {
	e, ok := r.entry(id)
	if !ok {
		return nil, false
	}
	defer e.mu.Unlock()

	var elapsed time.Duration
	if !e.lastProgress.IsZero() && at.After(e.lastProgress) {
		elapsed = at.Sub(e.lastProgress)
	}
	e.lastProgress = at
	e.session.Analytics.Apply(report, elapsed)

	a := e.session.Analytics
	return &a, true
}

// IsActive reports whether the stream still occupies an encoder slot.
func (r *SessionRegistry) IsActive(_ context.Context, id domain.StreamID) bool {
	e, ok := r.entry(id)
	if !ok {
		return false
	}
	defer e.mu.Unlock()
	return e.session.Status.IsActive()
}

// Sweep evicts ended and failed sessions whose end lies further back than the
// retention window.
func (r *SessionRegistry) Sweep(now time.Time) []domain.StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []domain.StreamID
	for id, e := range r.sessions {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()

		if s.Status != domain.StatusEnded && s.Status != domain.StatusError {
			continue
		}
		if s.EndedAt.IsZero() || now.Sub(s.EndedAt) <= r.retention {
			continue
		}
		delete(r.sessions, id)
		removed = append(removed, id)
	}
	return removed
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *SessionRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.now()
			removed := r.Sweep(now)
			if len(removed) == 0 {
				continue
			}
			r.logger.Infow("swept expired sessions",
				"count", len(removed),
				"retention", r.retention,
			)
			if r.events == nil {
				continue
			}
			for _, id := range removed {
				event := domain.SessionEvent{Kind: domain.EventSessionSwept, StreamID: id, Timestamp: now}
				if err := r.events.Publish(ctx, event); err != nil {
					r.logger.Warnw("failed to publish sweep event", "stream_id", id, "error", err)
				}
			}
		}
	}
}

var _ ports.SessionRegistry = (*SessionRegistry)(nil)
