package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/pkg/tracing"
	"lecturecast/pkg/utils"
	"lecturecast/pkg/validation"

	"go.uber.org/zap"
)

type SessionConfig struct {
	PlayerBase string
	ChatBase   string
	// BindClientIP pins issued tokens to the requesting address.
	BindClientIP bool
}

type ScheduleRequest struct {
	CourseID    string        `json:"course_id"`
	Title       string        `json:"title"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	Duration    time.Duration `json:"-"`
	// TeacherID lets an admin schedule on behalf of a teacher.
	TeacherID domain.UserID `json:"teacher_id,omitempty"`
}

type StartRequest struct {
	InputURL             string             `json:"input_url"`
	Quality              domain.QualityTier `json:"quality"`
	Bitrate              int                `json:"bitrate,omitempty"`
	Resolution           string             `json:"resolution,omitempty"`
	Framerate            int                `json:"framerate,omitempty"`
	Record               bool               `json:"record"`
	RecordingMaxDuration time.Duration      `json:"-"`
}

type AccessRequest struct {
	DeviceFingerprint string
	ClientIP          string
	TTL               time.Duration
}

// SessionView is a scheduled session merged with its live state. Credentials
// and ingest details are only filled in for the owner and admins.
type SessionView struct {
	StreamID        domain.StreamID           `json:"stream_id"`
	CourseID        string                    `json:"course_id"`
	TeacherID       domain.UserID             `json:"teacher_id"`
	Title           string                    `json:"title"`
	ScheduledAt     time.Time                 `json:"scheduled_at"`
	DurationSeconds int64                     `json:"duration_seconds"`
	Status          domain.SessionStatus      `json:"status"`
	Credentials     *domain.StreamCredentials `json:"credentials,omitempty"`
	Stream          *domain.StreamInfo        `json:"stream,omitempty"`
}

// SessionService composes scheduling, the media pipeline, tokens and
// analytics behind caller authorization.
type SessionService struct {
	cfg        SessionConfig
	schedules  ports.ScheduleRepository
	pipeline   ports.PipelineController
	analytics  ports.AnalyticsService
	tokens     TokenService
	enrollment ports.EnrollmentChecker
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger
	now        func() time.Time

	// statusMu orders schedule status writes driven by the pipeline.
	statusMu sync.Mutex
}

func NewSessionService(
	cfg SessionConfig,
	schedules ports.ScheduleRepository,
	pipeline ports.PipelineController,
	analytics ports.AnalyticsService,
	tokens TokenService,
	enrollment ports.EnrollmentChecker,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *SessionService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SessionService{
		cfg:        cfg,
		schedules:  schedules,
		pipeline:   pipeline,
		analytics:  analytics,
		tokens:     tokens,
		enrollment: enrollment,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

func checkCaller(caller *domain.Caller) error {
	if caller == nil || caller.UserID == "" {
		return domain.ErrUnauthenticated
	}
	if caller.IsBlocked {
		return fmt.Errorf("%w: account is blocked", domain.ErrForbidden)
	}
	return nil
}

// Schedule creates credentials and a schedule record for a future session.
func (s *SessionService) Schedule(ctx context.Context, caller *domain.Caller, req ScheduleRequest) (*domain.ScheduledSession, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if caller.Role != domain.RoleTeacher && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: only teachers schedule sessions", domain.ErrForbidden)
	}

	if err := validation.ValidateCourseID(req.CourseID); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	title := utils.SanitizeString(req.Title)
	if err := validation.ValidateTitle(title); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := validation.ValidateScheduleDuration(req.Duration); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	teacher := caller.UserID
	if caller.IsAdmin() && req.TeacherID != "" {
		teacher = req.TeacherID
	}

	creds, err := GenerateCredentials()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	scheduledAt := req.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}

	session := &domain.ScheduledSession{
		StreamID:    creds.StreamID,
		CourseID:    req.CourseID,
		TeacherID:   teacher,
		Title:       title,
		ScheduledAt: scheduledAt.UTC(),
		Duration:    req.Duration,
		Status:      domain.StatusIdle,
		Credentials: creds,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.schedules.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("store schedule: %w", err)
	}

	s.logger.Infow("session scheduled",
		"stream_id", session.StreamID,
		"course_id", session.CourseID,
		"teacher_id", session.TeacherID,
		"scheduled_at", session.ScheduledAt,
	)
	return session, nil
}

// admit decides whether caller may join the session. It reports whether the
// caller has owner-level visibility.
func (s *SessionService) admit(ctx context.Context, caller *domain.Caller, schedule *domain.ScheduledSession) (bool, error) {
	if err := checkCaller(caller); err != nil {
		return false, err
	}
	switch caller.Role {
	case domain.RoleAdmin:
		return true, nil
	case domain.RoleTeacher:
		if caller.UserID == schedule.TeacherID {
			return true, nil
		}
		return false, fmt.Errorf("%w: session belongs to another teacher", domain.ErrForbidden)
	case domain.RoleStudent:
		if s.enrollment == nil {
			return false, fmt.Errorf("%w: enrollment check unavailable", domain.ErrUnavailable)
		}
		enrolled, err := s.enrollment.IsEnrolled(ctx, caller.UserID, schedule.CourseID)
		if err != nil {
			return false, fmt.Errorf("enrollment check: %w", err)
		}
		if !enrolled {
			return false, fmt.Errorf("%w: not enrolled in course", domain.ErrForbidden)
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown role %q", domain.ErrForbidden, caller.Role)
	}
}

// requireOwner admits only the session's teacher and admins.
func (s *SessionService) requireOwner(caller *domain.Caller, schedule *domain.ScheduledSession) error {
	if err := checkCaller(caller); err != nil {
		return err
	}
	if caller.IsAdmin() || (caller.Role == domain.RoleTeacher && caller.UserID == schedule.TeacherID) {
		return nil
	}
	return fmt.Errorf("%w: only the session's teacher may do this", domain.ErrForbidden)
}

func (s *SessionService) Get(ctx context.Context, caller *domain.Caller, id domain.StreamID) (*SessionView, error) {
	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	owner, err := s.admit(ctx, caller, schedule)
	if err != nil {
		return nil, err
	}
	return s.view(schedule, owner), nil
}

// List returns sessions of a course, or of every course when courseID is
// empty. Admins see everything; teachers see their own sessions.
func (s *SessionService) List(ctx context.Context, caller *domain.Caller, courseID string) ([]*SessionView, error) {
	if err := checkCaller(caller); err != nil {
		return nil, err
	}
	if caller.Role != domain.RoleTeacher && !caller.IsAdmin() {
		return nil, fmt.Errorf("%w: listing sessions needs a teacher or admin", domain.ErrForbidden)
	}

	schedules, err := s.schedules.ListByCourse(ctx, courseID)
	if err != nil {
		return nil, err
	}
	views := make([]*SessionView, 0, len(schedules))
	for _, sc := range schedules {
		if !caller.IsAdmin() && sc.TeacherID != caller.UserID {
			continue
		}
		views = append(views, s.view(sc, true))
	}
	return views, nil
}

func (s *SessionService) view(schedule *domain.ScheduledSession, owner bool) *SessionView {
	v := &SessionView{
		StreamID:        schedule.StreamID,
		CourseID:        schedule.CourseID,
		TeacherID:       schedule.TeacherID,
		Title:           schedule.Title,
		ScheduledAt:     schedule.ScheduledAt,
		DurationSeconds: int64(schedule.Duration.Seconds()),
		Status:          schedule.Status,
	}
	if info, ok := s.pipeline.Describe(schedule.StreamID); ok {
		v.Status = info.Status
		if !owner {
			info.IngestURL = ""
			info.RecordingPath = ""
			info.ErrorMessage = ""
		}
		v.Stream = info
	}
	if owner {
		creds := schedule.Credentials
		v.Credentials = &creds
	}
	return v
}

// Start brings a scheduled session on air with its scheduled credentials.
func (s *SessionService) Start(ctx context.Context, caller *domain.Caller, id domain.StreamID, req StartRequest) (*domain.StreamInfo, error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "session.start", string(id))
	defer span.End()

	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(caller, schedule); err != nil {
		return nil, err
	}
	if schedule.Status == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	}

	creds := schedule.Credentials
	info, err := s.pipeline.StartStream(ctx, domain.StreamConfig{
		Credentials: &creds,
		InputURL:    req.InputURL,
		Quality:     req.Quality,
		Bitrate:     req.Bitrate,
		Resolution:  req.Resolution,
		Framerate:   req.Framerate,
	}, domain.StartOptions{
		Record:               req.Record,
		RecordingMaxDuration: req.RecordingMaxDuration,
	})
	if err != nil {
		if errors.Is(err, domain.ErrPipelineFailed) {
			s.writeStatus(ctx, schedule, domain.StatusError)
		}
		tracing.RecordError(ctx, err)
		return nil, err
	}

	s.markStarted(ctx, id)
	s.logger.Infow("session started",
		"stream_id", id,
		"user_id", caller.UserID,
		"quality", info.Quality,
		"record", req.Record,
	)
	return info, nil
}

func (s *SessionService) Stop(ctx context.Context, caller *domain.Caller, id domain.StreamID) (*domain.StreamSession, error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "session.stop", string(id))
	defer span.End()

	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(caller, schedule); err != nil {
		return nil, err
	}

	ended, err := s.pipeline.StopStream(ctx, id)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	s.writeStatus(ctx, schedule, domain.StatusEnded)
	s.logger.Infow("session stopped",
		"stream_id", id,
		"user_id", caller.UserID,
		"uptime_seconds", ended.Analytics.UptimeSeconds,
	)
	return ended, nil
}

// writeStatus mirrors the live status into the schedule record. Failures are
// logged; the registry stays authoritative for live state.
func (s *SessionService) writeStatus(ctx context.Context, schedule *domain.ScheduledSession, status domain.SessionStatus) {
	updated := *schedule
	updated.Status = status
	updated.UpdatedAt = s.now().UTC()
	if err := s.schedules.Update(ctx, &updated); err != nil {
		s.logger.Warnw("failed to update schedule status",
			"stream_id", schedule.StreamID,
			"status", status,
			"error", err,
		)
	}
}

// markStarted records the session's state once the pipeline accepted it. An
// encoder that already failed leaves its failure in place.
func (s *SessionService) markStarted(ctx context.Context, id domain.StreamID) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	status := domain.StatusLive
	if info, ok := s.pipeline.Describe(id); ok && !info.Status.IsBroadcasting() {
		status = info.Status
	}
	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		s.logger.Warnw("failed to reload schedule", "stream_id", id, "error", err)
		return
	}
	if schedule.Status == status || schedule.Status == domain.StatusEnded {
		return
	}
	s.writeStatus(ctx, schedule, status)
}

// IssueAccess admits a caller into a session and mints its player and chat
// tokens.
func (s *SessionService) IssueAccess(ctx context.Context, caller *domain.Caller, id domain.StreamID, req AccessRequest) (*domain.AccessGrant, error) {
	var userID string
	if caller != nil {
		userID = string(caller.UserID)
	}
	ctx, span := tracing.TraceTokenOperation(ctx, "issue", string(id), userID)
	defer span.End()

	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.admit(ctx, caller, schedule); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	status := schedule.Status
	if info, ok := s.pipeline.Describe(id); ok {
		status = info.Status
	}
	if status == domain.StatusEnded {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	}

	opts := []IssueOption{WithTTL(req.TTL), WithDeviceFingerprint(req.DeviceFingerprint)}
	if s.cfg.BindClientIP {
		opts = append(opts, WithClientIP(req.ClientIP))
	}
	token, claims, err := s.tokens.Issue(id, caller.UserID, caller.Role, opts...)
	if err != nil {
		return nil, err
	}
	chatToken, err := s.tokens.IssueChatToken(schedule.Credentials, caller.UserID, caller.Role)
	if err != nil {
		return nil, err
	}
	s.metrics.TokenIssued("access")
	s.metrics.TokenIssued("chat")

	s.logger.Infow("access granted",
		"stream_id", id,
		"user_id", caller.UserID,
		"role", caller.Role,
		"expires_at", claims.ExpiresAt,
	)
	return &domain.AccessGrant{
		Token:       token,
		ExpiresAt:   claims.ExpiresAt,
		Permissions: claims.Permissions,
		PlayerURL:   joinURL(s.cfg.PlayerBase, string(id)),
		ChatURL:     joinURL(s.cfg.ChatBase, string(id)),
		ChatToken:   chatToken,
		Status:      status,
	}, nil
}

// RefreshAccess rotates a player token while its session is still active.
func (s *SessionService) RefreshAccess(ctx context.Context, token string, extendBy time.Duration) (string, *domain.AccessClaims, error) {
	ctx, span := tracing.TraceTokenOperation(ctx, "refresh", "", "")
	defer span.End()

	refreshed, claims, err := s.tokens.Refresh(ctx, token, RefreshOptions{ExtendBy: extendBy, ValidateSession: true})
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", nil, err
	}
	tracing.AddSpanAttributes(ctx,
		tracing.StreamIDKey.String(string(claims.StreamID)),
		tracing.UserIDKey.String(string(claims.UserID)),
	)
	if refreshed != token {
		s.metrics.TokenIssued("refresh")
	}
	return refreshed, claims, nil
}

// Analytics returns the full snapshot to the owner and admins and a redacted
// one to everyone else admitted into the session.
func (s *SessionService) Analytics(ctx context.Context, caller *domain.Caller, id domain.StreamID) (*domain.AnalyticsSnapshot, error) {
	schedule, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	owner, err := s.admit(ctx, caller, schedule)
	if err != nil {
		return nil, err
	}

	snap, ok := s.analytics.Snapshot(id)
	if !ok {
		snap = &domain.AnalyticsSnapshot{StreamID: id, Status: schedule.Status}
	}
	if owner {
		return snap, nil
	}
	return redact(snap), nil
}

func redact(snap *domain.AnalyticsSnapshot) *domain.AnalyticsSnapshot {
	return &domain.AnalyticsSnapshot{
		StreamID:      snap.StreamID,
		Status:        snap.Status,
		ViewerCount:   snap.ViewerCount,
		UptimeSeconds: snap.UptimeSeconds,
		ChatMessages:  snap.ChatMessages,
		Redacted:      true,
	}
}

// RecordEvent applies player or chat telemetry authenticated by a stream
// token. Events for sessions that are already gone are accepted and dropped.
func (s *SessionService) RecordEvent(ctx context.Context, claims *domain.AccessClaims, id domain.StreamID, event domain.ViewerEvent) error {
	if claims == nil {
		return domain.ErrInvalidToken
	}
	if claims.StreamID != id {
		return fmt.Errorf("%w: token is for another stream", domain.ErrForbidden)
	}
	accepted := event.AcceptedPermissions()
	if len(accepted) == 0 {
		return fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, event)
	}
	if !claims.HasAny(accepted...) {
		return fmt.Errorf("%w: token may not report %s", domain.ErrForbidden, event)
	}

	switch event {
	case domain.ViewerJoined:
		s.analytics.ViewerJoined(id)
	case domain.ViewerLeft:
		s.analytics.ViewerLeft(id)
	case domain.ViewerChatMessage:
		s.analytics.Record(id, domain.CounterChatMessages)
	case domain.ViewerQualitySwitch:
		s.analytics.Record(id, domain.CounterQualitySwitches)
	case domain.ViewerBuffering:
		s.analytics.Record(id, domain.CounterBuffering)
	case domain.ViewerError:
		s.analytics.Record(id, domain.CounterErrors)
	}
	s.metrics.ViewerEvent(event)
	return nil
}

// FollowEvents mirrors terminal pipeline events into the schedule records
// until events is closed or ctx ends. Sessions the encoder ends on its own
// would otherwise stay live in the schedule.
func (s *SessionService) FollowEvents(ctx context.Context, events <-chan domain.SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.applyEvent(ctx, e)
		}
	}
}

func (s *SessionService) applyEvent(ctx context.Context, e domain.SessionEvent) {
	var status domain.SessionStatus
	switch e.Kind {
	case domain.EventStreamEnded:
		status = domain.StatusEnded
	case domain.EventPipelineFailed:
		status = domain.StatusError
	default:
		return
	}

	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	schedule, err := s.schedules.GetByID(ctx, e.StreamID)
	if err != nil {
		// ad hoc streams have no schedule
		return
	}
	if schedule.Status == status || schedule.Status == domain.StatusEnded {
		return
	}
	s.writeStatus(ctx, schedule, status)
}
