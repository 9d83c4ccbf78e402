package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	teacher      = &domain.Caller{UserID: "teacher-1", Role: domain.RoleTeacher}
	otherTeacher = &domain.Caller{UserID: "teacher-2", Role: domain.RoleTeacher}
	student      = &domain.Caller{UserID: "student-1", Role: domain.RoleStudent}
	admin        = &domain.Caller{UserID: "admin-1", Role: domain.RoleAdmin}
)

type sessionFixture struct {
	*pipelineFixture
	enrollment *MockEnrollmentChecker
	tokens     TokenService
	sessions   *SessionService
}

func newSessionFixture(t *testing.T) *sessionFixture {
	t.Helper()
	pf := newPipelineFixture(t, 10)

	cfg := DefaultTokenConfig()
	cfg.Secret = "test-secret"
	tokens, err := NewTokenService(cfg, pf.registry)
	require.NoError(t, err)

	enrollment := &MockEnrollmentChecker{}
	sessions := NewSessionService(SessionConfig{
		PlayerBase: "https://app.test/live",
		ChatBase:   "wss://app.test/chat/",
	}, memory.NewMemoryScheduleRepository(), pf.pipeline, pf.analytics, tokens, enrollment, nil, zaptest.NewLogger(t).Sugar())

	return &sessionFixture{
		pipelineFixture: pf,
		enrollment:      enrollment,
		tokens:          tokens,
		sessions:        sessions,
	}
}

func (f *sessionFixture) schedule(t *testing.T) *domain.ScheduledSession {
	t.Helper()
	s, err := f.sessions.Schedule(context.Background(), teacher, ScheduleRequest{
		CourseID: "course-42",
		Title:    "  Distributed Systems, lecture 3 ",
		Duration: 90 * time.Minute,
	})
	require.NoError(t, err)
	return s
}

func (f *sessionFixture) start(t *testing.T, id domain.StreamID) *domain.StreamInfo {
	t.Helper()
	info, err := f.sessions.Start(context.Background(), teacher, id, StartRequest{InputURL: "rtmp://source.test/live/in", Quality: domain.QualityHigh})
	require.NoError(t, err)
	f.launcher.next(t)
	return info
}

func TestSessionService_Schedule(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()

	s := f.schedule(t)
	assert.Equal(t, "Distributed Systems, lecture 3", s.Title)
	assert.Equal(t, teacher.UserID, s.TeacherID)
	assert.Equal(t, domain.StatusIdle, s.Status)
	assert.NotEmpty(t, s.Credentials.StreamKey)
	assert.NotEmpty(t, s.Credentials.ChatSecret)
	assert.Empty(t, f.registry.ListAll(), "scheduling does not touch the registry")

	_, err := f.sessions.Schedule(ctx, student, ScheduleRequest{CourseID: "c", Title: "t", Duration: time.Hour})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.sessions.Schedule(ctx, nil, ScheduleRequest{CourseID: "c", Title: "t", Duration: time.Hour})
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	_, err = f.sessions.Schedule(ctx, teacher, ScheduleRequest{CourseID: "c", Title: "", Duration: time.Hour})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	onBehalf, err := f.sessions.Schedule(ctx, admin, ScheduleRequest{CourseID: "c", Title: "t", Duration: time.Hour, TeacherID: "teacher-9"})
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("teacher-9"), onBehalf.TeacherID)
}

func TestSessionService_StartAndStopRequireOwner(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	s := f.schedule(t)
	req := StartRequest{InputURL: "rtmp://source.test/live/in", Quality: domain.QualityHigh}

	_, err := f.sessions.Start(ctx, otherTeacher, s.StreamID, req)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.sessions.Start(ctx, student, s.StreamID, req)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.sessions.Start(ctx, teacher, "stream_missing", req)
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	info := f.start(t, s.StreamID)
	assert.Equal(t, s.StreamID, info.StreamID)
	assert.Equal(t, 2500, info.Bitrate)
	assert.Equal(t, "1920:1080", info.Resolution)
	assert.Equal(t, "rtmp://ingest.test/live/"+s.Credentials.StreamKey, info.IngestURL)

	view, err := f.sessions.Get(ctx, admin, s.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLive, view.Status)

	_, err = f.sessions.Stop(ctx, otherTeacher, s.StreamID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	ended, err := f.sessions.Stop(ctx, admin, s.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, ended.Status)

	_, err = f.sessions.Start(ctx, teacher, s.StreamID, req)
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestSessionService_IssueAccess(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	s := f.schedule(t)
	f.start(t, s.StreamID)

	f.enrollment.On("IsEnrolled", mock.Anything, student.UserID, "course-42").Return(true, nil)
	f.enrollment.On("IsEnrolled", mock.Anything, domain.UserID("student-2"), "course-42").Return(false, nil)
	f.enrollment.On("IsEnrolled", mock.Anything, domain.UserID("student-3"), "course-42").Return(false, errors.New("enrollment: 502"))

	grant, err := f.sessions.IssueAccess(ctx, student, s.StreamID, AccessRequest{DeviceFingerprint: "dev-1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Permission{domain.PermView, domain.PermChat}, grant.Permissions)
	assert.Equal(t, "https://app.test/live/"+string(s.StreamID), grant.PlayerURL)
	assert.Equal(t, "wss://app.test/chat/"+string(s.StreamID), grant.ChatURL)
	assert.Equal(t, domain.StatusLive, grant.Status)

	claims := f.tokens.Verify(grant.Token, ExpectFingerprint("dev-1"))
	require.NotNil(t, claims)
	assert.Equal(t, s.StreamID, claims.StreamID)
	assert.Equal(t, student.UserID, claims.UserID)
	assert.Equal(t, claims.ExpiresAt, grant.ExpiresAt)
	assert.NotNil(t, f.tokens.VerifyChatToken(grant.ChatToken, s.Credentials.ChatSecret))

	_, err = f.sessions.IssueAccess(ctx, &domain.Caller{UserID: "student-2", Role: domain.RoleStudent}, s.StreamID, AccessRequest{})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.sessions.IssueAccess(ctx, &domain.Caller{UserID: "student-3", Role: domain.RoleStudent}, s.StreamID, AccessRequest{})
	assert.Error(t, err)

	_, err = f.sessions.IssueAccess(ctx, &domain.Caller{UserID: student.UserID, Role: domain.RoleStudent, IsBlocked: true}, s.StreamID, AccessRequest{})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.sessions.IssueAccess(ctx, otherTeacher, s.StreamID, AccessRequest{})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	adminGrant, err := f.sessions.IssueAccess(ctx, admin, s.StreamID, AccessRequest{})
	require.NoError(t, err)
	assert.Contains(t, adminGrant.Permissions, domain.PermAdmin)

	_, err = f.sessions.IssueAccess(ctx, student, "stream_missing", AccessRequest{})
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	f.enrollment.AssertExpectations(t)
}

func TestSessionService_RefreshAccess(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	s := f.schedule(t)
	f.start(t, s.StreamID)

	grant, err := f.sessions.IssueAccess(ctx, teacher, s.StreamID, AccessRequest{})
	require.NoError(t, err)

	refreshed, claims, err := f.sessions.RefreshAccess(ctx, grant.Token, 0)
	require.NoError(t, err)
	assert.Equal(t, grant.Token, refreshed, "tokens with ample life are returned unchanged")
	assert.Equal(t, s.StreamID, claims.StreamID)

	_, err = f.sessions.Stop(ctx, teacher, s.StreamID)
	require.NoError(t, err)

	_, _, err = f.sessions.RefreshAccess(ctx, grant.Token, 0)
	assert.ErrorIs(t, err, domain.ErrSessionInactive)

	_, _, err = f.sessions.RefreshAccess(ctx, "garbage", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	_, err = f.sessions.IssueAccess(ctx, teacher, s.StreamID, AccessRequest{})
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

func TestSessionService_AnalyticsRedaction(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	s := f.schedule(t)
	f.start(t, s.StreamID)
	f.enrollment.On("IsEnrolled", mock.Anything, student.UserID, "course-42").Return(true, nil)

	f.analytics.ViewerJoined(s.StreamID)
	f.analytics.Record(s.StreamID, domain.CounterChatMessages)
	f.analytics.RecordProgress(s.StreamID, domain.ProgressReport{Bitrate: 2400, SizeBytes: 1 << 20})
	_, err := f.registry.Update(s.StreamID, func(ss *domain.StreamSession) error {
		ss.RecordingPath = "/srv/recordings/x.mp4"
		return nil
	})
	require.NoError(t, err)

	full, err := f.sessions.Analytics(ctx, teacher, s.StreamID)
	require.NoError(t, err)
	assert.False(t, full.Redacted)
	require.NotNil(t, full.Analytics)
	assert.Equal(t, 2400.0, full.Analytics.PeakBitrate)
	assert.Equal(t, int64(1<<20), full.Analytics.TotalBytes)
	assert.Equal(t, "/srv/recordings/x.mp4", full.RecordingPath)

	redacted, err := f.sessions.Analytics(ctx, student, s.StreamID)
	require.NoError(t, err)
	assert.True(t, redacted.Redacted)
	assert.Nil(t, redacted.Analytics)
	assert.Empty(t, redacted.RecordingPath)
	assert.Empty(t, redacted.ErrorMessage)
	assert.Equal(t, 1, redacted.ViewerCount)
	assert.Equal(t, int64(1), redacted.ChatMessages)
	assert.Equal(t, domain.StatusLive, redacted.Status)

	view, err := f.sessions.Get(ctx, student, s.StreamID)
	require.NoError(t, err)
	assert.Nil(t, view.Credentials)
	require.NotNil(t, view.Stream)
	assert.Empty(t, view.Stream.IngestURL)
	assert.NotEmpty(t, view.Stream.PlaybackURL)
}

func TestSessionService_AnalyticsBeforeStart(t *testing.T) {
	f := newSessionFixture(t)
	s := f.schedule(t)

	snap, err := f.sessions.Analytics(context.Background(), admin, s.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, snap.Status)
	assert.Zero(t, snap.ViewerCount)
}

func TestSessionService_RecordEvent(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	s := f.schedule(t)
	f.start(t, s.StreamID)

	_, studentClaims, err := f.tokens.Issue(s.StreamID, student.UserID, domain.RoleStudent)
	require.NoError(t, err)
	_, teacherClaims, err := f.tokens.Issue(s.StreamID, teacher.UserID, domain.RoleTeacher)
	require.NoError(t, err)

	require.NoError(t, f.sessions.RecordEvent(ctx, studentClaims, s.StreamID, domain.ViewerJoined))
	require.NoError(t, f.sessions.RecordEvent(ctx, studentClaims, s.StreamID, domain.ViewerChatMessage))
	require.NoError(t, f.sessions.RecordEvent(ctx, studentClaims, s.StreamID, domain.ViewerBuffering))
	require.NoError(t, f.sessions.RecordEvent(ctx, teacherClaims, s.StreamID, domain.ViewerQualitySwitch))
	require.NoError(t, f.sessions.RecordEvent(ctx, teacherClaims, s.StreamID, domain.ViewerError))

	snap, ok := f.analytics.Snapshot(s.StreamID)
	require.True(t, ok)
	assert.Equal(t, 1, snap.ViewerCount)
	assert.Equal(t, int64(1), snap.Analytics.ChatMessages)
	assert.Equal(t, int64(1), snap.Analytics.BufferingEvents)
	assert.Equal(t, int64(1), snap.Analytics.QualitySwitches)
	assert.Equal(t, int64(1), snap.Analytics.Errors)

	require.NoError(t, f.sessions.RecordEvent(ctx, studentClaims, s.StreamID, domain.ViewerLeft))
	require.NoError(t, f.sessions.RecordEvent(ctx, studentClaims, s.StreamID, domain.ViewerLeft))
	snap, _ = f.analytics.Snapshot(s.StreamID)
	assert.Equal(t, 0, snap.ViewerCount)

	err = f.sessions.RecordEvent(ctx, studentClaims, "stream_other", domain.ViewerJoined)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = f.sessions.RecordEvent(ctx, studentClaims, s.StreamID, "teleport")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	viewOnly := &domain.AccessClaims{StreamID: s.StreamID, UserID: "u", Role: domain.RoleStudent, Permissions: []domain.Permission{domain.PermView}}
	err = f.sessions.RecordEvent(ctx, viewOnly, s.StreamID, domain.ViewerChatMessage)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	assert.ErrorIs(t, f.sessions.RecordEvent(ctx, nil, s.StreamID, domain.ViewerJoined), domain.ErrInvalidToken)

	lateClaims := &domain.AccessClaims{StreamID: "stream_gone", Permissions: []domain.Permission{domain.PermView}}
	assert.NoError(t, f.sessions.RecordEvent(ctx, lateClaims, "stream_gone", domain.ViewerJoined), "late events are dropped")
}

func TestSessionService_List(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	mine := f.schedule(t)
	_, err := f.sessions.Schedule(ctx, otherTeacher, ScheduleRequest{CourseID: "course-42", Title: "other", Duration: time.Hour})
	require.NoError(t, err)

	all, err := f.sessions.List(ctx, admin, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	own, err := f.sessions.List(ctx, teacher, "course-42")
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, mine.StreamID, own[0].StreamID)
	assert.NotNil(t, own[0].Credentials)

	_, err = f.sessions.List(ctx, student, "")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestSessionService_FollowEvents(t *testing.T) {
	f := newSessionFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	crashed := f.schedule(t)
	f.start(t, crashed.StreamID)
	finished := f.schedule(t)

	events := make(chan domain.SessionEvent, 4)
	done := make(chan struct{})
	go func() {
		f.sessions.FollowEvents(ctx, events)
		close(done)
	}()

	events <- domain.SessionEvent{Kind: domain.EventPipelineFailed, StreamID: crashed.StreamID}
	events <- domain.SessionEvent{Kind: domain.EventStreamEnded, StreamID: finished.StreamID}
	events <- domain.SessionEvent{Kind: domain.EventStreamEnded, StreamID: "stream_adhoc"}
	events <- domain.SessionEvent{Kind: domain.EventRecordingStart, StreamID: finished.StreamID}
	close(events)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("FollowEvents did not return after the channel closed")
	}

	view, err := f.sessions.Get(context.Background(), admin, finished.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, view.Status)

	_, err = f.sessions.Start(context.Background(), teacher, finished.StreamID, StartRequest{InputURL: "rtmp://source.test/live/in"})
	assert.ErrorIs(t, err, domain.ErrSessionEnded)
}

// crashOnStart fails the encoder before the session service records the
// start.
type crashOnStart struct {
	*PipelineService
	t *testing.T
	f *pipelineFixture
}

func (c crashOnStart) StartStream(ctx context.Context, cfg domain.StreamConfig, opts domain.StartOptions) (*domain.StreamInfo, error) {
	info, err := c.PipelineService.StartStream(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	c.f.launcher.next(c.t).finish(errors.New("exit status 1"))
	require.Eventually(c.t, func() bool {
		s, _ := c.f.registry.Get(info.StreamID)
		return s.Status == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)
	return info, nil
}

func TestSessionService_StartKeepsEarlyFailure(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	schedules := memory.NewMemoryScheduleRepository()
	sessions := NewSessionService(SessionConfig{}, schedules,
		crashOnStart{PipelineService: f.pipeline, t: t, f: f.pipelineFixture},
		f.analytics, f.tokens, f.enrollment, nil, zaptest.NewLogger(t).Sugar())

	s, err := sessions.Schedule(ctx, teacher, ScheduleRequest{CourseID: "course-7", Title: "Compilers", Duration: time.Hour})
	require.NoError(t, err)

	_, err = sessions.Start(ctx, teacher, s.StreamID, StartRequest{InputURL: "rtmp://source.test/live/in", Quality: domain.QualityHigh})
	require.NoError(t, err)

	stored, err := schedules.GetByID(ctx, s.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status, "a stale live write must not mask the failure")

	sessions.applyEvent(ctx, domain.SessionEvent{Kind: domain.EventPipelineFailed, StreamID: s.StreamID})
	stored, err = schedules.GetByID(ctx, s.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, stored.Status)
}
