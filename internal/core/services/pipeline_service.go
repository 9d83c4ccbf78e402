package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/pkg/tracing"
	"lecturecast/pkg/utils"
	"lecturecast/pkg/validation"

	"go.uber.org/zap"
)

const (
	DefaultMaxConcurrentStreams = 10
	DefaultRecordingMaxDuration = 4 * time.Hour
	defaultPlaylistWait         = 30 * time.Second
	playlistPollInterval        = 250 * time.Millisecond
)

type PipelineConfig struct {
	OutputRoot           string
	RecordingsRoot       string
	MaxConcurrentStreams int
	RecordingMaxDuration time.Duration
	// PlaylistWait bounds how long a recorder waits for the live playlist
	// to appear before it is launched anyway.
	PlaylistWait time.Duration

	IngestBase   string
	PlaybackBase string
	RTCBase      string
}

// pipelineRun tracks the processes of one live session.
type pipelineRun struct {
	streamID domain.StreamID
	job      ports.EncodeJob
	encoder  ports.Process
	stopping atomic.Bool
	done     chan struct{}

	mu       sync.Mutex
	recorder ports.Process
}

func (r *pipelineRun) currentRecorder() ports.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recorder
}

func (r *pipelineRun) setRecorder(p ports.Process) {
	r.mu.Lock()
	r.recorder = p
	r.mu.Unlock()
}

// PipelineService drives one encoder process per live session and keeps the
// registry in step with the process lifecycle.
type PipelineService struct {
	cfg       PipelineConfig
	registry  ports.SessionRegistry
	quality   *QualityService
	builder   ports.PipelineBuilder
	launcher  ports.ProcessLauncher
	analytics ports.AnalyticsService
	events    ports.EventPublisher
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu   sync.Mutex
	runs map[domain.StreamID]*pipelineRun
	wg   sync.WaitGroup
}

func NewPipelineService(
	cfg PipelineConfig,
	registry ports.SessionRegistry,
	quality *QualityService,
	builder ports.PipelineBuilder,
	launcher ports.ProcessLauncher,
	analytics ports.AnalyticsService,
	events ports.EventPublisher,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) *PipelineService {
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if cfg.RecordingMaxDuration <= 0 {
		cfg.RecordingMaxDuration = DefaultRecordingMaxDuration
	}
	if cfg.PlaylistWait < 0 {
		cfg.PlaylistWait = 0
	} else if cfg.PlaylistWait == 0 {
		cfg.PlaylistWait = defaultPlaylistWait
	}
	if cfg.RecordingsRoot == "" {
		cfg.RecordingsRoot = filepath.Join(cfg.OutputRoot, "recordings")
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PipelineService{
		cfg:       cfg,
		registry:  registry,
		quality:   quality,
		builder:   builder,
		launcher:  launcher,
		analytics: analytics,
		events:    events,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		runs:      make(map[domain.StreamID]*pipelineRun),
	}
}

// StartStream brings a session on air. Capacity is checked and the session
// inserted atomically; a spawn failure leaves the session in error.
func (s *PipelineService) StartStream(ctx context.Context, cfg domain.StreamConfig, opts domain.StartOptions) (*domain.StreamInfo, error) {
	plan, err := s.quality.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateInputURL(cfg.InputURL); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	var creds domain.StreamCredentials
	if cfg.Credentials != nil {
		creds = *cfg.Credentials
		if creds.StreamID == "" || creds.StreamKey == "" {
			return nil, fmt.Errorf("%w: incomplete stream credentials", domain.ErrInvalidInput)
		}
	} else if creds, err = GenerateCredentials(); err != nil {
		return nil, err
	}
	id := creds.StreamID

	ctx, span := tracing.TraceStreamOperation(ctx, "pipeline.start", string(id))
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		tracing.QualityKey.String(string(plan.Tier)),
		tracing.BitrateKey.Int(plan.Primary.Bitrate),
	)

	if err := s.releaseFailed(id); err != nil {
		return nil, err
	}

	outputDir := filepath.Join(s.cfg.OutputRoot, string(id))
	session := &domain.StreamSession{
		ID:         id,
		StreamKey:  creds.StreamKey,
		Status:     domain.StatusStarting,
		Quality:    plan.Tier,
		Bitrate:    plan.Primary.Bitrate,
		Resolution: plan.Primary.Resolution(),
		Framerate:  plan.Primary.Framerate,
		StartedAt:  s.now(),
		OutputDir:  outputDir,
	}
	if err := s.registry.CreateWithinLimit(session, s.cfg.MaxConcurrentStreams); err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	job := ports.EncodeJob{
		StreamID:  id,
		InputURL:  cfg.InputURL,
		OutputDir: outputDir,
		Plan:      plan,
	}
	if err := s.builder.PrepareOutput(job); err != nil {
		return nil, s.failStart(ctx, id, "prepare output", err)
	}

	// The encoder outlives the request that started it.
	encoder, err := s.launcher.Launch(context.WithoutCancel(ctx), s.builder.EncoderSpec(job))
	if err != nil {
		return nil, s.failStart(ctx, id, "spawn encoder", err)
	}

	run := &pipelineRun{
		streamID: id,
		job:      job,
		encoder:  encoder,
		done:     make(chan struct{}),
	}

	// A stop that sees the session live must also see its run.
	s.mu.Lock()
	updated, err := s.registry.Update(id, func(ss *domain.StreamSession) error {
		ss.Status = domain.StatusLive
		return nil
	})
	if err == nil {
		s.runs[id] = run
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.Warnw("session changed while the encoder started",
			"stream_id", id,
			"error", err,
		)
		s.wg.Add(1)
		go s.reap(encoder)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	s.wg.Add(1)
	go s.monitor(run)

	s.publish(ctx, domain.EventStreamStarted, id, domain.StatusLive, "")
	s.metrics.StreamStarted(id, plan.Tier)
	s.logger.Infow("stream started",
		"stream_id", id,
		"quality", plan.Tier,
		"bitrate", plan.Primary.Bitrate,
		"pid", encoder.Pid(),
	)

	if opts.Record {
		updated = s.beginRecording(ctx, run, updated, opts.RecordingMaxDuration)
	}
	return s.describe(updated), nil
}

// releaseFailed drops a previous failed run of the same stream so it can be
// started again. Ended sessions stay ended.
func (s *PipelineService) releaseFailed(id domain.StreamID) error {
	prev, ok := s.registry.Get(id)
	if !ok {
		return nil
	}
	switch prev.Status {
	case domain.StatusError:
		s.registry.Remove(id)
		return nil
	case domain.StatusEnded:
		return fmt.Errorf("%w: %s", domain.ErrSessionEnded, id)
	default:
		return fmt.Errorf("%w: %s is %s", domain.ErrSessionExists, id, prev.Status)
	}
}

func (s *PipelineService) failStart(ctx context.Context, id domain.StreamID, stage string, cause error) error {
	msg := fmt.Sprintf("%s: %v", stage, cause)
	now := s.now()
	if _, err := s.registry.Update(id, func(ss *domain.StreamSession) error {
		ss.Status = domain.StatusError
		ss.ErrorMessage = msg
		ss.EndedAt = now
		return nil
	}); err != nil {
		s.logger.Warnw("failed to record pipeline failure", "stream_id", id, "error", err)
	}
	s.registry.Increment(id, domain.CounterErrors)

	s.metrics.PipelineFailed(stage)
	s.metrics.StreamStopped(id, domain.StatusError)
	s.publish(ctx, domain.EventPipelineFailed, id, domain.StatusError, msg)
	s.logger.Errorw("stream failed to start",
		"stream_id", id,
		"stage", stage,
		"error", cause,
	)

	err := fmt.Errorf("%w: %s", domain.ErrPipelineFailed, msg)
	tracing.RecordError(ctx, err)
	return err
}

// reap stops a process nothing else owns and collects its exit.
func (s *PipelineService) reap(proc ports.Process) {
	defer s.wg.Done()
	_ = proc.Terminate()
	for range proc.Output() {
	}
	_ = proc.Wait()
}

// monitor feeds encoder progress into analytics and settles the session
// once the encoder exits.
func (s *PipelineService) monitor(run *pipelineRun) {
	defer s.wg.Done()
	defer close(run.done)

	var lastLine string
	for line := range run.encoder.Output() {
		if report, ok := s.builder.ParseProgress(line); ok {
			s.analytics.RecordProgress(run.streamID, report)
			continue
		}
		lastLine = line
	}
	waitErr := run.encoder.Wait()

	s.mu.Lock()
	if s.runs[run.streamID] == run {
		delete(s.runs, run.streamID)
	}
	s.mu.Unlock()

	if run.stopping.Swap(true) {
		return
	}
	if rec := run.currentRecorder(); rec != nil {
		_ = rec.Terminate()
	}

	ctx := context.Background()
	now := s.now()
	if waitErr != nil {
		msg := fmt.Sprintf("encoder exited: %v", waitErr)
		if lastLine != "" {
			msg += ": " + utils.TruncateString(lastLine, 200)
		}
		if _, err := s.registry.Update(run.streamID, func(ss *domain.StreamSession) error {
			ss.Status = domain.StatusError
			ss.ErrorMessage = msg
			ss.EndedAt = now
			ss.Analytics.UptimeSeconds = int64(ss.Uptime(now).Seconds())
			return nil
		}); err != nil {
			s.logger.Warnw("failed to record encoder failure", "stream_id", run.streamID, "error", err)
			return
		}
		s.registry.Increment(run.streamID, domain.CounterErrors)
		s.metrics.PipelineFailed("encoder")
		s.metrics.StreamStopped(run.streamID, domain.StatusError)
		s.publish(ctx, domain.EventPipelineFailed, run.streamID, domain.StatusError, msg)
		s.logger.Errorw("encoder exited unexpectedly",
			"stream_id", run.streamID,
			"error", waitErr,
			"last_output", lastLine,
		)
		return
	}

	if _, err := s.markEnded(run.streamID, now); err != nil {
		s.logger.Warnw("failed to end session after encoder exit", "stream_id", run.streamID, "error", err)
		return
	}
	s.metrics.StreamStopped(run.streamID, domain.StatusEnded)
	s.publish(ctx, domain.EventStreamEnded, run.streamID, domain.StatusEnded, "encoder finished")
	s.logger.Infow("encoder finished", "stream_id", run.streamID)
}

// beginRecording plans the recording and launches the recorder once the live
// playlist exists. It returns the session as last written.
func (s *PipelineService) beginRecording(ctx context.Context, run *pipelineRun, session *domain.StreamSession, maxDuration time.Duration) *domain.StreamSession {
	if maxDuration <= 0 || maxDuration > s.cfg.RecordingMaxDuration {
		maxDuration = s.cfg.RecordingMaxDuration
	}
	path := filepath.Join(s.cfg.RecordingsRoot, fmt.Sprintf("%s_%d.mp4", run.streamID, s.now().Unix()))

	updated, err := s.registry.Update(run.streamID, func(ss *domain.StreamSession) error {
		ss.RecordingPath = path
		return nil
	})
	if err != nil {
		s.logger.Warnw("failed to plan recording", "stream_id", run.streamID, "error", err)
		return session
	}

	job := ports.RecordJob{
		StreamID:    run.streamID,
		SourcePath:  s.builder.PlaylistPath(run.job),
		OutputPath:  path,
		MaxDuration: maxDuration,
	}
	s.wg.Add(1)
	go s.record(context.WithoutCancel(ctx), run, job)
	return updated
}

func (s *PipelineService) record(ctx context.Context, run *pipelineRun, job ports.RecordJob) {
	defer s.wg.Done()

	if !s.waitForPlaylist(run, job.SourcePath) {
		return
	}
	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o755); err != nil {
		s.recordingFailed(ctx, run.streamID, fmt.Errorf("create recordings dir: %w", err))
		return
	}

	recorder, err := s.launcher.Launch(ctx, s.builder.RecorderSpec(job))
	if err != nil {
		s.recordingFailed(ctx, run.streamID, err)
		return
	}
	run.setRecorder(recorder)
	if run.stopping.Load() {
		_ = recorder.Terminate()
	}

	if _, err := s.registry.Update(run.streamID, func(ss *domain.StreamSession) error {
		if ss.Status == domain.StatusLive {
			ss.Status = domain.StatusRecording
		}
		return nil
	}); err != nil {
		s.logger.Warnw("failed to mark session recording", "stream_id", run.streamID, "error", err)
	}
	s.publish(ctx, domain.EventRecordingStart, run.streamID, domain.StatusRecording, job.OutputPath)
	s.logger.Infow("recording started",
		"stream_id", run.streamID,
		"path", job.OutputPath,
		"max_duration", job.MaxDuration,
	)

	var lastLine string
	for line := range recorder.Output() {
		lastLine = line
	}
	waitErr := recorder.Wait()
	run.setRecorder(nil)

	if run.stopping.Load() {
		return
	}

	if _, err := s.registry.Update(run.streamID, func(ss *domain.StreamSession) error {
		if ss.Status == domain.StatusRecording {
			ss.Status = domain.StatusLive
		}
		return nil
	}); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		s.logger.Warnw("failed to clear recording status", "stream_id", run.streamID, "error", err)
	}

	if waitErr != nil {
		if lastLine != "" {
			waitErr = fmt.Errorf("%w: %s", waitErr, utils.TruncateString(lastLine, 200))
		}
		s.recordingFailed(ctx, run.streamID, waitErr)
		return
	}
	s.publish(ctx, domain.EventRecordingStop, run.streamID, domain.StatusLive, job.OutputPath)
	s.logger.Infow("recording finished", "stream_id", run.streamID, "path", job.OutputPath)
}

// waitForPlaylist polls until path exists, the run stops or the wait
// expires. It reports false when the run stopped.
func (s *PipelineService) waitForPlaylist(run *pipelineRun, path string) bool {
	deadline := time.NewTimer(s.cfg.PlaylistWait)
	defer deadline.Stop()
	ticker := time.NewTicker(playlistPollInterval)
	defer ticker.Stop()

	for {
		if _, err := os.Stat(path); err == nil {
			return true
		}
		select {
		case <-run.done:
			return false
		case <-deadline.C:
			return true
		case <-ticker.C:
		}
	}
}

// recordingFailed is isolated from the stream: the session keeps running.
func (s *PipelineService) recordingFailed(ctx context.Context, id domain.StreamID, cause error) {
	s.registry.Increment(id, domain.CounterErrors)
	s.metrics.PipelineFailed("recorder")
	status := domain.StatusLive
	if session, ok := s.registry.Get(id); ok {
		status = session.Status
	}
	s.publish(ctx, domain.EventRecordingFailed, id, status, cause.Error())
	s.logger.Warnw("recording failed",
		"stream_id", id,
		"error", cause,
	)
}

// StopStream terminates the session's processes and ends the session.
func (s *PipelineService) StopStream(ctx context.Context, streamID domain.StreamID) (*domain.StreamSession, error) {
	ctx, span := tracing.TraceStreamOperation(ctx, "pipeline.stop", string(streamID))
	defer span.End()

	s.mu.Lock()
	session, ok := s.registry.Get(streamID)
	run := s.runs[streamID]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrStreamNotFound, streamID)
	}
	switch session.Status {
	case domain.StatusEnded:
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionEnded, streamID)
	case domain.StatusStarting:
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionStarting, streamID)
	}

	if run != nil {
		run.stopping.Store(true)
		if rec := run.currentRecorder(); rec != nil {
			if err := rec.Terminate(); err != nil {
				s.logger.Warnw("failed to terminate recorder", "stream_id", streamID, "error", err)
			}
		}
		if err := run.encoder.Terminate(); err != nil {
			s.logger.Warnw("failed to terminate encoder", "stream_id", streamID, "error", err)
		}
		select {
		case <-run.done:
		case <-ctx.Done():
			s.logger.Warnw("stopped waiting for encoder exit",
				"stream_id", streamID,
				"error", ctx.Err(),
			)
		}
	}

	ended, err := s.markEnded(streamID, s.now())
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	s.metrics.StreamStopped(streamID, domain.StatusEnded)
	s.publish(ctx, domain.EventStreamEnded, streamID, domain.StatusEnded, "")
	s.logger.Infow("stream stopped",
		"stream_id", streamID,
		"uptime_seconds", ended.Analytics.UptimeSeconds,
	)
	return ended, nil
}

func (s *PipelineService) markEnded(id domain.StreamID, now time.Time) (*domain.StreamSession, error) {
	return s.registry.Update(id, func(ss *domain.StreamSession) error {
		ss.Status = domain.StatusEnded
		// A failed session keeps the time it actually went off air.
		if ss.EndedAt.IsZero() {
			ss.EndedAt = now
		}
		ss.ViewerCount = 0
		ss.Analytics.UptimeSeconds = int64(ss.Uptime(ss.EndedAt).Seconds())
		return nil
	})
}

func (s *PipelineService) Describe(streamID domain.StreamID) (*domain.StreamInfo, bool) {
	session, ok := s.registry.Get(streamID)
	if !ok {
		return nil, false
	}
	return s.describe(session), true
}

func (s *PipelineService) describe(session *domain.StreamSession) *domain.StreamInfo {
	info := &domain.StreamInfo{
		StreamID:      session.ID,
		Status:        session.Status,
		IngestURL:     joinURL(s.cfg.IngestBase, session.StreamKey),
		PlaybackURL:   s.PlaybackURL(session.ID),
		Quality:       session.Quality,
		Bitrate:       session.Bitrate,
		Resolution:    session.Resolution,
		Framerate:     session.Framerate,
		RecordingPath: session.RecordingPath,
		ErrorMessage:  session.ErrorMessage,
		StartedAt:     session.StartedAt,
	}
	if s.cfg.RTCBase != "" {
		info.RTCURL = joinURL(s.cfg.RTCBase, string(session.ID))
	}
	return info
}

// PlaybackURL is the master playlist URL players load.
func (s *PipelineService) PlaybackURL(id domain.StreamID) string {
	return joinURL(s.cfg.PlaybackBase, string(id)) + "/master.m3u8"
}

// Shutdown stops every running session and waits for the process goroutines.
func (s *PipelineService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]domain.StreamID, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if _, err := s.StopStream(ctx, id); err != nil && !errors.Is(err, domain.ErrSessionEnded) {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	s.logger.Infow("pipeline shut down", "stopped", len(ids))
	return errors.Join(errs...)
}

func (s *PipelineService) publish(ctx context.Context, kind domain.EventKind, id domain.StreamID, status domain.SessionStatus, msg string) {
	if s.events == nil {
		return
	}
	event := domain.SessionEvent{
		Kind:      kind,
		StreamID:  id,
		Status:    status,
		Message:   msg,
		Timestamp: s.now(),
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warnw("failed to publish session event",
			"kind", kind,
			"stream_id", id,
			"error", err,
		)
	}
}

func joinURL(base, elem string) string {
	return strings.TrimRight(base, "/") + "/" + elem
}

var _ ports.PipelineController = (*PipelineService)(nil)
