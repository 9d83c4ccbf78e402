package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lecturecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_StartStream(t *testing.T) {
	f := newPipelineFixture(t, 10)

	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusLive, info.Status)
	assert.Equal(t, domain.QualityMedium, info.Quality)
	assert.Equal(t, 1200, info.Bitrate)
	assert.Equal(t, "1280:720", info.Resolution)
	assert.Equal(t, 30, info.Framerate)
	assert.True(t, strings.HasPrefix(info.IngestURL, "rtmp://ingest.test/live/"))
	assert.Equal(t, fmt.Sprintf("https://cdn.test/hls/%s/master.m3u8", info.StreamID), info.PlaybackURL)
	assert.Empty(t, info.RTCURL)

	encoder := f.launcher.next(t)
	assert.Equal(t, "encoder", encoder.name)
	assert.Equal(t, "rtmp://source.test/live/in", encoder.spec.Args[1])

	session, ok := f.registry.Get(info.StreamID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusLive, session.Status)
	assert.DirExists(t, session.OutputDir)
	assert.Equal(t, []domain.EventKind{domain.EventStreamStarted}, f.events.kinds(info.StreamID))
}

func TestPipeline_StartStreamUsesScheduledCredentials(t *testing.T) {
	f := newPipelineFixture(t, 10)
	creds, err := GenerateCredentials()
	require.NoError(t, err)

	cfg := streamConfig()
	cfg.Credentials = &creds
	info, err := f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
	require.NoError(t, err)

	assert.Equal(t, creds.StreamID, info.StreamID)
	assert.Equal(t, "rtmp://ingest.test/live/"+creds.StreamKey, info.IngestURL)
}

func TestPipeline_RejectsBadRequests(t *testing.T) {
	f := newPipelineFixture(t, 10)

	cfg := streamConfig()
	cfg.Quality = "4k-hdr"
	_, err := f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidQuality)

	cfg = streamConfig()
	cfg.InputURL = "not a url"
	_, err = f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Empty(t, f.registry.ListAll())
}

func TestPipeline_CapacityExceeded(t *testing.T) {
	f := newPipelineFixture(t, 2)

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
		require.NoError(t, err)
	}

	_, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	assert.ErrorIs(t, err, domain.ErrCapacityExceeded)
	assert.Len(t, f.registry.ListAll(), 2, "a rejected start leaves no registry entry")
}

func TestPipeline_ConcurrentStartsRespectCapacity(t *testing.T) {
	f := newPipelineFixture(t, 3)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		started  int
		rejected int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				started++
			case errors.Is(err, domain.ErrCapacityExceeded):
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, started)
	assert.Equal(t, 7, rejected)
	assert.Equal(t, 3, f.registry.CountActive())
}

func TestPipeline_SpawnFailure(t *testing.T) {
	f := newPipelineFixture(t, 10)
	f.launcher.fail("encoder", errors.New("exec: ffmpeg: not found"))
	creds, err := GenerateCredentials()
	require.NoError(t, err)

	cfg := streamConfig()
	cfg.Credentials = &creds
	_, err = f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
	require.ErrorIs(t, err, domain.ErrPipelineFailed)

	session, ok := f.registry.Get(creds.StreamID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, session.Status)
	assert.Contains(t, session.ErrorMessage, "not found")
	assert.Equal(t, int64(1), session.Analytics.Errors)
	assert.True(t, f.events.has(creds.StreamID, domain.EventPipelineFailed))
	assert.Zero(t, f.registry.CountActive(), "a failed session frees its slot")

	f.launcher.fail("encoder", nil)
	info, err := f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
	require.NoError(t, err, "a failed session can be started again")
	assert.Equal(t, domain.StatusLive, info.Status)
}

func TestPipeline_ProgressFeedsAnalytics(t *testing.T) {
	f := newPipelineFixture(t, 10)
	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)
	encoder := f.launcher.next(t)

	encoder.Emit("Input #0, flv, from 'rtmp://source.test/live/in':")
	encoder.Emit("progress 1000")
	encoder.Emit("progress 3000")

	assert.Eventually(t, func() bool {
		snap, ok := f.analytics.Snapshot(info.StreamID)
		return ok && snap.Analytics.PeakBitrate == 3000
	}, 2*time.Second, 10*time.Millisecond)

	snap, _ := f.analytics.Snapshot(info.StreamID)
	assert.InDelta(t, 2000, snap.Analytics.AverageBitrate, 0.001)
	assert.Equal(t, int64(500000), snap.Analytics.TotalBytes)
}

func TestPipeline_EncoderCrashIsIsolated(t *testing.T) {
	f := newPipelineFixture(t, 10)
	first, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)
	firstEncoder := f.launcher.next(t)

	second, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)
	f.launcher.next(t)

	firstEncoder.Emit("rtmp://source.test/live/in: Connection refused")
	firstEncoder.finish(errors.New("exit status 1"))

	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(first.StreamID)
		return s.Status == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	s, _ := f.registry.Get(first.StreamID)
	assert.Contains(t, s.ErrorMessage, "exit status 1")
	assert.Contains(t, s.ErrorMessage, "Connection refused")
	assert.False(t, s.EndedAt.IsZero())
	assert.Eventually(t, func() bool {
		return f.events.has(first.StreamID, domain.EventPipelineFailed)
	}, 2*time.Second, 10*time.Millisecond)

	other, _ := f.registry.Get(second.StreamID)
	assert.Equal(t, domain.StatusLive, other.Status)
}

func TestPipeline_CleanEncoderExitEndsSession(t *testing.T) {
	f := newPipelineFixture(t, 10)
	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)

	f.launcher.next(t).finish(nil)

	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Status == domain.StatusEnded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.events.has(info.StreamID, domain.EventStreamEnded)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipeline_StopStream(t *testing.T) {
	f := newPipelineFixture(t, 10)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := start
	var clockMu sync.Mutex
	f.pipeline.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)
	encoder := f.launcher.next(t)

	clockMu.Lock()
	clock = start.Add(90 * time.Minute)
	clockMu.Unlock()

	ended, err := f.pipeline.StopStream(context.Background(), info.StreamID)
	require.NoError(t, err)

	assert.True(t, encoder.wasTerminated())
	assert.Equal(t, domain.StatusEnded, ended.Status)
	assert.Equal(t, start.Add(90*time.Minute), ended.EndedAt)
	assert.Equal(t, int64(5400), ended.Analytics.UptimeSeconds)
	assert.Equal(t, []domain.EventKind{domain.EventStreamStarted, domain.EventStreamEnded}, f.events.kinds(info.StreamID))

	_, err = f.pipeline.StopStream(context.Background(), info.StreamID)
	assert.ErrorIs(t, err, domain.ErrSessionEnded)

	_, err = f.pipeline.StartStream(context.Background(), domain.StreamConfig{
		Credentials: &domain.StreamCredentials{StreamID: info.StreamID, StreamKey: "k"},
		InputURL:    "rtmp://source.test/live/in",
	}, domain.StartOptions{})
	assert.ErrorIs(t, err, domain.ErrSessionEnded, "ended sessions are not revived")
}

func TestPipeline_StopUnknownStream(t *testing.T) {
	f := newPipelineFixture(t, 10)
	ctx := context.Background()

	_, err := f.pipeline.StopStream(ctx, "stream_missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)
	assert.Empty(t, f.registry.ListAll())

	info, err := f.pipeline.StartStream(ctx, streamConfig(), domain.StartOptions{})
	require.NoError(t, err)
	encoder := f.launcher.next(t)
	encoder.Emit("progress 1000")
	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Analytics.PeakBitrate == 1000
	}, 2*time.Second, 10*time.Millisecond)
	before, ok := f.registry.Get(info.StreamID)
	require.True(t, ok)

	_, err = f.pipeline.StopStream(ctx, "stream_missing")
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	after, ok := f.registry.Get(info.StreamID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusLive, after.Status)
	assert.True(t, after.EndedAt.IsZero())
	assert.Equal(t, before.Analytics, after.Analytics)
	assert.False(t, encoder.wasTerminated())
	assert.Len(t, f.registry.ListAll(), 1)
	assert.Equal(t, []domain.EventKind{domain.EventStreamStarted}, f.events.kinds(info.StreamID))
}

func TestPipeline_StopWhileStarting(t *testing.T) {
	f := newPipelineFixture(t, 10)
	release := f.launcher.hold()
	t.Cleanup(release)

	creds, err := GenerateCredentials()
	require.NoError(t, err)
	cfg := streamConfig()
	cfg.Credentials = &creds

	type result struct {
		info *domain.StreamInfo
		err  error
	}
	started := make(chan result, 1)
	go func() {
		info, err := f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
		started <- result{info, err}
	}()

	require.Eventually(t, func() bool {
		s, ok := f.registry.Get(creds.StreamID)
		return ok && s.Status == domain.StatusStarting
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.pipeline.StopStream(context.Background(), creds.StreamID)
	assert.ErrorIs(t, err, domain.ErrSessionStarting)
	s, _ := f.registry.Get(creds.StreamID)
	assert.Equal(t, domain.StatusStarting, s.Status, "a rejected stop leaves the session alone")

	release()
	var res result
	select {
	case res = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	require.NoError(t, res.err)
	assert.Equal(t, domain.StatusLive, res.info.Status)
	encoder := f.launcher.next(t)

	ended, err := f.pipeline.StopStream(context.Background(), creds.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, ended.Status)
	assert.True(t, encoder.wasTerminated())
	assert.True(t, encoder.wasWaited())
}

func TestPipeline_StartCollectsEncoderWhenSessionVanishes(t *testing.T) {
	f := newPipelineFixture(t, 10)
	release := f.launcher.hold()
	t.Cleanup(release)

	creds, err := GenerateCredentials()
	require.NoError(t, err)
	cfg := streamConfig()
	cfg.Credentials = &creds

	started := make(chan error, 1)
	go func() {
		_, err := f.pipeline.StartStream(context.Background(), cfg, domain.StartOptions{})
		started <- err
	}()

	require.Eventually(t, func() bool {
		_, ok := f.registry.Get(creds.StreamID)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, f.registry.Remove(creds.StreamID))
	release()

	select {
	case err = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	assert.ErrorIs(t, err, domain.ErrStreamNotFound)

	encoder := f.launcher.next(t)
	assert.Eventually(t, func() bool {
		return encoder.wasTerminated() && encoder.wasWaited()
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.events.has(creds.StreamID, domain.EventStreamStarted))
}

func TestPipeline_StopAfterCrashKeepsEndedAt(t *testing.T) {
	f := newPipelineFixture(t, 10)
	start := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	clock := start
	var clockMu sync.Mutex
	setClock := func(at time.Time) {
		clockMu.Lock()
		clock = at
		clockMu.Unlock()
	}
	f.pipeline.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}

	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
	require.NoError(t, err)
	encoder := f.launcher.next(t)

	crashedAt := start.Add(20 * time.Minute)
	setClock(crashedAt)
	encoder.finish(errors.New("exit status 1"))
	require.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Status == domain.StatusError
	}, 2*time.Second, 10*time.Millisecond)

	setClock(start.Add(2 * time.Hour))
	ended, err := f.pipeline.StopStream(context.Background(), info.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, ended.Status)
	assert.Equal(t, crashedAt, ended.EndedAt)
	assert.Equal(t, int64(1200), ended.Analytics.UptimeSeconds)
}

func TestPipeline_Recording(t *testing.T) {
	f := newPipelineFixture(t, 10)
	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{Record: true})
	require.NoError(t, err)
	require.NotEmpty(t, info.RecordingPath)
	assert.Equal(t, ".mp4", filepath.Ext(info.RecordingPath))

	f.launcher.next(t)
	recorder := f.launcher.next(t)
	assert.Equal(t, "recorder", recorder.name)
	assert.Equal(t, info.RecordingPath, recorder.spec.Args[len(recorder.spec.Args)-1])

	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Status == domain.StatusRecording
	}, 2*time.Second, 10*time.Millisecond)
	_, err = os.Stat(filepath.Dir(info.RecordingPath))
	assert.NoError(t, err)

	recorder.finish(nil)
	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Status == domain.StatusLive && f.events.has(info.StreamID, domain.EventRecordingStop)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPipeline_RecorderFailureKeepsStreamLive(t *testing.T) {
	f := newPipelineFixture(t, 10)
	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{Record: true})
	require.NoError(t, err)

	f.launcher.next(t)
	recorder := f.launcher.next(t)
	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Status == domain.StatusRecording
	}, 2*time.Second, 10*time.Millisecond)

	recorder.finish(errors.New("exit status 1"))

	assert.Eventually(t, func() bool {
		return f.events.has(info.StreamID, domain.EventRecordingFailed)
	}, 2*time.Second, 10*time.Millisecond)
	s, _ := f.registry.Get(info.StreamID)
	assert.Equal(t, domain.StatusLive, s.Status)
	assert.Equal(t, int64(1), s.Analytics.Errors)
}

func TestPipeline_StopTerminatesRecorder(t *testing.T) {
	f := newPipelineFixture(t, 10)
	info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{Record: true})
	require.NoError(t, err)

	f.launcher.next(t)
	recorder := f.launcher.next(t)
	assert.Eventually(t, func() bool {
		s, _ := f.registry.Get(info.StreamID)
		return s.Status == domain.StatusRecording
	}, 2*time.Second, 10*time.Millisecond)

	ended, err := f.pipeline.StopStream(context.Background(), info.StreamID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusEnded, ended.Status)
	assert.True(t, recorder.wasTerminated())
	assert.False(t, f.events.has(info.StreamID, domain.EventRecordingFailed))
}

func TestPipeline_ShutdownStopsEverything(t *testing.T) {
	f := newPipelineFixture(t, 10)
	var ids []domain.StreamID
	for i := 0; i < 3; i++ {
		info, err := f.pipeline.StartStream(context.Background(), streamConfig(), domain.StartOptions{})
		require.NoError(t, err)
		ids = append(ids, info.StreamID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.pipeline.Shutdown(ctx))

	for _, id := range ids {
		s, _ := f.registry.Get(id)
		assert.Equal(t, domain.StatusEnded, s.Status)
	}
	assert.Zero(t, f.registry.CountActive())
}
