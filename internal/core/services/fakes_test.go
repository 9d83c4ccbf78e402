package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/internal/infrastructure/repositories/memory"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errTerminated = errors.New("signal: terminated")

// fakeProcess is a process whose output and exit the test controls.
type fakeProcess struct {
	name   string
	spec   ports.ProcessSpec
	output chan string
	exit   chan error

	mu         sync.Mutex
	exited     bool
	terminated bool
	waited     bool
}

func newFakeProcess(spec ports.ProcessSpec) *fakeProcess {
	return &fakeProcess{
		name:   spec.Name,
		spec:   spec,
		output: make(chan string, 16),
		exit:   make(chan error, 1),
	}
}

func (p *fakeProcess) Output() <-chan string { return p.output }

func (p *fakeProcess) Wait() error {
	err := <-p.exit
	p.mu.Lock()
	p.waited = true
	p.mu.Unlock()
	return err
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	p.finish(errTerminated)
	return nil
}

// Emit writes a line as if the process printed it.
func (p *fakeProcess) Emit(line string) { p.output <- line }

// finish makes the process exit with err. Only the first call counts.
func (p *fakeProcess) finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	close(p.output)
	p.exit <- err
}

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) wasWaited() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waited
}

// fakeLauncher records every launch and can fail by process name.
type fakeLauncher struct {
	mu        sync.Mutex
	processes []*fakeProcess
	failFor   map[string]error
	launched  chan *fakeProcess
	gate      chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		failFor:  make(map[string]error),
		launched: make(chan *fakeProcess, 32),
	}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec ports.ProcessSpec) (ports.Process, error) {
	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.failFor[spec.Name]; err != nil {
		return nil, err
	}
	p := newFakeProcess(spec)
	l.processes = append(l.processes, p)
	l.launched <- p
	return p, nil
}

func (l *fakeLauncher) fail(name string, err error) {
	l.mu.Lock()
	l.failFor[name] = err
	l.mu.Unlock()
}

// hold blocks launches until release is called.
func (l *fakeLauncher) hold() (release func()) {
	gate := make(chan struct{})
	l.mu.Lock()
	l.gate = gate
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.gate = nil
			l.mu.Unlock()
			close(gate)
		})
	}
}

// next waits for the next launched process.
func (l *fakeLauncher) next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.launched:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no process launched")
		return nil
	}
}

// fakeBuilder writes the live playlist up front so recorders start at once.
type fakeBuilder struct{}

func (fakeBuilder) EncoderSpec(job ports.EncodeJob) ports.ProcessSpec {
	return ports.ProcessSpec{Name: "encoder", Path: "ffmpeg", Args: []string{"-i", job.InputURL}, Dir: job.OutputDir}
}

func (fakeBuilder) RecorderSpec(job ports.RecordJob) ports.ProcessSpec {
	return ports.ProcessSpec{Name: "recorder", Path: "ffmpeg", Args: []string{"-i", job.SourcePath, job.OutputPath}}
}

func (fakeBuilder) ParseProgress(line string) (domain.ProgressReport, bool) {
	switch line {
	case "progress 1000":
		return domain.ProgressReport{Frame: 30, Bitrate: 1000, SizeBytes: 125000}, true
	case "progress 3000":
		return domain.ProgressReport{Frame: 60, Bitrate: 3000, SizeBytes: 500000}, true
	}
	return domain.ProgressReport{}, false
}

func (fakeBuilder) PlaylistPath(job ports.EncodeJob) string {
	return filepath.Join(job.OutputDir, "index.m3u8")
}

func (fakeBuilder) PrepareOutput(job ports.EncodeJob) error {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(job.OutputDir, "index.m3u8"), []byte("#EXTM3U\n"), 0o644)
}

// eventRecorder captures published session events.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *eventRecorder) Publish(_ context.Context, e domain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventRecorder) kinds(id domain.StreamID) []domain.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.EventKind
	for _, e := range r.events {
		if e.StreamID == id {
			out = append(out, e.Kind)
		}
	}
	return out
}

func (r *eventRecorder) has(id domain.StreamID, kind domain.EventKind) bool {
	for _, k := range r.kinds(id) {
		if k == kind {
			return true
		}
	}
	return false
}

type MockEnrollmentChecker struct {
	mock.Mock
}

func (m *MockEnrollmentChecker) IsEnrolled(ctx context.Context, userID domain.UserID, courseID string) (bool, error) {
	args := m.Called(ctx, userID, courseID)
	return args.Bool(0), args.Error(1)
}

// pipelineFixture wires a pipeline over the in-memory registry.
type pipelineFixture struct {
	registry  *memory.SessionRegistry
	launcher  *fakeLauncher
	events    *eventRecorder
	analytics ports.AnalyticsService
	pipeline  *PipelineService
}

func newPipelineFixture(t *testing.T, maxStreams int) *pipelineFixture {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	registry := memory.NewSessionRegistry(0, 0, logger)
	launcher := newFakeLauncher()
	events := &eventRecorder{}
	analytics := NewAnalyticsService(registry, nil)
	root := t.TempDir()

	pipeline := NewPipelineService(PipelineConfig{
		OutputRoot:           filepath.Join(root, "live"),
		RecordingsRoot:       filepath.Join(root, "recordings"),
		MaxConcurrentStreams: maxStreams,
		RecordingMaxDuration: time.Hour,
		PlaylistWait:         time.Second,
		IngestBase:           "rtmp://ingest.test/live",
		PlaybackBase:         "https://cdn.test/hls/",
	}, registry, NewQualityService(domain.QualityMedium), fakeBuilder{}, launcher, analytics, events, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, pipeline.Shutdown(ctx))
	})

	return &pipelineFixture{
		registry:  registry,
		launcher:  launcher,
		events:    events,
		analytics: analytics,
		pipeline:  pipeline,
	}
}

func streamConfig() domain.StreamConfig {
	return domain.StreamConfig{InputURL: "rtmp://source.test/live/in", Quality: domain.QualityMedium}
}
