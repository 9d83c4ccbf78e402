package ports

import (
	"context"
	"time"

	"lecturecast/internal/core/domain"
)

// ProcessSpec describes one external process invocation.
type ProcessSpec struct {
	Name string
	Path string
	Args []string
	Dir  string
}

// Process is a running external process. Output yields its diagnostic lines
// and is closed once the process stops writing; Wait must only be called
// after Output has been drained.
type Process interface {
	Output() <-chan string
	Wait() error
	// Terminate asks the process to exit and kills it if it does not within
	// the launcher's grace period.
	Terminate() error
	Pid() int
}

type ProcessLauncher interface {
	Launch(ctx context.Context, spec ProcessSpec) (Process, error)
}

// EncodeJob is everything the builder needs to produce encoder arguments.
type EncodeJob struct {
	StreamID  domain.StreamID
	InputURL  string
	OutputDir string
	Plan      domain.EncodingPlan
}

type RecordJob struct {
	StreamID    domain.StreamID
	SourcePath  string
	OutputPath  string
	MaxDuration time.Duration
}

// PipelineBuilder translates jobs into process specs and decodes the
// encoder's progress output.
type PipelineBuilder interface {
	EncoderSpec(job EncodeJob) ProcessSpec
	RecorderSpec(job RecordJob) ProcessSpec
	ParseProgress(line string) (domain.ProgressReport, bool)
	// PlaylistPath is the playlist players and the recorder read from.
	PlaylistPath(job EncodeJob) string
	// PrepareOutput creates the rendition directories and writes the master
	// playlist when the encoder does not produce one itself.
	PrepareOutput(job EncodeJob) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.SessionEvent) error
}
