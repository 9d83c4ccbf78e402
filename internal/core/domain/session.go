package domain

import "time"

// StreamCredentials are minted once when a session is scheduled.
type StreamCredentials struct {
	StreamID   StreamID  `json:"stream_id"`
	StreamKey  string    `json:"stream_key"`
	ChatSecret string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// ScheduledSession is the durable schedule record owned by the platform.
type ScheduledSession struct {
	StreamID    StreamID          `json:"stream_id"`
	CourseID    string            `json:"course_id"`
	TeacherID   UserID            `json:"teacher_id"`
	Title       string            `json:"title"`
	ScheduledAt time.Time         `json:"scheduled_at"`
	Duration    time.Duration     `json:"duration"`
	Status      SessionStatus     `json:"status"`
	Credentials StreamCredentials `json:"credentials"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// StreamConfig is the declarative request to bring a session on air.
type StreamConfig struct {
	Credentials *StreamCredentials
	InputURL    string
	Quality     QualityTier
	Bitrate     int    // kbps override
	Resolution  string // "W:H" override
	Framerate   int
}

type StartOptions struct {
	Record               bool
	RecordingMaxDuration time.Duration
}

type EventKind string

const (
	EventStreamStarted   EventKind = "stream.started"
	EventStreamEnded     EventKind = "stream.ended"
	EventPipelineFailed  EventKind = "pipeline.failed"
	EventRecordingStart  EventKind = "recording.started"
	EventRecordingStop   EventKind = "recording.stopped"
	EventRecordingFailed EventKind = "recording.failed"
	EventSessionSwept    EventKind = "session.swept"
)

type SessionEvent struct {
	Kind      EventKind     `json:"kind"`
	StreamID  StreamID      `json:"stream_id"`
	Status    SessionStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ViewerEvent is telemetry reported by players and chat clients.
type ViewerEvent string

const (
	ViewerJoined        ViewerEvent = "viewer_joined"
	ViewerLeft          ViewerEvent = "viewer_left"
	ViewerChatMessage   ViewerEvent = "chat_message"
	ViewerQualitySwitch ViewerEvent = "quality_switch"
	ViewerBuffering     ViewerEvent = "buffering"
	ViewerError         ViewerEvent = "error"
)

// AcceptedPermissions lists the permissions of which a token must carry at
// least one to report e. Unknown events accept nothing.
func (e ViewerEvent) AcceptedPermissions() []Permission {
	switch e {
	case ViewerChatMessage:
		return []Permission{PermChat}
	case ViewerJoined, ViewerLeft, ViewerQualitySwitch, ViewerBuffering, ViewerError:
		return []Permission{PermView, PermStream}
	default:
		return nil
	}
}
