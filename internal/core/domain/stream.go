package domain

import (
	"time"
)

type StreamID string

type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusStarting  SessionStatus = "starting"
	StatusLive      SessionStatus = "live"
	StatusEnded     SessionStatus = "ended"
	StatusError     SessionStatus = "error"
	StatusRecording SessionStatus = "recording"
)

// IsActive reports whether a session occupies an encoder slot.
func (s SessionStatus) IsActive() bool {
	return s == StatusStarting || s == StatusLive || s == StatusRecording
}

// IsBroadcasting reports whether viewers can currently watch the session.
func (s SessionStatus) IsBroadcasting() bool {
	return s == StatusLive || s == StatusRecording
}

// CanTransition reports whether a session may move from s to next.
// Ended is terminal.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case StatusIdle:
		return next == StatusStarting || next == StatusEnded
	case StatusStarting:
		return next == StatusLive || next == StatusError || next == StatusEnded
	case StatusLive:
		return next == StatusRecording || next == StatusError || next == StatusEnded
	case StatusRecording:
		return next == StatusLive || next == StatusError || next == StatusEnded
	case StatusError:
		return next == StatusEnded
	default:
		return false
	}
}

type StreamSession struct {
	ID            StreamID      `json:"stream_id"`
	StreamKey     string        `json:"-"`
	Status        SessionStatus `json:"status"`
	Quality       QualityTier   `json:"quality"`
	Bitrate       int           `json:"bitrate"` // kbps
	Resolution    string        `json:"resolution"`
	Framerate     int           `json:"framerate"`
	ViewerCount   int           `json:"viewer_count"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	OutputDir     string        `json:"output_dir,omitempty"`
	RecordingPath string        `json:"recording_path,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Analytics     Analytics     `json:"analytics"`
}

// Uptime returns the broadcast duration as of now. Ended and failed sessions
// are measured up to EndedAt.
func (s *StreamSession) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := now
	if !s.EndedAt.IsZero() {
		end = s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// StreamInfo is what callers get back from starting a stream or polling it.
type StreamInfo struct {
	StreamID      StreamID      `json:"stream_id"`
	Status        SessionStatus `json:"status"`
	IngestURL     string        `json:"ingest_url"`
	PlaybackURL   string        `json:"playback_url"`
	RTCURL        string        `json:"rtc_url,omitempty"`
	Quality       QualityTier   `json:"quality"`
	Bitrate       int           `json:"bitrate"`
	Resolution    string        `json:"resolution"`
	Framerate     int           `json:"framerate"`
	RecordingPath string        `json:"recording_path,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
}
