package domain

import "time"

// Analytics is the per-session counter block kept inside the registry.
// Bitrate and byte figures come from encoder progress output and are
// estimates only.
type Analytics struct {
	TotalBytes      int64   `json:"total_bytes"`
	AverageBitrate  float64 `json:"average_bitrate"` // kbps
	PeakBitrate     float64 `json:"peak_bitrate"`    // kbps
	BufferingEvents int64   `json:"buffering_events"`
	QualitySwitches int64   `json:"quality_switches"`
	ChatMessages    int64   `json:"chat_messages"`
	Errors          int64   `json:"errors"`
	PeakViewers     int     `json:"peak_viewers"`
	TotalJoins      int64   `json:"total_joins"`
	UptimeSeconds   int64   `json:"uptime_seconds"`

	ProgressSamples int64         `json:"-"`
	LastFrame       int64         `json:"-"`
	LastFPS         float64       `json:"-"`
	MediaTime       time.Duration `json:"-"`
}

type Counter string

const (
	CounterChatMessages    Counter = "chat_messages"
	CounterQualitySwitches Counter = "quality_switches"
	CounterBuffering       Counter = "buffering_events"
	CounterErrors          Counter = "errors"
)

// Increment bumps the named counter and returns its new value.
func (a *Analytics) Increment(c Counter) (int64, bool) {
	switch c {
	case CounterChatMessages:
		a.ChatMessages++
		return a.ChatMessages, true
	case CounterQualitySwitches:
		a.QualitySwitches++
		return a.QualitySwitches, true
	case CounterBuffering:
		a.BufferingEvents++
		return a.BufferingEvents, true
	case CounterErrors:
		a.Errors++
		return a.Errors, true
	default:
		return 0, false
	}
}

// ProgressReport is one decoded encoder status line.
type ProgressReport struct {
	Frame     int64
	FPS       float64
	SizeBytes int64
	MediaTime time.Duration
	Bitrate   float64 // kbps
	Speed     float64
}

// Apply folds a progress report into the running figures. elapsed is the wall
// time since the previous report and is used to estimate bytes when the
// encoder does not report an output size.
func (a *Analytics) Apply(r ProgressReport, elapsed time.Duration) {
	if r.Bitrate > 0 {
		a.ProgressSamples++
		a.AverageBitrate += (r.Bitrate - a.AverageBitrate) / float64(a.ProgressSamples)
		if r.Bitrate > a.PeakBitrate {
			a.PeakBitrate = r.Bitrate
		}
	}
	switch {
	case r.SizeBytes > a.TotalBytes:
		a.TotalBytes = r.SizeBytes
	case r.SizeBytes == 0 && r.Bitrate > 0 && elapsed > 0:
		a.TotalBytes += int64(r.Bitrate * 1000 / 8 * elapsed.Seconds())
	}
	if r.Frame > 0 {
		a.LastFrame = r.Frame
	}
	if r.FPS > 0 {
		a.LastFPS = r.FPS
	}
	if r.MediaTime > 0 {
		a.MediaTime = r.MediaTime
	}
}

// AnalyticsSnapshot is the read model served to callers.
type AnalyticsSnapshot struct {
	StreamID      StreamID      `json:"stream_id"`
	Status        SessionStatus `json:"status"`
	ViewerCount   int           `json:"viewer_count"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	Quality       QualityTier   `json:"quality,omitempty"`
	Analytics     *Analytics    `json:"analytics,omitempty"`
	ChatMessages  int64         `json:"chat_messages"`
	RecordingPath string        `json:"recording_path,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	Redacted      bool          `json:"redacted"`
}
