package utils

import (
	"fmt"
	"time"
)

// FFmpegTimestamp renders d as HH:MM:SS for ffmpeg duration arguments.
func FFmpegTimestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, (total%3600)/60, total%60)
}

// ParseFFmpegTimestamp parses "HH:MM:SS.ff" as printed in ffmpeg progress lines.
func ParseFFmpegTimestamp(s string) (time.Duration, bool) {
	var h, m int
	var sec float64
	if _, err := fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec); err != nil {
		return 0, false
	}
	if h < 0 || m < 0 || sec < 0 {
		return 0, false
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec*float64(time.Second))
	return d, true
}
