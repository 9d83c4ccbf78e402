package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// CourseIDRegex validates platform course identifiers
	CourseIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,100}$`)

	resolutionRegex = regexp.MustCompile(`^(\d{2,5})[:x](\d{2,5})$`)
)

// Accepted ingest schemes for encoder input.
var inputSchemes = map[string]bool{
	"rtmp":  true,
	"rtmps": true,
	"srt":   true,
	"rtsp":  true,
	"http":  true,
	"https": true,
	"udp":   true,
}

// ValidateCourseID validates course ID
func ValidateCourseID(courseID string) error {
	if strings.TrimSpace(courseID) == "" {
		return fmt.Errorf("course ID is required")
	}
	if !CourseIDRegex.MatchString(courseID) {
		return fmt.Errorf("invalid course ID format")
	}
	return nil
}

// ValidateTitle validates a session title
func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if !utf8.ValidString(title) {
		return fmt.Errorf("title contains invalid characters")
	}
	if utf8.RuneCountInString(title) > 200 {
		return fmt.Errorf("title is too long (max 200 characters)")
	}
	return nil
}

// ValidateInputURL validates the encoder ingest source.
func ValidateInputURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("input URL is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid input URL: %w", err)
	}
	if !inputSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("unsupported input URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("input URL must have a host")
	}
	return nil
}

// ValidateBitrate validates bitrate value
func ValidateBitrate(bitrate int) error {
	if bitrate < 100 {
		return fmt.Errorf("bitrate must be at least 100 kbps")
	}
	if bitrate > 20000 {
		return fmt.Errorf("bitrate is too high (max 20000 kbps)")
	}
	return nil
}

// ParseResolution accepts "W:H" or "WxH" and returns the dimensions.
func ParseResolution(s string) (int, int, error) {
	m := resolutionRegex.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("invalid resolution %q (expected W:H)", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w < 16 || h < 16 || w > 7680 || h > 4320 {
		return 0, 0, fmt.Errorf("resolution %q out of range", s)
	}
	if w%2 != 0 || h%2 != 0 {
		return 0, 0, fmt.Errorf("resolution %q must have even dimensions", s)
	}
	return w, h, nil
}

// ValidateFramerate validates frames per second
func ValidateFramerate(fps int) error {
	if fps < 1 || fps > 120 {
		return fmt.Errorf("framerate must be between 1 and 120")
	}
	return nil
}

// ValidateScheduleDuration validates the planned length of a session.
func ValidateScheduleDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if d > 12*time.Hour {
		return fmt.Errorf("duration is too long (max 12h)")
	}
	return nil
}
