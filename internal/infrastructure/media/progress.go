package media

import (
	"regexp"
	"strconv"
	"strings"

	"lecturecast/internal/core/domain"
	"lecturecast/pkg/utils"
)

// statusField matches key=value pairs in an ffmpeg status line, tolerating
// the padding ffmpeg puts after the equals sign.
var statusField = regexp.MustCompile(`(frame|fps|size|time|bitrate|speed)=\s*(\S+)`)

// ParseProgress decodes an ffmpeg status line such as
//
//	frame=  120 fps= 30 q=28.0 size=     512kB time=00:00:04.00 bitrate=1048.6kbits/s speed=1.00x
//
// Lines without both frame and time fields are not status lines.
func ParseProgress(line string) (domain.ProgressReport, bool) {
	var r domain.ProgressReport
	var haveFrame, haveTime bool

	for _, m := range statusField.FindAllStringSubmatch(line, -1) {
		key, value := m[1], m[2]
		switch key {
		case "frame":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return domain.ProgressReport{}, false
			}
			r.Frame = n
			haveFrame = true
		case "fps":
			r.FPS, _ = strconv.ParseFloat(value, 64)
		case "size":
			r.SizeBytes = parseSize(value)
		case "time":
			haveTime = true
			if d, ok := utils.ParseFFmpegTimestamp(value); ok {
				r.MediaTime = d
			}
		case "bitrate":
			r.Bitrate, _ = strconv.ParseFloat(strings.TrimSuffix(value, "kbits/s"), 64)
		case "speed":
			r.Speed, _ = strconv.ParseFloat(strings.TrimSuffix(value, "x"), 64)
		}
	}

	if !haveFrame || !haveTime {
		return domain.ProgressReport{}, false
	}
	return r, true
}

// parseSize converts "512kB", "512KiB" or "N/A" into bytes.
func parseSize(value string) int64 {
	for _, unit := range []string{"KiB", "kB", "KB"} {
		if strings.HasSuffix(value, unit) {
			n, err := strconv.ParseInt(strings.TrimSuffix(value, unit), 10, 64)
			if err != nil {
				return 0
			}
			return n * 1024
		}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
