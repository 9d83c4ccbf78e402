package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/pkg/utils"
)

const (
	EncoderName  = "encoder"
	RecorderName = "recorder"

	DefaultSegmentDuration = 2 * time.Second
	DefaultPlaylistSize    = 6
)

// FFmpegBuilder produces ffmpeg invocations for live HLS encoding and for
// recording a live playlist into MP4.
type FFmpegBuilder struct {
	path            string
	segmentDuration time.Duration
	playlistSize    int
}

func NewFFmpegBuilder(path string, segmentDuration time.Duration, playlistSize int) *FFmpegBuilder {
	if path == "" {
		path = "ffmpeg"
	}
	if segmentDuration < time.Second {
		segmentDuration = DefaultSegmentDuration
	}
	if playlistSize <= 0 {
		playlistSize = DefaultPlaylistSize
	}
	return &FFmpegBuilder{
		path:            path,
		segmentDuration: segmentDuration,
		playlistSize:    playlistSize,
	}
}

func (b *FFmpegBuilder) EncoderSpec(job ports.EncodeJob) ports.ProcessSpec {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", job.InputURL,
	}
	if job.Plan.IsLadder() {
		args = append(args, b.ladderArgs(job)...)
	} else {
		args = append(args, b.singleArgs(job)...)
	}
	return ports.ProcessSpec{
		Name: EncoderName,
		Path: b.path,
		Args: args,
		Dir:  job.OutputDir,
	}
}

func (b *FFmpegBuilder) singleArgs(job ports.EncodeJob) []string {
	p := job.Plan.Primary
	args := []string{
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-b:v", kbps(p.Bitrate),
		"-maxrate", kbps(p.Bitrate),
		"-bufsize", kbps(p.Bitrate * 2),
		"-vf", "scale=" + p.Resolution(),
		"-r", strconv.Itoa(p.Framerate),
	}
	args = append(args, b.gopArgs(p.Framerate)...)
	args = append(args,
		"-c:a", "aac",
		"-b:a", kbps(p.AudioBitrate),
		"-ar", "48000",
	)
	args = append(args, b.hlsArgs()...)
	return append(args,
		"-hls_segment_filename", filepath.Join(job.OutputDir, "segment_%03d.ts"),
		filepath.Join(job.OutputDir, VariantPlaylist),
	)
}

// ladderArgs splits the input video once per rendition and lets the HLS
// muxer write one variant directory per rung plus the master playlist.
func (b *FFmpegBuilder) ladderArgs(job ports.EncodeJob) []string {
	rungs := job.Plan.Renditions

	var filter strings.Builder
	fmt.Fprintf(&filter, "[0:v]split=%d", len(rungs))
	for i := range rungs {
		fmt.Fprintf(&filter, "[v%d]", i)
	}
	for i, r := range rungs {
		fmt.Fprintf(&filter, ";[v%d]scale=%s[v%dout]", i, r.Resolution(), i)
	}

	args := []string{"-filter_complex", filter.String()}
	streamMap := make([]string, 0, len(rungs))
	for i, r := range rungs {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", "[v"+idx+"out]",
			"-c:v:"+idx, "libx264",
			"-b:v:"+idx, kbps(r.Bitrate),
			"-maxrate:v:"+idx, kbps(r.Bitrate),
			"-bufsize:v:"+idx, kbps(r.Bitrate*2),
		)
		streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name))
	}
	for i, r := range rungs {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", "a:0",
			"-c:a:"+idx, "aac",
			"-b:a:"+idx, kbps(r.AudioBitrate),
		)
	}

	args = append(args,
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-r", strconv.Itoa(job.Plan.Primary.Framerate),
	)
	args = append(args, b.gopArgs(job.Plan.Primary.Framerate)...)
	args = append(args, "-ar", "48000")
	args = append(args, b.hlsArgs()...)
	return append(args,
		"-master_pl_name", MasterPlaylist,
		"-var_stream_map", strings.Join(streamMap, " "),
		"-hls_segment_filename", filepath.Join(job.OutputDir, "%v", "segment_%03d.ts"),
		filepath.Join(job.OutputDir, "%v", VariantPlaylist),
	)
}

// gopArgs pins keyframes to segment boundaries.
func (b *FFmpegBuilder) gopArgs(framerate int) []string {
	gop := strconv.Itoa(int(b.segmentDuration.Seconds() * float64(framerate)))
	return []string{
		"-g", gop,
		"-keyint_min", gop,
		"-sc_threshold", "0",
	}
}

func (b *FFmpegBuilder) hlsArgs() []string {
	return []string{
		"-f", "hls",
		"-hls_time", strconv.Itoa(int(b.segmentDuration.Seconds())),
		"-hls_list_size", strconv.Itoa(b.playlistSize),
		"-hls_flags", "delete_segments+independent_segments",
	}
}

// RecorderSpec copies the live playlist into a fragmented MP4 so that a
// killed recorder still leaves a playable file.
func (b *FFmpegBuilder) RecorderSpec(job ports.RecordJob) ports.ProcessSpec {
	args := []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-live_start_index", "0",
		"-i", job.SourcePath,
		"-c", "copy",
	}
	if job.MaxDuration > 0 {
		args = append(args, "-t", utils.FFmpegTimestamp(job.MaxDuration))
	}
	args = append(args,
		"-movflags", "+frag_keyframe+empty_moov",
		"-f", "mp4",
		job.OutputPath,
	)
	return ports.ProcessSpec{
		Name: RecorderName,
		Path: b.path,
		Args: args,
		Dir:  filepath.Dir(job.OutputPath),
	}
}

func (b *FFmpegBuilder) ParseProgress(line string) (domain.ProgressReport, bool) {
	return ParseProgress(line)
}

// PlaylistPath is the variant playlist of the best rendition.
func (b *FFmpegBuilder) PlaylistPath(job ports.EncodeJob) string {
	if !job.Plan.IsLadder() {
		return filepath.Join(job.OutputDir, VariantPlaylist)
	}
	best := job.Plan.Renditions[0]
	for _, r := range job.Plan.Renditions[1:] {
		if r.Bitrate > best.Bitrate {
			best = r
		}
	}
	return filepath.Join(job.OutputDir, best.Name, VariantPlaylist)
}

func (b *FFmpegBuilder) PrepareOutput(job ports.EncodeJob) error {
	if err := os.MkdirAll(job.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if job.Plan.IsLadder() {
		for _, r := range job.Plan.Renditions {
			if err := os.MkdirAll(filepath.Join(job.OutputDir, r.Name), 0o755); err != nil {
				return fmt.Errorf("create rendition dir: %w", err)
			}
		}
		return nil
	}
	return writeMasterPlaylist(job.OutputDir, job.Plan)
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}

var _ ports.PipelineBuilder = (*FFmpegBuilder)(nil)
