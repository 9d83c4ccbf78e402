package media

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lecturecast/internal/core/domain"
)

const (
	MasterPlaylist  = "master.m3u8"
	VariantPlaylist = "index.m3u8"
)

// MasterPlaylistContent renders an HLS master playlist listing one variant
// per rendition. Single-rendition plans reference the variant playlist in the
// same directory; ladders reference <name>/index.m3u8.
func MasterPlaylistContent(plan domain.EncodingPlan) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")

	for _, r := range plan.Renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d,FRAME-RATE=%d.000,CODECS=\"avc1.64001f,mp4a.40.2\"\n",
			r.Bandwidth(), r.Width, r.Height, r.Framerate)
		b.WriteString(variantURI(plan, r))
		b.WriteString("\n")
	}
	return b.String()
}

func variantURI(plan domain.EncodingPlan, r domain.VideoProfile) string {
	if !plan.IsLadder() {
		return VariantPlaylist
	}
	return r.Name + "/" + VariantPlaylist
}

// writeMasterPlaylist writes through a temp file so players never see a
// partial playlist.
func writeMasterPlaylist(dir string, plan domain.EncodingPlan) error {
	path := filepath.Join(dir, MasterPlaylist)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(MasterPlaylistContent(plan)), 0o644); err != nil {
		return fmt.Errorf("write master playlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write master playlist: %w", err)
	}
	return nil
}
