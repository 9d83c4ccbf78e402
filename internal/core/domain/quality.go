package domain

import "fmt"

type QualityTier string

const (
	QualityLow      QualityTier = "low"
	QualityMedium   QualityTier = "medium"
	QualityHigh     QualityTier = "high"
	QualityUltra    QualityTier = "ultra"
	QualityAdaptive QualityTier = "adaptive"
)

// VideoProfile is the encoder target for one rendition.
type VideoProfile struct {
	Name         string `json:"name"`
	Bitrate      int    `json:"bitrate"` // kbps
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Framerate    int    `json:"framerate"`
	AudioBitrate int    `json:"audio_bitrate"` // kbps
}

// Resolution renders the profile size in the W:H form the scaler expects.
func (p VideoProfile) Resolution() string {
	return fmt.Sprintf("%d:%d", p.Width, p.Height)
}

// Bandwidth is the advertised peak bandwidth in bits per second for playlists.
func (p VideoProfile) Bandwidth() int {
	return (p.Bitrate + p.AudioBitrate) * 1000
}

// EncodingPlan is a resolved quality request: the headline profile plus the
// renditions the encoder must produce.
type EncodingPlan struct {
	Tier       QualityTier
	Primary    VideoProfile
	Renditions []VideoProfile
}

func (p EncodingPlan) IsLadder() bool {
	return len(p.Renditions) > 1
}
