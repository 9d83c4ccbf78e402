package services

import (
	"fmt"
	"strings"

	"lecturecast/internal/core/domain"
	"lecturecast/pkg/validation"
)

const defaultAudioBitrate = 128

// QualityService maps quality tiers onto encoder presets.
type QualityService struct {
	presets map[domain.QualityTier]domain.VideoProfile
	ladder  []domain.QualityTier
	def     domain.QualityTier
}

func NewQualityService(defaultTier domain.QualityTier) *QualityService {
	qs := &QualityService{
		presets: map[domain.QualityTier]domain.VideoProfile{
			domain.QualityLow:      {Name: "low", Bitrate: 600, Width: 854, Height: 480, Framerate: 30, AudioBitrate: 96},
			domain.QualityMedium:   {Name: "medium", Bitrate: 1200, Width: 1280, Height: 720, Framerate: 30, AudioBitrate: defaultAudioBitrate},
			domain.QualityHigh:     {Name: "high", Bitrate: 2500, Width: 1920, Height: 1080, Framerate: 30, AudioBitrate: defaultAudioBitrate},
			domain.QualityUltra:    {Name: "ultra", Bitrate: 6000, Width: 2560, Height: 1440, Framerate: 60, AudioBitrate: 192},
			domain.QualityAdaptive: {Name: "adaptive", Bitrate: 2500, Width: 1920, Height: 1080, Framerate: 30, AudioBitrate: defaultAudioBitrate},
		},
		ladder: []domain.QualityTier{domain.QualityLow, domain.QualityMedium, domain.QualityHigh},
		def:    domain.QualityMedium,
	}
	if _, ok := qs.presets[defaultTier]; ok {
		qs.def = defaultTier
	}
	return qs
}

// Preset returns the built-in profile for tier.
func (qs *QualityService) Preset(tier domain.QualityTier) (domain.VideoProfile, bool) {
	p, ok := qs.presets[tier]
	return p, ok
}

// Resolve turns a stream configuration into an encoding plan. Explicit
// bitrate, resolution and framerate override the tier preset. Overrides are
// applied to the headline profile only; an adaptive ladder keeps its rungs.
func (qs *QualityService) Resolve(cfg domain.StreamConfig) (domain.EncodingPlan, error) {
	tier := domain.QualityTier(strings.ToLower(strings.TrimSpace(string(cfg.Quality))))
	if tier == "" {
		tier = qs.def
	}
	primary, ok := qs.presets[tier]
	if !ok {
		return domain.EncodingPlan{}, fmt.Errorf("%w: %q", domain.ErrInvalidQuality, cfg.Quality)
	}

	if cfg.Bitrate != 0 {
		if err := validation.ValidateBitrate(cfg.Bitrate); err != nil {
			return domain.EncodingPlan{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		primary.Bitrate = cfg.Bitrate
	}
	if cfg.Resolution != "" {
		w, h, err := validation.ParseResolution(cfg.Resolution)
		if err != nil {
			return domain.EncodingPlan{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		primary.Width, primary.Height = w, h
	}
	if cfg.Framerate != 0 {
		if err := validation.ValidateFramerate(cfg.Framerate); err != nil {
			return domain.EncodingPlan{}, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
		}
		primary.Framerate = cfg.Framerate
	}

	plan := domain.EncodingPlan{Tier: tier, Primary: primary}
	if tier == domain.QualityAdaptive {
		for _, rung := range qs.ladder {
			p := qs.presets[rung]
			if cfg.Framerate != 0 {
				p.Framerate = cfg.Framerate
			}
			plan.Renditions = append(plan.Renditions, p)
		}
	} else {
		plan.Renditions = []domain.VideoProfile{primary}
	}
	return plan, nil
}
