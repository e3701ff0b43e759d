package converter

import "strings"

const DefaultQuality = "medium"

// Preset holds per-family encoder knobs for one quality level.
type Preset struct {
	Name string
	// CRF and Speed drive the x264/x265/vp9/av1 video encoders.
	CRF   int
	Speed string
	// ImageQuality is 0-100, higher is better.
	ImageQuality int
	// AudioBitrate is passed to lossy audio encoders.
	AudioBitrate string
}

var presets = map[string]Preset{
	"low": {
		Name:         "low",
		CRF:          30,
		Speed:        "veryfast",
		ImageQuality: 60,
		AudioBitrate: "96k",
	},
	"medium": {
		Name:         "medium",
		CRF:          23,
		Speed:        "medium",
		ImageQuality: 80,
		AudioBitrate: "192k",
	},
	"high": {
		Name:         "high",
		CRF:          18,
		Speed:        "slow",
		ImageQuality: 95,
		AudioBitrate: "320k",
	},
}

// ResolveQuality normalizes name and returns its preset. Unknown names fall
// back to medium.
func ResolveQuality(name string) Preset {
	if p, ok := presets[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	return presets[DefaultQuality]
}

// IsValidQuality reports whether name matches a preset.
func IsValidQuality(name string) bool {
	_, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
