package converter

import (
	"slices"
	"strings"
)

// Family groups target formats that share an encoder strategy.
type Family string

const (
	FamilyImage Family = "image"
	FamilyVideo Family = "video"
	FamilyAudio Family = "audio"
)

type formatInfo struct {
	family Family
	mime   string
}

var formats = map[string]formatInfo{
	"webp": {FamilyImage, "image/webp"},
	"png":  {FamilyImage, "image/png"},
	"jpg":  {FamilyImage, "image/jpeg"},
	"jpeg": {FamilyImage, "image/jpeg"},
	"gif":  {FamilyImage, "image/gif"},
	"avif": {FamilyImage, "image/avif"},
	"bmp":  {FamilyImage, "image/bmp"},

	"mp4":  {FamilyVideo, "video/mp4"},
	"webm": {FamilyVideo, "video/webm"},
	"mov":  {FamilyVideo, "video/quicktime"},
	"avi":  {FamilyVideo, "video/x-msvideo"},
	"mkv":  {FamilyVideo, "video/x-matroska"},

	"mp3":  {FamilyAudio, "audio/mpeg"},
	"wav":  {FamilyAudio, "audio/wav"},
	"ogg":  {FamilyAudio, "audio/ogg"},
	"flac": {FamilyAudio, "audio/flac"},
	"aac":  {FamilyAudio, "audio/aac"},
	"m4a":  {FamilyAudio, "audio/mp4"},
}

func normalizeFormat(format string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(format), "."))
}

// FamilyOf returns the family of a target format.
func FamilyOf(format string) (Family, bool) {
	info, ok := formats[normalizeFormat(format)]
	return info.family, ok
}

// IsSupported reports whether format can be produced.
func IsSupported(format string) bool {
	_, ok := formats[normalizeFormat(format)]
	return ok
}

// MIMEType is the content type stored with a converted object.
func MIMEType(format string) string {
	if info, ok := formats[normalizeFormat(format)]; ok {
		return info.mime
	}
	return "application/octet-stream"
}

// SupportedFormats lists every target format in sorted order.
func SupportedFormats() []string {
	out := make([]string, 0, len(formats))
	for f := range formats {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}
