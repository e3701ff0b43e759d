package converter

import (
	"strconv"
)

// buildArgs assembles the ffmpeg command line for job. Progress goes to
// stdout as key=value lines, diagnostics to stderr.
func buildArgs(job Job, format string, family Family, p Preset) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-i", job.InputPath,
		"-progress", "pipe:1",
		"-nostats",
		"-v", "warning",
	}

	switch family {
	case FamilyImage:
		args = append(args, imageArgs(format, p)...)
	case FamilyVideo:
		args = append(args, videoArgs(format, p)...)
	case FamilyAudio:
		args = append(args, "-vn")
		args = append(args, audioArgs(format, p)...)
	}

	return append(args, job.OutputPath)
}

func imageArgs(format string, p Preset) []string {
	switch format {
	case "webp":
		return []string{"-frames:v", "1", "-c:v", "libwebp", "-quality", strconv.Itoa(p.ImageQuality)}
	case "jpg", "jpeg":
		return []string{"-frames:v", "1", "-q:v", strconv.Itoa(jpegScale(p.ImageQuality))}
	case "png":
		return []string{"-frames:v", "1", "-compression_level", "9"}
	case "avif":
		return []string{"-frames:v", "1", "-c:v", "libaom-av1", "-still-picture", "1", "-crf", strconv.Itoa(p.CRF)}
	case "gif":
		return []string{"-loop", "0"}
	default:
		return []string{"-frames:v", "1"}
	}
}

// jpegScale maps 0-100 onto ffmpeg's mjpeg qscale, where 2 is best and 31 worst.
func jpegScale(q int) int {
	q = min(max(q, 0), 100)
	return 31 - (q*29)/100
}

func videoArgs(format string, p Preset) []string {
	crf := strconv.Itoa(p.CRF)
	switch format {
	case "webm":
		return []string{"-c:v", "libvpx-vp9", "-crf", crf, "-b:v", "0", "-c:a", "libopus", "-b:a", p.AudioBitrate}
	case "avi":
		return []string{"-c:v", "libxvid", "-q:v", strconv.Itoa(max(2, p.CRF/6)), "-c:a", "libmp3lame", "-b:a", p.AudioBitrate}
	case "mp4", "mov":
		return []string{"-c:v", "libx264", "-preset", p.Speed, "-crf", crf, "-pix_fmt", "yuv420p", "-c:a", "aac", "-b:a", p.AudioBitrate, "-movflags", "+faststart"}
	default:
		return []string{"-c:v", "libx264", "-preset", p.Speed, "-crf", crf, "-c:a", "aac", "-b:a", p.AudioBitrate}
	}
}

func audioArgs(format string, p Preset) []string {
	switch format {
	case "mp3":
		return []string{"-c:a", "libmp3lame", "-b:a", p.AudioBitrate}
	case "wav":
		return []string{"-c:a", "pcm_s16le"}
	case "ogg":
		return []string{"-c:a", "libvorbis", "-b:a", p.AudioBitrate}
	case "flac":
		return []string{"-c:a", "flac"}
	default:
		return []string{"-c:a", "aac", "-b:a", p.AudioBitrate}
	}
}
