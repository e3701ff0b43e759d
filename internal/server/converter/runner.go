// Package converter runs ffmpeg to turn one local file into another format
// and reports progress while it works.
package converter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	probeTimeout = 15 * time.Second
	// stderrLimit caps how much tool output is kept for error reports.
	stderrLimit = 16 << 10
	// unknownDurationStep is how far progress moves per ffmpeg progress
	// block when the input duration could not be probed.
	unknownDurationStep = 1.0
	unknownDurationCap  = 95.0
)

var execCommand = exec.CommandContext

var conversionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "convertly_conversion_duration_seconds",
	Help:    "Wall time of ffmpeg conversions.",
	Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
}, []string{"family", "result"})

// Job is one conversion request.
type Job struct {
	InputPath  string
	OutputPath string
	Format     string
	Quality    string
}

// ToolError carries the external tool's diagnostic output.
type ToolError struct {
	Tool    string
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("%s failed: %s", e.Tool, e.Message)
}

func (e *ToolError) Unwrap() error { return e.Err }

// ProgressFunc receives percentages in [0,100].
type ProgressFunc func(percent float64)

// FFmpeg converts files with the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	log         logging.Logger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, log logging.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, log: log.With("module", "converter")}
}

// Run converts job.InputPath into job.OutputPath. A partial or empty output
// is removed before returning an error. Cancelling ctx kills ffmpeg and
// returns the context error.
func (f *FFmpeg) Run(ctx context.Context, job Job, onProgress ProgressFunc) (err error) {
	format := normalizeFormat(job.Format)
	family, ok := FamilyOf(format)
	if !ok {
		return fmt.Errorf("%w: %q", common.ErrUnsupportedFormat, job.Format)
	}
	if onProgress == nil {
		onProgress = func(float64) {}
	}

	started := time.Now()
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			_ = filex.RemoveQuiet(job.OutputPath)
		}
		conversionSeconds.WithLabelValues(string(family), result).Observe(time.Since(started).Seconds())
	}()

	if err := os.MkdirAll(filepath.Dir(job.OutputPath), 0o770); err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}

	duration, perr := f.probeDuration(ctx, job.InputPath)
	if perr != nil {
		f.log.Warn(ctx, "duration probe failed, progress will be estimated", "input", filepath.Base(job.InputPath), "error", perr)
	}

	args := buildArgs(job, format, family, ResolveQuality(job.Quality))
	f.log.Debug(ctx, "running ffmpeg", "args", strings.Join(args, " "))

	cmd := execCommand(ctx, f.ffmpegPath, args...)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return &ToolError{Tool: "ffmpeg", Err: err}
	}

	readProgress(stdout, duration, onProgress)
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitErr != nil {
		return &ToolError{Tool: "ffmpeg", Message: strings.TrimSpace(stderr.String()), Err: waitErr}
	}

	info, err := os.Stat(job.OutputPath)
	if err != nil {
		return &ToolError{Tool: "ffmpeg", Message: "no output file produced", Err: err}
	}
	if info.Size() == 0 {
		return &ToolError{Tool: "ffmpeg", Message: "output file is empty"}
	}

	onProgress(100)
	return nil
}

// probeDuration returns the input duration in seconds.
func (f *FFmpeg) probeDuration(ctx context.Context, path string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := execCommand(ctx, f.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, fmt.Errorf("ffprobe timed out")
		}
		return 0, &ToolError{Tool: "ffprobe", Message: strings.TrimSpace(stderr.String()), Err: err}
	}

	s := strings.TrimSpace(string(out))
	d, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ffprobe duration %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid duration %f", d)
	}
	return d, nil
}

// readProgress consumes ffmpeg's -progress stream until it ends. Reported
// values never decrease and stay below 100; the caller reports completion.
func readProgress(r io.Reader, duration float64, onProgress ProgressFunc) {
	sc := bufio.NewScanner(r)
	last := 0.0

	report := func(p float64) {
		p = min(p, 99.0)
		if p > last {
			last = p
			onProgress(p)
		}
	}

	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}

		switch {
		case duration > 0 && (key == "out_time_us" || key == "out_time_ms"):
			// both keys carry microseconds
			us, err := strconv.ParseFloat(value, 64)
			if err == nil && us >= 0 {
				report(us / 1e6 / duration * 100)
			}
		case duration <= 0 && key == "progress" && value == "continue":
			report(min(last+unknownDurationStep, unknownDurationCap))
		}
	}

	// drain so ffmpeg never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
