package converter

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess stands in for ffmpeg and ffprobe when the test binary is
// re-executed by fakeExec.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for i, a := range args {
		if a == "--" {
			args = args[i+1:]
			break
		}
	}
	tool, args := filepath.Base(args[0]), args[1:]
	mode := os.Getenv("HELPER_MODE")

	if tool == "ffprobe" {
		if mode == "noduration" {
			fmt.Fprintln(os.Stderr, "N/A")
			os.Exit(1)
		}
		fmt.Println("10.000000")
		return
	}

	out := args[len(args)-1]
	switch mode {
	case "fail":
		fmt.Fprintln(os.Stderr, "Invalid data found when processing input")
		os.Exit(1)
	case "empty":
		_ = os.WriteFile(out, nil, 0o600)
	case "hang":
		fmt.Println("progress=continue")
		time.Sleep(time.Minute)
	default:
		for _, us := range []int{2_500_000, 5_000_000, 1_000_000, 10_000_000} {
			fmt.Printf("frame=1\nout_time_us=%d\nprogress=continue\n", us)
		}
		fmt.Println("progress=end")
		_ = os.WriteFile(out, []byte("converted"), 0o600)
	}
}

func fakeExec(t *testing.T, mode string) *[][]string {
	t.Helper()
	orig := execCommand
	t.Cleanup(func() { execCommand = orig })

	var mu sync.Mutex
	calls := &[][]string{}
	execCommand = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		mu.Lock()
		*calls = append(*calls, append([]string{name}, args...))
		mu.Unlock()

		cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
		cmd := exec.CommandContext(ctx, os.Args[0], cs...)
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1", "HELPER_MODE="+mode)
		return cmd
	}
	return calls
}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) add(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values = append(p.values, v)
}

func newJob(t *testing.T, format string) Job {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.mov")
	require.NoError(t, os.WriteFile(in, []byte("source"), 0o600))
	return Job{InputPath: in, OutputPath: filepath.Join(dir, "out", "result."+format), Format: format, Quality: "HIGH"}
}

func TestRun_Success(t *testing.T) {
	calls := fakeExec(t, "ok")
	r := NewFFmpeg("/opt/ffmpeg", "/opt/ffprobe", logging.Discard())
	job := newJob(t, "mp4")

	var pl progressLog
	require.NoError(t, r.Run(context.Background(), job, pl.add))

	b, err := os.ReadFile(job.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, "converted", string(b))

	assert.Equal(t, []float64{25, 50, 99, 100}, pl.values, "progress is monotonic and capped until done")

	require.Len(t, *calls, 2)
	assert.Equal(t, "/opt/ffprobe", (*calls)[0][0])
	ff := (*calls)[1]
	assert.Equal(t, "/opt/ffmpeg", ff[0])
	assert.Contains(t, strings.Join(ff, " "), "-crf 18")
	assert.Equal(t, job.OutputPath, ff[len(ff)-1])
}

func TestRun_UnknownDurationStillProgresses(t *testing.T) {
	fakeExec(t, "noduration")
	r := NewFFmpeg("", "", logging.Discard())
	job := newJob(t, "webm")

	var pl progressLog
	require.NoError(t, r.Run(context.Background(), job, pl.add))
	// the noduration helper produces ffmpeg output the same way as ok
	require.NotEmpty(t, pl.values)
	assert.Equal(t, 100.0, pl.values[len(pl.values)-1])
	for i := 1; i < len(pl.values); i++ {
		assert.Greater(t, pl.values[i], pl.values[i-1])
	}
}

func TestRun_ToolFailureCarriesStderr(t *testing.T) {
	fakeExec(t, "fail")
	r := NewFFmpeg("", "", logging.Discard())
	job := newJob(t, "mp3")

	err := r.Run(context.Background(), job, nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ffmpeg", te.Tool)
	assert.Contains(t, te.Message, "Invalid data found")
	_, statErr := os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRun_EmptyOutputIsFailure(t *testing.T) {
	fakeExec(t, "empty")
	r := NewFFmpeg("", "", logging.Discard())
	job := newJob(t, "png")

	err := r.Run(context.Background(), job, nil)

	var te *ToolError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "output file is empty", te.Message)
	_, statErr := os.Stat(job.OutputPath)
	assert.True(t, os.IsNotExist(statErr), "empty output is removed")
}

func TestRun_CancelKillsProcess(t *testing.T) {
	fakeExec(t, "hang")
	r := NewFFmpeg("", "", logging.Discard())
	job := newJob(t, "mkv")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := r.Run(ctx, job, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 30*time.Second)
}

func TestRun_UnsupportedFormatStartsNothing(t *testing.T) {
	calls := fakeExec(t, "ok")
	r := NewFFmpeg("", "", logging.Discard())

	err := r.Run(context.Background(), Job{InputPath: "a", OutputPath: "b", Format: "docx"}, nil)
	require.ErrorIs(t, err, common.ErrUnsupportedFormat)
	assert.Empty(t, *calls)
}

func TestReadProgress_IgnoresNoise(t *testing.T) {
	in := strings.NewReader("garbage\nout_time_us=N/A\nout_time_ms=4000000\nprogress=continue\nout_time_us=2000000\n")
	var pl progressLog
	readProgress(in, 8, pl.add)
	assert.Equal(t, []float64{50}, pl.values)
}

func TestTailBuffer_KeepsTail(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("def"))
	assert.Equal(t, "cdef", b.String())
}
