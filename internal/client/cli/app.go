package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/convertly/internal/client/client"
	"github.com/dmitrijs2005/convertly/internal/client/config"
	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	batchConcurrency = 3
	convertTimeout   = 12 * time.Minute
	abortTimeout     = 10 * time.Second
)

var ErrNoFiles = errors.New("no input files")

// App converts the files named in its config in one batch.
type App struct {
	config *config.Config

	in          *bufio.Reader
	out         io.Writer
	stdinFd     int
	interactive bool
	newJobID    func() string
	now         func() time.Time

	mu sync.Mutex
}

func NewApp(c *config.Config) *App {
	return &App{
		config:      c,
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		stdinFd:     int(os.Stdin.Fd()),
		interactive: isTerminal(int(os.Stdout.Fd())),
		newJobID:    uuid.NewString,
		now:         time.Now,
	}
}

// outcome is the result of one file of the batch.
type outcome struct {
	source     string
	outputPath string
	localPath  string
	err        error
}

func (a *App) printf(format string, args ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) initSignalHandler(cancelFunc context.CancelFunc) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigs:
			cancelFunc()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

// Run uploads, converts and downloads every configured file. Cancelling ctx
// (or an interrupt signal) aborts the batch on the server as well.
func (a *App) Run(ctx context.Context) error {
	if len(a.config.Files) == 0 {
		return ErrNoFiles
	}

	if a.config.Token == "" && isTerminal(a.stdinFd) {
		tok, err := GetToken(a.stdinFd, a.out)
		if err != nil {
			return err
		}
		a.config.Token = tok
	}

	c, err := client.New(a.config.ServerURL, a.config.Token, nil)
	if err != nil {
		return err
	}

	outDir, err := filex.EnsureDir(a.config.OutputDir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := a.initSignalHandler(cancel)
	defer stop()

	files, err := a.admit(ctx, c, a.config.Files)
	if err != nil {
		return err
	}

	session := client.NewSession(c)
	results := a.convertAll(ctx, c, session, files, outDir)

	if ctx.Err() != nil {
		uploads, jobs := session.Pending()
		a.printf("Aborting %d uploads and %d conversions...\n", len(uploads), len(jobs))
		abortCtx, cancelAbort := context.WithTimeout(context.WithoutCancel(ctx), abortTimeout)
		defer cancelAbort()
		if err := session.Abort(abortCtx); err != nil {
			a.printf("abort incomplete: %v\n", err)
		}
		return context.Canceled
	}

	if a.config.Zip {
		a.downloadZip(ctx, c, results, outDir)
	}
	return a.report(results)
}

// admit checks the batch against the daily quota. When only part of the
// batch fits, an interactive user may choose to convert that part.
func (a *App) admit(ctx context.Context, c *client.Client, files []string) ([]string, error) {
	bl, err := c.CheckBatchLimit(ctx, len(files))
	if err != nil {
		return nil, err
	}
	if bl.Allowed {
		return files, nil
	}

	msg := bl.Message
	if msg == "" {
		msg = fmt.Sprintf("%d of %d daily conversions used", bl.Used, bl.Limit)
	}
	if bl.Remaining > 0 && bl.Remaining < len(files) && isTerminal(a.stdinFd) {
		ok, err := Confirm(a.in, fmt.Sprintf("%s. Convert the first %d files?", msg, bl.Remaining), a.out)
		if err != nil {
			return nil, err
		}
		if ok {
			return files[:bl.Remaining], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", client.ErrQuotaExceeded, msg)
}

func (a *App) convertAll(ctx context.Context, c *client.Client, s *client.Session, files []string, outDir string) []outcome {
	results := make([]outcome, len(files))

	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, f := range files {
		g.Go(func() error {
			results[i] = a.convertOne(ctx, c, s, f, outDir)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (a *App) convertOne(ctx context.Context, c *client.Client, s *client.Session, path, outDir string) outcome {
	res := outcome{source: path}

	up, err := s.Upload(ctx, path)
	if err != nil {
		res.err = fmt.Errorf("upload: %w", err)
		return res
	}

	remote := up.FilePath
	if up.Queued() {
		a.printf("%s: uploading to storage\n", filepath.Base(path))
		remote, err = s.WaitForUpload(ctx, up.UploadID, a.config.PollInterval)
		if err != nil {
			res.err = fmt.Errorf("upload: %w", err)
			return res
		}
	}

	jobID := a.newJobID()
	convertCtx, cancel := context.WithTimeout(ctx, convertTimeout)
	defer cancel()

	stopProgress := a.watchProgress(convertCtx, c, jobID, filepath.Base(path))
	conv, err := s.Convert(convertCtx, client.ConvertRequest{
		FilePath: remote,
		Format:   a.config.Format,
		Quality:  a.config.Quality,
		JobID:    jobID,
	})
	stopProgress()
	if err != nil {
		res.err = fmt.Errorf("convert: %w", err)
		return res
	}
	res.outputPath = conv.OutputPath

	if a.config.Zip {
		return res
	}

	local := filepath.Join(outDir, localName(path, a.config.Format))
	if _, err := filex.WriteFileAtomic(local, func(w io.Writer) error {
		_, err := c.Download(ctx, conv.OutputPath, w)
		return err
	}); err != nil {
		res.err = fmt.Errorf("download: %w", err)
		return res
	}
	res.localPath = local
	return res
}

// watchProgress prints job progress while the conversion runs. Nothing is
// printed when stdout is not a terminal.
func (a *App) watchProgress(ctx context.Context, c *client.Client, jobID, name string) func() {
	if !a.interactive {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(a.config.PollInterval)
		defer ticker.Stop()

		last := -1.0
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			p, err := c.Progress(ctx, jobID)
			if err != nil || p.Progress == last {
				continue
			}
			last = p.Progress
			a.printf("%s: %3.0f%% %s\n", name, p.Progress, p.State)
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (a *App) downloadZip(ctx context.Context, c *client.Client, results []outcome, outDir string) {
	var paths []string
	idx := make(map[string]int)
	for i, r := range results {
		if r.err == nil && r.outputPath != "" {
			paths = append(paths, r.outputPath)
			idx[r.outputPath] = i
		}
	}
	if len(paths) == 0 {
		return
	}

	local := filepath.Join(outDir, fmt.Sprintf("convertly-%s.zip", a.now().UTC().Format("20060102-150405")))
	var zr client.ZipResult
	_, err := filex.WriteFileAtomic(local, func(w io.Writer) error {
		var err error
		zr, err = c.DownloadZip(ctx, paths, w)
		return err
	})
	for _, p := range paths {
		r := &results[idx[p]]
		if err != nil {
			r.err = fmt.Errorf("zip download: %w", err)
			continue
		}
		r.localPath = local
	}
	if err == nil && zr.Included < zr.Total {
		a.printf("warning: archive holds %d of %d files\n", zr.Included, zr.Total)
	}
}

// report prints one line per file and returns an error when any failed.
func (a *App) report(results []outcome) error {
	var errs []error
	for _, r := range results {
		if r.err != nil {
			a.printf("FAIL %s: %v\n", r.source, r.err)
			errs = append(errs, fmt.Errorf("%s: %w", r.source, r.err))
			continue
		}
		a.printf("OK   %s -> %s\n", r.source, r.localPath)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d files failed: %w", len(errs), len(results), errors.Join(errs...))
	}
	return nil
}

// localName replaces the extension of the source file with the target format.
func localName(source, format string) string {
	base := filepath.Base(source)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return filex.SanitizeFilename(base + "." + strings.TrimPrefix(format, "."))
}
