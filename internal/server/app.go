// Package server wires the convertly components together and runs the HTTP
// API with its background housekeeping until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/auth"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/cleanup"
	"github.com/dmitrijs2005/convertly/internal/server/config"
	"github.com/dmitrijs2005/convertly/internal/server/converter"
	"github.com/dmitrijs2005/convertly/internal/server/httpapi"
	"github.com/dmitrijs2005/convertly/internal/server/orchestrator"
	"github.com/dmitrijs2005/convertly/internal/server/progress"
	"github.com/dmitrijs2005/convertly/internal/server/quota"
	"github.com/dmitrijs2005/convertly/internal/server/repositories/downloads"
	"github.com/dmitrijs2005/convertly/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/convertly/internal/server/uploadqueue"
	"github.com/dmitrijs2005/convertly/internal/server/zipper"
)

const (
	zipConcurrency   = 4
	progressCapacity = 10000
)

// scratchAreas are the subdirectories of the scratch dir swept for orphans.
var scratchAreas = []string{"uploads", "work", "zips"}

type App struct {
	config *config.Config
	logger logging.Logger

	db     *sql.DB
	rows   downloads.Repository
	blobs  *blobstore.Store
	queue  *uploadqueue.Queue
	zips   *zipper.Zipper
	closer []io.Closer
	server *httpapi.Server
}

// NewApp connects to the database and object store and builds every
// component. ctx bounds startup and background key refreshes.
func NewApp(ctx context.Context, c *config.Config, logger logging.Logger) (*App, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	app := &App{config: c, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.close(ctx)
		}
	}()

	db, err := repomanager.Open(ctx, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}
	app.db = db
	app.closer = append(app.closer, db)

	repos := repomanager.NewPostgresRepositoryManager()
	if err := repos.RunMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	app.rows = repos.Downloads(db)

	blobs, err := blobstore.NewS3(ctx, blobstore.Connection{
		Region:       c.S3Region,
		AccessKey:    c.S3RootUser,
		SecretKey:    c.S3RootPassword,
		BaseEndpoint: c.S3BaseEndpoint,
		Bucket:       c.S3Bucket,
	}, blobstore.DefaultOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("blob store init error: %w", err)
	}
	app.blobs = blobs

	store, err := app.progressStore(ctx)
	if err != nil {
		return nil, err
	}

	verifier, err := app.verifier(ctx)
	if err != nil {
		return nil, err
	}

	queue, err := uploadqueue.New(blobs, c.ScratchDir, c.UploadRetention, c.SweepInterval, logger)
	if err != nil {
		return nil, err
	}
	app.queue = queue

	zips, err := zipper.New(blobs, c.ScratchDir, c.ZipTTL, zipConcurrency, logger)
	if err != nil {
		return nil, err
	}
	app.zips = zips

	ledger := quota.NewLedger(db, repos, c.FreeDailyLimit, c.ProDailyLimit, logger)
	runner := converter.NewFFmpeg(c.FFmpegPath, c.FFprobePath, logger)

	orch, err := orchestrator.New(ledger, queue, blobs, runner, app.rows, store, orchestrator.Options{
		ScratchDir:   c.ScratchDir,
		SignedURLTTL: c.SignedURLTTL,
	}, logger)
	if err != nil {
		return nil, err
	}

	coordinator := cleanup.New(queue, orch, blobs, app.rows, cleanup.DefaultReconcileDelay, logger)

	handler := httpapi.NewHandler(httpapi.Deps{
		Blobs:     blobs,
		Uploads:   queue,
		Jobs:      orch,
		Quota:     ledger,
		Cleanup:   coordinator,
		Zips:      zips,
		Downloads: app.rows,
		Verifier:  verifier,
	}, httpapi.Options{
		SyncUploadThreshold: c.SyncUploadThreshold,
		MaxUploadSize:       c.MaxUploadSize,
		SignedURLTTL:        c.SignedURLTTL,
		ZipDelivery:         c.ZipDelivery,
	}, logger)

	app.server = httpapi.NewServer(c.HTTPAddr, handler.Routes(), c.ShutdownTimeout, logger)

	ok = true
	return app, nil
}

func (app *App) progressStore(ctx context.Context) (progress.Store, error) {
	if app.config.ProgressBackend != config.ProgressRedis {
		return progress.NewMemoryStore(progressCapacity, app.config.ProgressTTL), nil
	}
	client, err := progress.NewRedisClient(ctx, app.config.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("redis init error: %w", err)
	}
	app.closer = append(app.closer, client)
	return progress.NewRedisStore(client, app.config.ProgressTTL), nil
}

func (app *App) verifier(ctx context.Context) (*auth.Verifier, error) {
	if app.config.JWKSURL != "" {
		return auth.NewJWKSVerifier(ctx, app.config.JWKSURL)
	}
	return auth.NewHMACVerifier([]byte(app.config.SecretKey)), nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// housekeeping removes orphaned scratch files and expired download rows.
func (app *App) housekeeping(ctx context.Context) {
	now := time.Now()

	for _, area := range scratchAreas {
		n, err := filex.CleanupOldFiles(filepath.Join(app.config.ScratchDir, area), app.config.ScratchMaxAge, now)
		if err != nil {
			app.logger.Warn(ctx, "scratch sweep failed", "area", area, "error", err)
			continue
		}
		if n > 0 {
			app.logger.Info(ctx, "scratch files removed", "area", area, "count", n)
		}
	}

	n, err := app.rows.DeleteExpired(ctx, now)
	if err != nil {
		app.logger.Warn(ctx, "expired downloads cleanup failed", "error", err)
		return
	}
	if n > 0 {
		app.logger.Info(ctx, "expired downloads removed", "count", n)
	}
}

func (app *App) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(app.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.housekeeping(ctx)
		}
	}
}

// Run serves until a signal arrives or the server fails, then stops the
// background workers and releases connections.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")
	app.initSignalHandler(cancelFunc)

	app.queue.Start(ctx)
	app.zips.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runHousekeeping(ctx)
	}()

	err := app.server.Run(ctx)
	if err != nil {
		app.logger.Error(ctx, "http server failed", "error", err)
	}
	cancelFunc()
	wg.Wait()

	app.close(context.WithoutCancel(ctx))
	app.logger.Info(ctx, "App stopped")
	return err
}

func (app *App) close(ctx context.Context) {
	if app.queue != nil {
		app.queue.Stop()
	}
	if app.zips != nil {
		app.zips.Stop()
	}
	if app.blobs != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, app.config.ShutdownTimeout)
		if err := app.blobs.Close(shutdownCtx); err != nil {
			app.logger.Warn(ctx, "pending deletes not flushed", "error", err)
		}
		cancel()
	}
	for i := len(app.closer) - 1; i >= 0; i-- {
		if err := app.closer[i].Close(); err != nil {
			app.logger.Warn(ctx, "close failed", "error", err)
		}
	}
}
