// Package zipper bundles several stored files into one zip archive and
// caches the result on local disk.
package zipper

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/convertly/internal/common"
	"github.com/dmitrijs2005/convertly/internal/filex"
	"github.com/dmitrijs2005/convertly/internal/logging"
	"github.com/dmitrijs2005/convertly/internal/server/blobstore"
	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/klauspost/compress/zip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL         = time.Hour
	DefaultConcurrency = 4
	buildTimeout       = 10 * time.Minute
)

// ErrNothingToZip is returned when no member could be fetched.
var ErrNothingToZip = errors.New("no files could be added to the archive")

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convertly_zip_cache_hits_total",
		Help: "Zip requests served from a cached archive.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convertly_zip_cache_misses_total",
		Help: "Zip requests that had to build an archive.",
	})
)

type Blobs interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, body io.ReadSeeker, key, contentType string, metadata map[string]string) (models.StoredFile, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration, opts ...blobstore.SignOption) (models.SignedURL, error)
}

// Archive is a built zip on local disk.
type Archive struct {
	Key       string
	Path      string
	Size      int64
	Included  int
	Total     int
	Reused    bool
	CreatedAt time.Time
}

type Zipper struct {
	blobs       Blobs
	dir         string
	ttl         time.Duration
	concurrency int
	log         logging.Logger
	now         func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]Archive

	cancel context.CancelFunc
	loop   sync.WaitGroup
}

func New(blobs Blobs, scratchDir string, ttl time.Duration, concurrency int, log logging.Logger) (*Zipper, error) {
	dir, err := filex.EnsureDir(filepath.Join(scratchDir, "zips"))
	if err != nil {
		return nil, fmt.Errorf("zip scratch dir: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Zipper{
		blobs:       blobs,
		dir:         dir,
		ttl:         ttl,
		concurrency: concurrency,
		log:         log.With("module", "zipper"),
		now:         time.Now,
		entries:     map[string]Archive{},
	}, nil
}

// CacheKey identifies a set of paths regardless of their order.
func CacheKey(paths []string) string {
	sorted := slices.Clone(paths)
	slices.Sort(sorted)
	sum := blake2b.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// GetOrCreate returns a cached archive for paths or builds a new one.
// Concurrent requests for the same set share one build.
func (z *Zipper) GetOrCreate(ctx context.Context, paths []string) (Archive, error) {
	if len(paths) == 0 {
		return Archive{}, fmt.Errorf("%w: no paths given", common.ErrorValidation)
	}
	key := CacheKey(paths)

	if a, ok := z.lookup(key); ok {
		cacheHitsTotal.Inc()
		a.Reused = true
		return a, nil
	}
	cacheMissesTotal.Inc()

	ch := z.group.DoChan(key, func() (any, error) {
		// the build outlives any single caller
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), buildTimeout)
		defer cancel()
		return z.build(bctx, key, paths)
	})

	select {
	case <-ctx.Done():
		return Archive{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Archive{}, res.Err
		}
		a := res.Val.(Archive)
		a.Reused = res.Shared
		return a, nil
	}
}

// lookup returns a valid cached entry. Entries whose file is gone, empty or
// older than the TTL are evicted.
func (z *Zipper) lookup(key string) (Archive, bool) {
	z.mu.Lock()
	a, ok := z.entries[key]
	z.mu.Unlock()
	if !ok {
		return Archive{}, false
	}

	valid := z.now().Sub(a.CreatedAt) < z.ttl
	if valid {
		info, err := os.Stat(a.Path)
		valid = err == nil && info.Size() > 0
	}
	if valid {
		return a, true
	}

	z.evict(key, a)
	return Archive{}, false
}

func (z *Zipper) evict(key string, a Archive) {
	z.mu.Lock()
	if cur, ok := z.entries[key]; ok && cur.CreatedAt.Equal(a.CreatedAt) {
		delete(z.entries, key)
	}
	z.mu.Unlock()
	_ = filex.RemoveQuiet(a.Path)
}

func (z *Zipper) build(ctx context.Context, key string, paths []string) (Archive, error) {
	contents := make([][]byte, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(z.concurrency)
	for i, p := range paths {
		g.Go(func() error {
			b, err := z.blobs.Get(gctx, p)
			if err != nil {
				// a missing member is skipped, not fatal
				z.log.Warn(gctx, "zip member skipped", "path", p, "error", err)
				return nil
			}
			contents[i] = b
			return nil
		})
	}
	_ = g.Wait()

	included := 0
	for _, b := range contents {
		if b != nil {
			included++
		}
	}
	if included == 0 {
		return Archive{}, ErrNothingToZip
	}

	created := z.now()
	target := filepath.Join(z.dir, key+".zip")
	size, err := filex.WriteFileAtomic(target, func(w io.Writer) error {
		return writeZip(w, paths, contents, created)
	})
	if err != nil {
		return Archive{}, fmt.Errorf("write archive: %w", err)
	}

	a := Archive{Key: key, Path: target, Size: size, Included: included, Total: len(paths), CreatedAt: created}
	z.mu.Lock()
	z.entries[key] = a
	z.mu.Unlock()

	z.log.Info(ctx, "archive built", "key", key, "included", included, "total", len(paths), "size", size)
	return a, nil
}

func writeZip(w io.Writer, paths []string, contents [][]byte, modified time.Time) error {
	zw := zip.NewWriter(w)
	used := map[string]int{}

	for i, p := range paths {
		if contents[i] == nil {
			continue
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     memberName(path.Base(p), used),
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			return err
		}
		if _, err := fw.Write(contents[i]); err != nil {
			return err
		}
	}
	return zw.Close()
}

// memberName keeps names unique inside one archive: a.png, a (1).png, ...
func memberName(name string, used map[string]int) string {
	n := used[name]
	used[name] = n + 1
	if n == 0 {
		return name
	}
	ext := filepath.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
	return memberName(candidate, used)
}

// Publish uploads the archive under the owner's prefix and returns a link
// valid for the cache TTL.
func (z *Zipper) Publish(ctx context.Context, owner string, a Archive) (models.SignedURL, error) {
	f, err := os.Open(a.Path)
	if err != nil {
		return models.SignedURL{}, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s/zips/%s.zip", owner, a.Key)
	if _, err := z.blobs.Put(ctx, f, key, "application/zip", map[string]string{"owner-id": owner}); err != nil {
		return models.SignedURL{}, err
	}
	return z.blobs.SignedURL(ctx, key, z.ttl, blobstore.WithDownloadName("convertly-"+a.Key[:min(8, len(a.Key))]+".zip"))
}

// Sweep drops cached archives older than the TTL and their files.
func (z *Zipper) Sweep() int {
	cutoff := z.now().Add(-z.ttl)

	z.mu.Lock()
	var stale []Archive
	for k, a := range z.entries {
		if a.CreatedAt.Before(cutoff) {
			stale = append(stale, a)
			delete(z.entries, k)
		}
	}
	z.mu.Unlock()

	for _, a := range stale {
		_ = filex.RemoveQuiet(a.Path)
	}
	return len(stale)
}

// Start sweeps on a ticker every TTL until ctx ends or Stop is called.
func (z *Zipper) Start(ctx context.Context) {
	ctx, z.cancel = context.WithCancel(ctx)
	z.loop.Add(1)
	go func() {
		defer z.loop.Done()
		ticker := time.NewTicker(z.ttl)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := z.Sweep(); n > 0 {
					z.log.Debug(ctx, "zip cache swept", "evicted", n)
				}
			}
		}
	}()
}

func (z *Zipper) Stop() {
	if z.cancel != nil {
		z.cancel()
	}
	z.loop.Wait()
}
