package progress

import (
	"context"
	"time"

	"github.com/dmitrijs2005/convertly/internal/server/models"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultMemorySize = 10_000

var (
	memoryHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convertly_progress_cache_hits_total",
		Help: "In-memory progress lookups that found a record.",
	})
	memoryMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "convertly_progress_cache_misses_total",
		Help: "In-memory progress lookups that found nothing.",
	})
)

// MemoryStore is a per-instance store. Records expire ttl after their last
// write and the oldest are evicted past size.
type MemoryStore struct {
	cache *expirable.LRU[string, models.JobProgress]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = defaultMemorySize
	}
	return &MemoryStore{cache: expirable.NewLRU[string, models.JobProgress](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, ref string) (models.JobProgress, bool, error) {
	p, ok := m.cache.Get(ref)
	if ok {
		memoryHitsTotal.Inc()
		return p, true, nil
	}
	memoryMissesTotal.Inc()
	return models.JobProgress{}, false, nil
}

func (m *MemoryStore) Set(_ context.Context, ref string, p models.JobProgress) error {
	m.cache.Add(ref, p)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, ref string) error {
	m.cache.Remove(ref)
	return nil
}
