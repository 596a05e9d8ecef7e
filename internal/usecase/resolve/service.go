// Package resolve turns (shard id, candidate id) pairs into document content.
package resolve

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/vecmerge/internal/domain"
	"github.com/kailas-cloud/vecmerge/internal/domain/candidate"
	"github.com/kailas-cloud/vecmerge/internal/logger"
)

type docKey struct {
	shardID int
	id      int64
}

// Options configures a Service.
type Options struct {
	// RetrieveDocs fetches content; false returns the document path instead.
	RetrieveDocs bool
	// CacheCapacity bounds the content cache in entries. <= 0 disables the cache.
	CacheCapacity int
	// Concurrency bounds parallel resolutions in ResolveAll.
	Concurrency int
	// CacheTotal counts content cache lookups, label "result" ("hit"/"miss"). Optional.
	CacheTotal *prometheus.CounterVec
}

// Service resolves candidates with a per-shard table cache and an LRU content cache.
// Tables are loaded once per shard and kept for the process lifetime.
type Service struct {
	tables  TableLoader
	content ContentFetcher
	opts    Options

	mu     sync.RWMutex
	loaded map[int]map[int64]string
	group  singleflight.Group

	cache  *lru.Cache[docKey, string] // nil when disabled
	logger *zap.Logger
}

// New creates a resolver.
func New(tables TableLoader, content ContentFetcher, opts Options, log *zap.Logger) *Service {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		tables:  tables,
		content: content,
		opts:    opts,
		loaded:  make(map[int]map[int64]string),
		logger:  log,
	}
	if opts.CacheCapacity > 0 {
		// Only fails for a non-positive size.
		s.cache, _ = lru.New[docKey, string](opts.CacheCapacity)
	}
	return s
}

// Resolve returns the content (or path, when content retrieval is off) of one candidate.
func (s *Service) Resolve(ctx context.Context, shardID int, id int64) (string, error) {
	key := docKey{shardID: shardID, id: id}
	if s.opts.RetrieveDocs && s.cache != nil {
		if doc, ok := s.cache.Get(key); ok {
			s.incCache("hit")
			return doc, nil
		}
		s.incCache("miss")
	}

	table, err := s.table(ctx, shardID)
	if err != nil {
		return "", err
	}
	path, ok := table[id]
	if !ok {
		return "", fmt.Errorf("shard %d candidate %d: %w", shardID, id, domain.ErrDocNotFound)
	}
	if !s.opts.RetrieveDocs {
		return path, nil
	}

	logger.FromContext(ctx).Debug("fetching document", zap.Int("shard_id", shardID), zap.Int64("candidate_id", id), zap.String("path", path))
	doc, err := s.content.Fetch(ctx, path)
	if err != nil {
		return "", fmt.Errorf("shard %d candidate %d: %w", shardID, id, err)
	}
	if s.cache != nil {
		s.cache.Add(key, doc)
	}
	return doc, nil
}

// ResolveAll resolves cands in parallel and returns their documents in input order.
// The first failure cancels the remaining work.
func (s *Service) ResolveAll(ctx context.Context, cands []candidate.Candidate) ([]string, error) {
	docs := make([]string, len(cands))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for i, c := range cands {
		g.Go(func() error {
			doc, err := s.Resolve(gctx, c.ShardID, c.ID)
			if err != nil {
				return err
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// table returns the loaded table for shardID, loading it at most once concurrently.
// A failed load is not cached.
func (s *Service) table(ctx context.Context, shardID int) (map[int64]string, error) {
	s.mu.RLock()
	t, ok := s.loaded[shardID]
	s.mu.RUnlock()
	if ok {
		return t, nil
	}

	v, err, _ := s.group.Do(strconv.Itoa(shardID), func() (any, error) {
		s.mu.RLock()
		t, ok := s.loaded[shardID]
		s.mu.RUnlock()
		if ok {
			return t, nil
		}

		t, err := s.tables.Load(ctx, shardID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.loaded[shardID] = t
		s.mu.Unlock()
		s.logger.Info("doc table cached", zap.Int("shard_id", shardID), zap.Int("entries", len(t)))
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int64]string), nil
}

func (s *Service) incCache(result string) {
	if s.opts.CacheTotal != nil {
		s.opts.CacheTotal.WithLabelValues(result).Inc()
	}
}

// CachedDocs returns the number of documents held in the content cache.
func (s *Service) CachedDocs() int {
	if s.cache == nil {
		return 0
	}
	return s.cache.Len()
}
