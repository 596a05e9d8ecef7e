// Package doctable loads the per-shard candidate id to document path mapping
// from the object store.
package doctable

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/vecmerge/internal/domain"
)

// store is the consumer interface for table chunks (ISP).
type store interface {
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Repo reads doc table chunks.
type Repo struct {
	store      store
	keyPrefix  string
	pathPrefix string
	logger     *zap.Logger
}

// New creates a doc table repository.
// keyPrefix is followed by the decimal shard id; pathPrefix is prepended to numeric path ids.
func New(s store, keyPrefix, pathPrefix string, logger *zap.Logger) *Repo {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repo{store: s, keyPrefix: keyPrefix, pathPrefix: pathPrefix, logger: logger}
}

// Load returns the full mapping for shardID by merging every chunk in key order.
func (r *Repo) Load(ctx context.Context, shardID int) (map[int64]string, error) {
	prefix := r.keyPrefix + strconv.Itoa(shardID)
	keys, err := r.store.ListKeys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w: %w", prefix, domain.ErrShardTableUnavailable, err)
	}
	keys = exactMatches(keys, prefix)
	if len(keys) == 0 {
		return nil, fmt.Errorf("no chunks under %s: %w", prefix, domain.ErrShardTableUnavailable)
	}

	table := make(map[int64]string)
	for _, key := range keys {
		data, err := r.store.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("get chunk %s: %w: %w", key, domain.ErrShardTableUnavailable, err)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("empty chunk %s: %w", key, domain.ErrShardTableUnavailable)
		}
		if err := r.merge(table, data); err != nil {
			return nil, fmt.Errorf("parse chunk %s: %w: %w", key, domain.ErrShardTableUnavailable, err)
		}
	}

	r.logger.Debug("doc table loaded",
		zap.Int("shard_id", shardID),
		zap.Int("chunks", len(keys)),
		zap.Int("entries", len(table)),
	)
	return table, nil
}

func (r *Repo) merge(table map[int64]string, data []byte) error {
	var chunk map[string]json.RawMessage
	if err := json.Unmarshal(data, &chunk); err != nil {
		return err
	}
	for k, raw := range chunk {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return fmt.Errorf("candidate id %q: %w", k, err)
		}
		path, err := r.path(raw)
		if err != nil {
			return fmt.Errorf("candidate %d: %w", id, err)
		}
		table[id] = path
	}
	return nil
}

func (r *Repo) path(raw json.RawMessage) (string, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return r.pathPrefix + strconv.FormatInt(n, 10), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("path must be an integer or string, got %s", raw)
	}
	return s, nil
}

// exactMatches keeps keys whose shard id ends right at the prefix, so shard 1
// does not pick up the chunks of shard 10. Input order is preserved.
func exactMatches(keys []string, prefix string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		if rest != "" && rest[0] >= '0' && rest[0] <= '9' {
			continue
		}
		out = append(out, k)
	}
	return out
}

