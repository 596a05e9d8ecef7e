package resolve

import "context"

// TableLoader loads the candidate id to path mapping of one shard.
type TableLoader interface {
	Load(ctx context.Context, shardID int) (map[int64]string, error)
}

// ContentFetcher reads the document body stored at a path.
type ContentFetcher interface {
	Fetch(ctx context.Context, path string) (string, error)
}
