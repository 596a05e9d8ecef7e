// Package content fetches document bodies from the object store. Bodies stored as
// zstd or lz4 frames are decompressed transparently; anything else is returned as is.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/kailas-cloud/vecmerge/internal/db"
	"github.com/kailas-cloud/vecmerge/internal/domain"
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	lz4Magic  = []byte{0x04, 0x22, 0x4D, 0x18}
)

// store is the consumer interface for document bodies (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// Repo reads document bodies.
type Repo struct {
	store store
	zstd  *zstd.Decoder
}

// New creates a content repository.
func New(s store) (*Repo, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Repo{store: s, zstd: dec}, nil
}

// Close releases decoder resources.
func (r *Repo) Close() {
	r.zstd.Close()
}

// Fetch returns the decoded body stored at path.
func (r *Repo) Fetch(ctx context.Context, path string) (string, error) {
	data, err := r.store.Get(ctx, path)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return "", fmt.Errorf("%s: %w", path, domain.ErrContentFetchFailed)
		}
		return "", fmt.Errorf("get %s: %w: %w", path, domain.ErrContentFetchFailed, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%s is empty: %w", path, domain.ErrContentFetchFailed)
	}

	body, err := r.decode(data)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w: %w", path, domain.ErrContentFetchFailed, err)
	}
	return string(body), nil
}

func (r *Repo) decode(data []byte) ([]byte, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		return r.zstd.DecodeAll(data, nil)
	case bytes.HasPrefix(data, lz4Magic):
		return io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	default:
		return data, nil
	}
}
