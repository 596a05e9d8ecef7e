package aggregate

import (
	"context"

	"github.com/kailas-cloud/vecmerge/internal/domain/candidate"
)

// Resolver turns ranked candidates into documents, preserving order.
type Resolver interface {
	ResolveAll(ctx context.Context, cands []candidate.Candidate) ([]string, error)
}

// Notifier delivers an encoded answer to a client.
type Notifier interface {
	Notify(ctx context.Context, clientID uint32, payload []byte) error
}
