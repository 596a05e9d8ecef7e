package db

import (
	"context"
	"time"
)

// Store is the Redis-backed facade: object reads, pub/sub, and lifecycle.
type Store interface {
	Pinger
	ObjectReader
	Publisher
	Subscriber
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ObjectReader is the read-only view of the object store used for document lookup.
type ObjectReader interface {
	// ListKeys returns every key starting with prefix, sorted.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	// Get returns the object stored at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
}

// ObjectStore is an ObjectReader with a health check and a lifecycle.
type ObjectStore interface {
	Pinger
	ObjectReader
	Close()
}

// Message is one pub/sub delivery.
type Message struct {
	Pattern string
	Channel string
	Payload []byte
}

// Publisher sends a payload on a channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Subscriber streams messages for channels matching a glob pattern until ctx ends.
type Subscriber interface {
	PSubscribe(ctx context.Context, pattern string, fn func(Message)) error
}
