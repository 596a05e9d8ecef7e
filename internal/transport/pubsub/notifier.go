package pubsub

import (
	"context"
	"fmt"
	"strconv"

	"github.com/kailas-cloud/vecmerge/internal/db"
)

// Notifier publishes answers on "<prefix><client id>".
type Notifier struct {
	pub    db.Publisher
	prefix string
}

// NewNotifier creates a notifier publishing under prefix, e.g. "/rag/results/".
func NewNotifier(pub db.Publisher, prefix string) *Notifier {
	return &Notifier{pub: pub, prefix: prefix}
}

// Channel returns the channel answers for clientID are published on.
func (n *Notifier) Channel(clientID uint32) string {
	return n.prefix + strconv.FormatUint(uint64(clientID), 10)
}

// Notify publishes payload to the client's channel.
func (n *Notifier) Notify(ctx context.Context, clientID uint32, payload []byte) error {
	if err := n.pub.Publish(ctx, n.Channel(clientID), payload); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}
