// Package pubsub connects the aggregation handler to the store's pattern channels:
// shard results come in on a subscription, answers go out on per-client channels.
package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/vecmerge/internal/db"
	aggregateuc "github.com/kailas-cloud/vecmerge/internal/usecase/aggregate"
)

// Handler processes one shard result.
type Handler interface {
	Handle(ctx context.Context, msg aggregateuc.Message) (aggregateuc.Outcome, error)
}

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// Pattern is the channel glob carrying shard results, e.g. "/rag/agg/*".
	Pattern string
	// Workers bounds concurrent Handle calls.
	Workers int
	// PayloadBytes observes incoming payload sizes. Optional.
	PayloadBytes prometheus.Observer
}

// Subscriber feeds channel messages to a Handler through a fixed worker pool.
type Subscriber struct {
	sub     db.Subscriber
	handler Handler
	cfg     SubscriberConfig
	logger  *zap.Logger
}

// NewSubscriber creates a subscriber.
func NewSubscriber(sub db.Subscriber, handler Handler, cfg SubscriberConfig, logger *zap.Logger) *Subscriber {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Subscriber{sub: sub, handler: handler, cfg: cfg, logger: logger}
}

// Run subscribes and dispatches until ctx is cancelled. Messages already queued
// are handled before Run returns.
func (s *Subscriber) Run(ctx context.Context) error {
	jobs := make(chan db.Message, s.cfg.Workers)
	var g errgroup.Group

	for range s.cfg.Workers {
		g.Go(func() error {
			for msg := range jobs {
				s.dispatch(context.WithoutCancel(ctx), msg)
			}
			return nil
		})
	}

	s.logger.Info("subscribing to shard results",
		zap.String("pattern", s.cfg.Pattern),
		zap.Int("workers", s.cfg.Workers),
	)
	err := s.sub.PSubscribe(ctx, s.cfg.Pattern, func(msg db.Message) {
		select {
		case jobs <- msg:
		case <-ctx.Done():
		}
	})
	close(jobs)
	_ = g.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Pattern, err)
	}
	return nil
}

func (s *Subscriber) dispatch(ctx context.Context, msg db.Message) {
	if s.cfg.PayloadBytes != nil {
		s.cfg.PayloadBytes.Observe(float64(len(msg.Payload)))
	}
	// Errors are logged by the handler with full message context.
	_, _ = s.handler.Handle(ctx, aggregateuc.Message{
		Key:     msg.Channel,
		Payload: msg.Payload,
	})
}
