package redis

import (
	"context"
	"errors"

	"github.com/redis/rueidis"

	"github.com/kailas-cloud/vecmerge/internal/db"
)

// Publish sends payload on channel.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	cmd := s.b().Publish().Channel(channel).Message(rueidis.BinaryString(payload)).Build()
	if err := s.do(ctx, cmd).Error(); err != nil {
		return &db.Error{Op: db.OpPublish, Err: err}
	}
	return nil
}

// PSubscribe blocks delivering messages on channels matching pattern to fn until
// ctx is cancelled. fn runs on the client's receive goroutine.
func (s *Store) PSubscribe(ctx context.Context, pattern string, fn func(db.Message)) error {
	cmd := s.b().Psubscribe().Pattern(pattern).Build()
	err := s.client.Receive(ctx, cmd, func(msg rueidis.PubSubMessage) {
		fn(db.Message{
			Pattern: msg.Pattern,
			Channel: msg.Channel,
			Payload: []byte(msg.Message),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return &db.Error{Op: db.OpPSubscribe, Err: err}
	}
	return nil
}
