// Package aggregate merges shard partial results per query text and delivers the
// final ranked documents to every client request that asked for the query.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kailas-cloud/vecmerge/internal/domain"
	"github.com/kailas-cloud/vecmerge/internal/domain/aggregation"
	"github.com/kailas-cloud/vecmerge/internal/domain/candidate"
	"github.com/kailas-cloud/vecmerge/internal/domain/routing"
	"github.com/kailas-cloud/vecmerge/internal/logger"
	"github.com/kailas-cloud/vecmerge/internal/wire"
)

// Message is one shard result as handed over by a transport.
type Message struct {
	Key     string
	Payload []byte
}

// Config sizes the handler.
type Config struct {
	// ExpectedShards is the fan-out per query; a request completes after this many results.
	ExpectedShards int
	// TopK is the merge capacity.
	TopK int
	// Partitions is the number of independently locked state partitions.
	Partitions int
}

// Instruments are the optional collectors updated by the handler.
type Instruments struct {
	Messages        *prometheus.CounterVec // label "outcome"
	Notifications   *prometheus.CounterVec // label "status"
	ResolveDuration prometheus.Observer
	LiveStates      prometheus.Gauge
}

// Option configures a Service.
type Option func(*Service)

// WithInstruments sets the collectors.
func WithInstruments(in Instruments) Option {
	return func(s *Service) { s.in = in }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithInvariantHook sets the function invoked when a request receives more shard
// results than expected. The default panics.
func WithInvariantHook(fn func(error)) Option {
	return func(s *Service) { s.onInvariant = fn }
}

// Service is the aggregation handler. It is safe for concurrent use; messages for
// different query texts proceed in parallel when they fall in different partitions.
type Service struct {
	cfg      Config
	parts    *partitions
	resolver Resolver
	notifier Notifier

	in          Instruments
	logger      *zap.Logger
	onInvariant func(error)
}

// New creates an aggregation handler.
func New(cfg Config, resolver Resolver, notifier Notifier, opts ...Option) *Service {
	s := &Service{
		cfg:         cfg,
		parts:       newPartitions(cfg.Partitions),
		resolver:    resolver,
		notifier:    notifier,
		logger:      zap.NewNop(),
		onInvariant: func(err error) { panic(err) },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// delivery is one claimed request awaiting notification.
type delivery struct {
	rec  *aggregation.Record
	sent bool
}

// Handle processes one shard result message.
func (s *Service) Handle(ctx context.Context, msg Message) (Outcome, error) {
	out, err := s.handle(ctx, msg)
	if s.in.Messages != nil {
		s.in.Messages.WithLabelValues(out.String()).Inc()
	}
	return out, err
}

func (s *Service) handle(ctx context.Context, msg Message) (Outcome, error) {
	log := logger.FromContextOr(ctx, s.logger).With(zap.String("key", msg.Key))

	key, err := routing.Parse(msg.Key)
	if err != nil {
		log.Warn("dropping message with unparsable routing key", zap.Error(err))
		return Dropped, err
	}
	log = log.With(
		zap.Uint32("client_id", key.ClientID),
		zap.Uint32("batch_id", key.BatchID),
		zap.Int("shard_id", key.ShardID),
	)

	pr, err := wire.DecodeClusterResult(key.ShardID, msg.Payload)
	if err != nil {
		log.Warn("dropping undecodable shard result", zap.Int("bytes", len(msg.Payload)), zap.Error(err))
		return Dropped, err
	}
	ctx = logger.ContextWithLogger(ctx, log)

	query := pr.QueryText
	part := s.parts.get(query)

	part.mu.Lock()
	rec, delivered, err := part.reg.Tracker.RecordArrival(query, key.ClientID, key.BatchID, s.cfg.ExpectedShards)
	if err != nil {
		part.mu.Unlock()
		log.Error("shard results exceed expected fan-out", zap.Error(err))
		s.onInvariant(err)
		return Failed, err
	}
	if delivered {
		collected := part.reg.MaybeCollect(query)
		part.mu.Unlock()
		if collected {
			s.stateRemoved()
		}
		log.Debug("request already delivered", zap.Bool("collected", collected))
		return Duplicate, nil
	}

	if _, ok := part.reg.Table.Get(query); !ok {
		s.stateAdded()
	}
	st := part.reg.Table.GetOrCreate(query, s.cfg.ExpectedShards, s.cfg.TopK)
	if !st.Contribute(pr.ShardID, pr.Candidates) {
		log.Debug("shard already contributed", zap.Int("contributed", st.Contributed()))
	}
	if !st.IsComplete() {
		part.mu.Unlock()
		return Pending, nil
	}
	if !rec.Claim() {
		part.mu.Unlock()
		return Pending, nil
	}

	batch := []*delivery{{rec: rec}}
	for _, other := range part.reg.Tracker.Records(query) {
		if other != rec && other.Received == other.Expected && other.Claim() {
			batch = append(batch, &delivery{rec: other})
		}
	}

	docs, resolved := st.Docs()
	var ranked []candidate.Candidate
	if !resolved {
		ranked = st.Ranked()
	}
	part.mu.Unlock()

	if !resolved {
		docs, err = s.resolve(ctx, ranked)
		if err != nil {
			s.settle(part, query, batch)
			log.Error("document resolution failed", zap.Int("candidates", len(ranked)), zap.Error(err))
			return Failed, err
		}
		part.mu.Lock()
		docs = st.SetDocs(docs)
		part.mu.Unlock()
	}

	var notifyErr error
	for _, d := range batch {
		if err := s.notify(ctx, query, docs, d.rec); err != nil {
			notifyErr = errors.Join(notifyErr, err)
			continue
		}
		d.sent = true
	}
	s.settle(part, query, batch)

	if !batch[0].sent {
		log.Error("notification failed", zap.Error(notifyErr))
		return Failed, notifyErr
	}
	if notifyErr != nil {
		log.Warn("coalesced notification failed", zap.Error(notifyErr))
	}
	log.Debug("request delivered", zap.Int("docs", len(docs)), zap.Int("notified", len(batch)))
	return Delivered, nil
}

func (s *Service) resolve(ctx context.Context, ranked []candidate.Candidate) ([]string, error) {
	start := time.Now()
	docs, err := s.resolver.ResolveAll(ctx, ranked)
	if s.in.ResolveDuration != nil {
		s.in.ResolveDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("resolve documents: %w", err)
	}
	return docs, nil
}

func (s *Service) notify(ctx context.Context, query string, docs []string, rec *aggregation.Record) error {
	payload, err := wire.EncodeAnswer(wire.Answer{Query: query, TopKDocs: docs, QueryBatchID: rec.BatchID})
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	err = s.notifier.Notify(ctx, rec.ClientID, payload)
	s.incNotification(err)
	if err != nil {
		return fmt.Errorf("notify client %d batch %d: %w", rec.ClientID, rec.BatchID, err)
	}
	return nil
}

// settle marks sent deliveries, releases the rest for a later retry, and collects
// the query if nothing is left waiting on it.
func (s *Service) settle(part *partition, query string, batch []*delivery) {
	part.mu.Lock()
	for _, d := range batch {
		if d.sent {
			part.reg.Tracker.MarkDelivered(query, d.rec.ClientID, d.rec.BatchID)
		} else {
			d.rec.Release()
		}
	}
	collected := part.reg.MaybeCollect(query)
	part.mu.Unlock()
	if collected {
		s.stateRemoved()
	}
}

// LiveStates returns the number of query texts currently holding aggregation state.
func (s *Service) LiveStates() int { return s.parts.live() }

func (s *Service) stateAdded() {
	if s.in.LiveStates != nil {
		s.in.LiveStates.Inc()
	}
}

func (s *Service) stateRemoved() {
	if s.in.LiveStates != nil {
		s.in.LiveStates.Dec()
	}
}

func (s *Service) incNotification(err error) {
	if s.in.Notifications == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.in.Notifications.WithLabelValues(status).Inc()
}

// IsInvariantViolation reports whether err came from the fan-out consistency check.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, domain.ErrInvariantViolation)
}
