package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kailas-cloud/vecmerge/internal/domain"
)

func TestHandle_MergesAcrossShards(t *testing.T) {
	f := newFixture(t, 2, 3)

	f.mustHandle(t, shardMsg(t, 1, 7, 0, "what is rag", []int64{1, 2}, []float32{0.9, 0.1}), Pending)
	if n := len(f.notifier.all()); n != 0 {
		t.Fatalf("expected no notification yet, got %d", n)
	}
	f.mustHandle(t, shardMsg(t, 1, 7, 1, "what is rag", []int64{3, 4}, []float32{0.05, 0.5}), Delivered)

	got := f.notifier.all()
	if len(got) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(got))
	}
	if got[0].clientID != 1 {
		t.Errorf("expected client 1, got %d", got[0].clientID)
	}
	a := got[0].answer
	if a.Query != "what is rag" || a.QueryBatchID != 7 {
		t.Errorf("unexpected answer header: %+v", a)
	}
	want := []string{"doc-3", "doc-2", "doc-4"}
	if fmt.Sprint(a.TopKDocs) != fmt.Sprint(want) {
		t.Errorf("expected docs %v, got %v", want, a.TopKDocs)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected state collected, %d live", n)
	}
}

func TestHandle_CoalescesAndSuppressesDuplicates(t *testing.T) {
	f := newFixture(t, 2, 5)
	const q = "same question"

	f.mustHandle(t, shardMsg(t, 1, 10, 0, q, []int64{1}, []float32{0.3}), Pending)
	// Client 2 asked the same question; its result completes the shared state.
	f.mustHandle(t, shardMsg(t, 2, 20, 1, q, []int64{2}, []float32{0.2}), Delivered)
	f.mustHandle(t, shardMsg(t, 1, 10, 1, q, []int64{2}, []float32{0.2}), Delivered)

	if n := f.svc.LiveStates(); n != 1 {
		t.Fatalf("expected state retained for client 2's outstanding shard, %d live", n)
	}

	// The remaining result for client 2 arrives after its answer went out.
	f.mustHandle(t, shardMsg(t, 2, 20, 0, q, []int64{1}, []float32{0.3}), Duplicate)

	got := f.notifier.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0].clientID != 2 || got[0].answer.QueryBatchID != 20 {
		t.Errorf("unexpected first notification: %+v", got[0])
	}
	if got[1].clientID != 1 || got[1].answer.QueryBatchID != 10 {
		t.Errorf("unexpected second notification: %+v", got[1])
	}
	for _, s := range got {
		if fmt.Sprint(s.answer.TopKDocs) != "[doc-2 doc-1]" {
			t.Errorf("client %d got docs %v", s.clientID, s.answer.TopKDocs)
		}
	}
	if n := f.resolver.callCount(); n != 1 {
		t.Errorf("expected documents resolved once, got %d", n)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected state collected, %d live", n)
	}
}

// With a single expected shard every request completes and is collected on its own
// message, so nothing is shared between requests and a message redelivered after
// collection is answered again.
func TestHandle_SingleShardCollectsImmediately(t *testing.T) {
	f := newFixture(t, 1, 5)
	const q = "same question"
	m1 := shardMsg(t, 1, 10, 0, q, []int64{1}, []float32{0.3})
	m2 := shardMsg(t, 2, 20, 0, q, []int64{1}, []float32{0.3})

	f.mustHandle(t, m1, Delivered)
	if n := f.svc.LiveStates(); n != 0 {
		t.Fatalf("expected state collected after first delivery, %d live", n)
	}
	f.mustHandle(t, m2, Delivered)
	f.mustHandle(t, m1, Delivered)

	got := f.notifier.all()
	if len(got) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(got))
	}
	for i, wantClient := range []uint32{1, 2, 1} {
		if got[i].clientID != wantClient {
			t.Errorf("notification %d went to client %d, want %d", i, got[i].clientID, wantClient)
		}
	}
	if n := f.resolver.callCount(); n != 3 {
		t.Errorf("expected a resolution per request, got %d", n)
	}
	if len(f.invariants) != 0 {
		t.Errorf("unexpected invariant violations: %v", f.invariants)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected no live states, got %d", n)
	}
}

func TestHandle_RedeliveredShardIsIdempotent(t *testing.T) {
	f := newFixture(t, 2, 5)
	const q = "q"

	f.mustHandle(t, shardMsg(t, 1, 1, 0, q, []int64{1}, []float32{0.1}), Pending)
	f.mustHandle(t, shardMsg(t, 1, 1, 0, q, []int64{1}, []float32{0.1}), Pending)
	if n := len(f.notifier.all()); n != 0 {
		t.Fatalf("re-delivered shard must not complete the query, got %d notifications", n)
	}

	// Completion by another request also delivers client 1, which has seen all its results.
	f.mustHandle(t, shardMsg(t, 2, 1, 1, q, []int64{2}, []float32{0.2}), Delivered)

	got := f.notifier.all()
	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	for _, s := range got {
		if fmt.Sprint(s.answer.TopKDocs) != "[doc-1 doc-2]" {
			t.Errorf("client %d got docs %v, candidate 1 must be counted once", s.clientID, s.answer.TopKDocs)
		}
	}
}

func TestHandle_DropsMalformedPayload(t *testing.T) {
	f := newFixture(t, 1, 5)
	msg := shardMsg(t, 1, 1, 0, "q", nil, nil)
	msg.Payload = []byte{0, 0, 1}

	out, err := f.svc.Handle(context.Background(), msg)
	if out != Dropped {
		t.Errorf("expected dropped, got %s", out)
	}
	if !errors.Is(err, domain.ErrMalformedHeader) {
		t.Errorf("expected ErrMalformedHeader, got %v", err)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected no state, %d live", n)
	}
}

func TestHandle_DropsTruncatedPayload(t *testing.T) {
	f := newFixture(t, 1, 5)
	msg := shardMsg(t, 1, 1, 0, "q", []int64{1, 2}, []float32{0.1, 0.2})
	msg.Payload = msg.Payload[:10]

	out, err := f.svc.Handle(context.Background(), msg)
	if out != Dropped || !errors.Is(err, domain.ErrTruncatedPayload) {
		t.Errorf("expected dropped with ErrTruncatedPayload, got %s %v", out, err)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected no state, %d live", n)
	}
}

func TestHandle_DropsUnparsableKey(t *testing.T) {
	f := newFixture(t, 1, 5)
	msg := shardMsg(t, 1, 1, 0, "q", []int64{1}, []float32{0.1})
	msg.Key = "/rag/agg/client1_cluster0_qid0"

	out, err := f.svc.Handle(context.Background(), msg)
	if out != Dropped {
		t.Errorf("expected dropped, got %s", out)
	}
	if !errors.Is(err, domain.ErrRoutingKeyUnparsable) {
		t.Errorf("expected ErrRoutingKeyUnparsable, got %v", err)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected no state, %d live", n)
	}
	if n := len(f.notifier.all()); n != 0 {
		t.Errorf("expected no notification, got %d", n)
	}
}

func TestHandle_InvariantViolation(t *testing.T) {
	f := newFixture(t, 2, 5)
	const q = "q"

	f.mustHandle(t, shardMsg(t, 1, 1, 0, q, []int64{1}, []float32{0.1}), Pending)
	f.mustHandle(t, shardMsg(t, 1, 1, 0, q, []int64{1}, []float32{0.1}), Pending)

	out, err := f.svc.Handle(context.Background(), shardMsg(t, 1, 1, 1, q, []int64{2}, []float32{0.2}))
	if out != Failed {
		t.Errorf("expected failed, got %s", out)
	}
	var iv *domain.InvariantViolationError
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolationError, got %v", err)
	}
	if iv.Received != 3 || iv.Expected != 2 || iv.ClientID != 1 {
		t.Errorf("unexpected violation details: %+v", iv)
	}
	if !IsInvariantViolation(err) {
		t.Error("expected IsInvariantViolation to match")
	}
	if len(f.invariants) != 1 {
		t.Errorf("expected hook called once, got %d", len(f.invariants))
	}
	if n := len(f.notifier.all()); n != 0 {
		t.Errorf("expected no notification, got %d", n)
	}
}

func TestHandle_InvariantViolationPanicsByDefault(t *testing.T) {
	// A failed notification keeps the request open, so a second result for it overflows.
	notifier := &mockNotifier{}
	notifier.setFail(5, errors.New("down"))
	svc := New(Config{ExpectedShards: 1, TopK: 1, Partitions: 1}, &mockResolver{}, notifier)

	if out, _ := svc.Handle(context.Background(), shardMsg(t, 5, 1, 0, "q", []int64{1}, []float32{0.1})); out != Failed {
		t.Fatalf("expected failed notification, got %s", out)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	_, _ = svc.Handle(context.Background(), shardMsg(t, 5, 1, 1, "q", []int64{1}, []float32{0.1}))
}

func TestHandle_ResolutionFailureIsRetried(t *testing.T) {
	f := newFixture(t, 1, 5)
	const q = "q"
	f.resolver.setErr(fmt.Errorf("shard 0 candidate 1: %w", domain.ErrDocNotFound))

	out, err := f.svc.Handle(context.Background(), shardMsg(t, 1, 1, 0, q, []int64{1, 2}, []float32{0.2, 0.1}))
	if out != Failed || !errors.Is(err, domain.ErrDocNotFound) {
		t.Fatalf("expected failed with ErrDocNotFound, got %s %v", out, err)
	}
	if n := f.svc.LiveStates(); n != 1 {
		t.Fatalf("expected state kept for retry, %d live", n)
	}

	f.resolver.setErr(nil)
	f.mustHandle(t, shardMsg(t, 2, 9, 0, q, []int64{1, 2}, []float32{0.2, 0.1}), Delivered)

	got := f.notifier.all()
	if len(got) != 2 {
		t.Fatalf("expected both requests delivered, got %d", len(got))
	}
	f.resolver.mu.Lock()
	calls := f.resolver.calls
	f.resolver.mu.Unlock()
	if len(calls) != 2 || fmt.Sprint(calls[0]) != fmt.Sprint(calls[1]) {
		t.Errorf("expected retry against the same ranking, got %v", calls)
	}
	if fmt.Sprint(calls[1]) != "[2 1]" {
		t.Errorf("expected ranking [2 1], got %v", calls[1])
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected state collected, %d live", n)
	}
}

func TestHandle_NotificationFailureIsRetried(t *testing.T) {
	f := newFixture(t, 1, 5)
	const q = "q"
	f.notifier.setFail(1, errors.New("connection reset"))

	out, err := f.svc.Handle(context.Background(), shardMsg(t, 1, 1, 0, q, []int64{1}, []float32{0.1}))
	if out != Failed || err == nil {
		t.Fatalf("expected failed, got %s %v", out, err)
	}

	f.notifier.setFail(1, nil)
	f.mustHandle(t, shardMsg(t, 2, 2, 0, q, []int64{1}, []float32{0.1}), Delivered)

	if n := len(f.notifier.all()); n != 2 {
		t.Errorf("expected 2 notifications, got %d", n)
	}
	if n := f.resolver.callCount(); n != 1 {
		t.Errorf("expected documents resolved once, got %d", n)
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected state collected, %d live", n)
	}
}

func TestHandle_EmptyCandidates(t *testing.T) {
	f := newFixture(t, 1, 5)
	f.mustHandle(t, shardMsg(t, 1, 1, 0, "q", nil, nil), Delivered)

	got := f.notifier.all()
	if len(got) != 1 || got[0].answer.TopKDocs == nil || len(got[0].answer.TopKDocs) != 0 {
		t.Errorf("expected one answer with empty docs, got %+v", got)
	}
}

func TestHandle_ConcurrentQueries(t *testing.T) {
	const (
		queries = 40
		shards  = 4
	)
	f := newFixture(t, shards, 3)

	var msgs []Message
	for q := range queries {
		for s := range shards {
			msgs = append(msgs, shardMsg(t, uint32(q%5), uint32(q), s,
				fmt.Sprintf("query-%d", q),
				[]int64{int64(s*10 + 1), int64(s*10 + 2)},
				[]float32{float32(s) + 0.5, float32(s) + 0.25},
			))
		}
	}
	rand.New(rand.NewPCG(1, 2)).Shuffle(len(msgs), func(i, j int) { msgs[i], msgs[j] = msgs[j], msgs[i] })

	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Handle(context.Background(), m); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	got := f.notifier.all()
	if len(got) != queries {
		t.Fatalf("expected %d notifications, got %d", queries, len(got))
	}
	seen := make(map[string]int)
	for _, s := range got {
		seen[s.answer.Query]++
		if fmt.Sprint(s.answer.TopKDocs) != "[doc-2 doc-1 doc-12]" {
			t.Errorf("%s: unexpected docs %v", s.answer.Query, s.answer.TopKDocs)
		}
	}
	for q, n := range seen {
		if n != 1 {
			t.Errorf("%s notified %d times", q, n)
		}
	}
	if n := f.svc.LiveStates(); n != 0 {
		t.Errorf("expected all state collected, %d live", n)
	}
}

func TestHandle_Instruments(t *testing.T) {
	messages := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_messages_total"}, []string{"outcome"})
	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_notifications_total"}, []string{"status"})
	live := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_live_states"})
	resolveDur := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_resolve_seconds"})

	svc := New(Config{ExpectedShards: 2, TopK: 2, Partitions: 2}, &mockResolver{}, &mockNotifier{},
		WithInstruments(Instruments{
			Messages:        messages,
			Notifications:   notifications,
			ResolveDuration: resolveDur,
			LiveStates:      live,
		}),
	)

	ctx := context.Background()
	_, _ = svc.Handle(ctx, shardMsg(t, 1, 1, 0, "q", []int64{1}, []float32{0.1}))
	if v := testutil.ToFloat64(live); v != 1 {
		t.Errorf("expected 1 live state, got %v", v)
	}
	_, _ = svc.Handle(ctx, shardMsg(t, 1, 1, 1, "q", []int64{2}, []float32{0.2}))
	_, _ = svc.Handle(ctx, Message{Key: "garbage", Payload: []byte{1}})

	if v := testutil.ToFloat64(messages.WithLabelValues("pending")); v != 1 {
		t.Errorf("pending = %v", v)
	}
	if v := testutil.ToFloat64(messages.WithLabelValues("delivered")); v != 1 {
		t.Errorf("delivered = %v", v)
	}
	if v := testutil.ToFloat64(messages.WithLabelValues("dropped")); v != 1 {
		t.Errorf("dropped = %v", v)
	}
	if v := testutil.ToFloat64(notifications.WithLabelValues("ok")); v != 1 {
		t.Errorf("notifications ok = %v", v)
	}
	if v := testutil.ToFloat64(live); v != 0 {
		t.Errorf("expected 0 live states, got %v", v)
	}
	if n := testutil.CollectAndCount(resolveDur); n != 1 {
		t.Errorf("expected resolve histogram collected, got %d", n)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{
		Dropped: "dropped", Pending: "pending", Delivered: "delivered",
		Duplicate: "duplicate", Failed: "failed", Outcome(99): "unknown",
	} {
		if o.String() != want {
			t.Errorf("%d: got %q, want %q", o, o.String(), want)
		}
	}
}
