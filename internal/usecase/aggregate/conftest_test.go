package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/kailas-cloud/vecmerge/internal/domain/candidate"
	"github.com/kailas-cloud/vecmerge/internal/domain/routing"
	"github.com/kailas-cloud/vecmerge/internal/wire"
)

// mockResolver maps each candidate to "doc-<id>" and records every call.
type mockResolver struct {
	mu    sync.Mutex
	calls [][]int64
	err   error
}

func (m *mockResolver) ResolveAll(_ context.Context, cands []candidate.Candidate) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.ID
	}
	m.calls = append(m.calls, ids)
	if m.err != nil {
		return nil, m.err
	}
	docs := make([]string, len(cands))
	for i, c := range cands {
		docs[i] = fmt.Sprintf("doc-%d", c.ID)
	}
	return docs, nil
}

func (m *mockResolver) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockResolver) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type sent struct {
	clientID uint32
	answer   wire.Answer
}

type mockNotifier struct {
	mu      sync.Mutex
	sent    []sent
	failFor map[uint32]error
}

func (m *mockNotifier) Notify(_ context.Context, clientID uint32, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor[clientID]; err != nil {
		return err
	}
	var a wire.Answer
	if err := json.Unmarshal(payload, &a); err != nil {
		return err
	}
	m.sent = append(m.sent, sent{clientID: clientID, answer: a})
	return nil
}

func (m *mockNotifier) setFail(clientID uint32, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor == nil {
		m.failFor = make(map[uint32]error)
	}
	if err == nil {
		delete(m.failFor, clientID)
		return
	}
	m.failFor[clientID] = err
}

func (m *mockNotifier) all() []sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sent(nil), m.sent...)
}

type fixture struct {
	svc        *Service
	resolver   *mockResolver
	notifier   *mockNotifier
	invariants []error
}

func newFixture(t *testing.T, expected, k int) *fixture {
	t.Helper()
	f := &fixture{resolver: &mockResolver{}, notifier: &mockNotifier{}}
	f.svc = New(
		Config{ExpectedShards: expected, TopK: k, Partitions: 8},
		f.resolver, f.notifier,
		WithInvariantHook(func(err error) { f.invariants = append(f.invariants, err) }),
	)
	return f
}

// shardMsg builds a well-formed shard result message.
func shardMsg(t *testing.T, clientID, batchID uint32, shardID int, query string, ids []int64, scores []float32) Message {
	t.Helper()
	payload, err := wire.EncodeClusterResult(ids, scores, query)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return Message{
		Key: routing.Format("/rag/agg/", routing.Key{
			ClientID: clientID, BatchID: batchID, ShardID: shardID, QueryID: 0,
		}),
		Payload: payload,
	}
}

func (f *fixture) mustHandle(t *testing.T, msg Message, want Outcome) {
	t.Helper()
	got, err := f.svc.Handle(context.Background(), msg)
	if got != want {
		t.Fatalf("Handle(%s) outcome = %s, want %s (err: %v)", msg.Key, got, want, err)
	}
	if want != Failed && want != Dropped && err != nil {
		t.Fatalf("Handle(%s) unexpected error: %v", msg.Key, err)
	}
}
