// Package aggregation holds the per-query aggregation state, the per-request
// tracker, and the collection rule tying them together. None of the types here
// are safe for concurrent use; the aggregate use case serializes access per query.
package aggregation

import (
	"github.com/RoaringBitmap/roaring/v2"

	"github.com/kailas-cloud/vecmerge/internal/domain/candidate"
	"github.com/kailas-cloud/vecmerge/internal/domain/topk"
)

// State is the in-progress merge for one query text.
type State struct {
	query       string
	expected    int
	contributed *roaring.Bitmap
	acc         *topk.Merger

	ranked  []candidate.Candidate
	drained bool

	docs         []string
	docsResolved bool
}

// NewState creates an empty state expecting results from expected shards, merged to k.
func NewState(query string, expected, k int) *State {
	return &State{
		query:       query,
		expected:    expected,
		contributed: roaring.New(),
		acc:         topk.New(k),
	}
}

// Query returns the query text.
func (s *State) Query() string { return s.query }

// Expected returns the expected shard count.
func (s *State) Expected() int { return s.expected }

// Contributed returns the number of distinct shards merged so far.
func (s *State) Contributed() int { return int(s.contributed.GetCardinality()) }

// HasContributed reports whether shardID was already merged.
func (s *State) HasContributed(shardID int) bool {
	return shardID >= 0 && s.contributed.Contains(uint32(shardID))
}

// Contribute merges one shard's candidates. Re-delivery from an already merged
// shard, a negative shard id, or a contribution past the expected count is a no-op.
// Returns true when the candidates were merged.
func (s *State) Contribute(shardID int, cands []candidate.Candidate) bool {
	if shardID < 0 || s.HasContributed(shardID) {
		return false
	}
	if s.Contributed() >= s.expected {
		return false
	}
	s.contributed.Add(uint32(shardID))
	s.acc.Accept(cands)
	return true
}

// IsComplete reports whether every expected shard has contributed.
func (s *State) IsComplete() bool { return s.Contributed() == s.expected }

// Ranked drains the accumulator on first call and returns the retained candidates
// best first. Later calls return the same ranking, so a failed resolution can be
// retried against identical candidates.
func (s *State) Ranked() []candidate.Candidate {
	if !s.drained {
		s.ranked = s.acc.DrainAscending()
		s.drained = true
	}
	return s.ranked
}

// Docs returns the resolved documents, if resolution has completed.
func (s *State) Docs() ([]string, bool) { return s.docs, s.docsResolved }

// SetDocs stores resolved documents unless another resolution already did.
// Returns the documents that are now authoritative.
func (s *State) SetDocs(docs []string) []string {
	if !s.docsResolved {
		s.docs = docs
		s.docsResolved = true
	}
	return s.docs
}

// Table maps query text to its aggregation state.
type Table struct {
	states map[string]*State
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{states: make(map[string]*State)}
}

// GetOrCreate returns the state for query, creating it on first sight.
// expected and k only apply when the state is created.
func (t *Table) GetOrCreate(query string, expected, k int) *State {
	if st, ok := t.states[query]; ok {
		return st
	}
	st := NewState(query, expected, k)
	t.states[query] = st
	return st
}

// Get returns the state for query.
func (t *Table) Get(query string) (*State, bool) {
	st, ok := t.states[query]
	return st, ok
}

// Remove drops the state for query.
func (t *Table) Remove(query string) { delete(t.states, query) }

// Len returns the number of live states.
func (t *Table) Len() int { return len(t.states) }
