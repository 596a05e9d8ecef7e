// Package topk keeps the k lowest-score candidates offered across any number of
// partial lists.
package topk

import "github.com/kailas-cloud/vecmerge/internal/domain/candidate"

// Merger is a bounded max-heap over retained candidates: the root is the worst
// retained candidate and therefore the eviction target.
// Not safe for concurrent use; callers serialize access per query.
type Merger struct {
	k    int
	heap []candidate.Candidate
}

// New creates a merger with capacity k. k <= 0 retains nothing.
func New(k int) *Merger {
	if k < 0 {
		k = 0
	}
	return &Merger{k: k, heap: make([]candidate.Candidate, 0, k)}
}

// Cap returns the merge capacity.
func (m *Merger) Cap() int { return m.k }

// Len returns the number of retained candidates.
func (m *Merger) Len() int { return len(m.heap) }

// Accept merges one partial list. A candidate replaces the current worst only when
// its score is strictly lower, so on a tie at the boundary the earlier arrival stays.
func (m *Merger) Accept(cands []candidate.Candidate) {
	for _, c := range cands {
		if len(m.heap) < m.k {
			m.heap = append(m.heap, c)
			m.up(len(m.heap) - 1)
			continue
		}
		if m.k == 0 || !c.Better(m.heap[0]) {
			continue
		}
		m.heap[0] = c
		m.down(0, len(m.heap))
	}
}

// Worst returns the current eviction target.
func (m *Merger) Worst() (candidate.Candidate, bool) {
	if len(m.heap) == 0 {
		return candidate.Candidate{}, false
	}
	return m.heap[0], true
}

// DrainAscending empties the merger and returns the retained candidates best first.
func (m *Merger) DrainAscending() []candidate.Candidate {
	out := make([]candidate.Candidate, len(m.heap))
	for i := len(m.heap) - 1; i >= 0; i-- {
		out[i] = m.pop()
	}
	return out
}

func (m *Merger) pop() candidate.Candidate {
	n := len(m.heap) - 1
	m.heap[0], m.heap[n] = m.heap[n], m.heap[0]
	m.down(0, n)
	x := m.heap[n]
	m.heap = m.heap[:n]
	return x
}

// worse orders the heap worst-first.
func (m *Merger) worse(i, j int) bool {
	return m.heap[j].Better(m.heap[i])
}

func (m *Merger) up(j int) {
	for {
		i := (j - 1) / 2
		if i == j || !m.worse(j, i) {
			break
		}
		m.heap[i], m.heap[j] = m.heap[j], m.heap[i]
		j = i
	}
}

func (m *Merger) down(i, n int) {
	for {
		l := 2*i + 1
		if l >= n || l < 0 {
			return
		}
		j := l
		if r := l + 1; r < n && m.worse(r, l) {
			j = r
		}
		if !m.worse(j, i) {
			return
		}
		m.heap[i], m.heap[j] = m.heap[j], m.heap[i]
		i = j
	}
}
