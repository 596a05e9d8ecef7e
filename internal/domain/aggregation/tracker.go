package aggregation

import "github.com/kailas-cloud/vecmerge/internal/domain"

// Record tracks one (client, batch) request for a query text.
type Record struct {
	ClientID  uint32
	BatchID   uint32
	Expected  int
	Received  int
	Delivered bool

	// claimed is held by the message currently delivering this record.
	claimed bool
}

// Claim marks the record as being delivered. Returns false if it is already
// delivered or another message holds the claim.
func (r *Record) Claim() bool {
	if r.Delivered || r.claimed {
		return false
	}
	r.claimed = true
	return true
}

// Release drops a claim after a failed delivery so a later message can retry.
func (r *Record) Release() { r.claimed = false }

// Finished reports whether the record is delivered and has seen every shard.
func (r *Record) Finished() bool { return r.Delivered && r.Received == r.Expected }

// Tracker maps query text to the requests waiting on it.
type Tracker struct {
	entries map[string][]*Record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{entries: make(map[string][]*Record)}
}

// RecordArrival counts one shard result for (client, batch) under query and
// reports whether that request had already been delivered before this arrival.
// A count past expected is an InvariantViolationError and leaves the record unchanged.
func (t *Tracker) RecordArrival(query string, clientID, batchID uint32, expected int) (*Record, bool, error) {
	if rec := t.find(query, clientID, batchID); rec != nil {
		if rec.Received+1 > rec.Expected {
			return rec, rec.Delivered, &domain.InvariantViolationError{
				Query:    query,
				ClientID: clientID,
				BatchID:  batchID,
				Received: rec.Received + 1,
				Expected: rec.Expected,
			}
		}
		rec.Received++
		return rec, rec.Delivered, nil
	}

	rec := &Record{ClientID: clientID, BatchID: batchID, Expected: expected, Received: 1}
	if rec.Received > rec.Expected {
		return nil, false, &domain.InvariantViolationError{
			Query:    query,
			ClientID: clientID,
			BatchID:  batchID,
			Received: rec.Received,
			Expected: rec.Expected,
		}
	}
	t.entries[query] = append(t.entries[query], rec)
	return rec, false, nil
}

// MarkDelivered flags the (client, batch) record under query as delivered.
func (t *Tracker) MarkDelivered(query string, clientID, batchID uint32) {
	if rec := t.find(query, clientID, batchID); rec != nil {
		rec.Delivered = true
		rec.claimed = false
	}
}

// Records returns the requests tracked under query, in arrival order.
func (t *Tracker) Records(query string) []*Record { return t.entries[query] }

// Finished reports whether every request under query is delivered and fully received.
func (t *Tracker) Finished(query string) bool {
	for _, rec := range t.entries[query] {
		if !rec.Finished() {
			return false
		}
	}
	return true
}

// Remove drops every record under query.
func (t *Tracker) Remove(query string) { delete(t.entries, query) }

// Len returns the number of tracked query texts.
func (t *Tracker) Len() int { return len(t.entries) }

func (t *Tracker) find(query string, clientID, batchID uint32) *Record {
	for _, rec := range t.entries[query] {
		if rec.ClientID == clientID && rec.BatchID == batchID {
			return rec
		}
	}
	return nil
}
