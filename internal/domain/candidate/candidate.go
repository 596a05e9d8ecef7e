package candidate

import (
	"encoding/binary"
	"math"
)

// Candidate is one retrieved item from a shard. Lower Score is better (distance).
type Candidate struct {
	ShardID int
	ID      int64
	Score   float32
}

// Better reports whether c ranks strictly ahead of other. A NaN score ranks
// behind every number, so it is the first to be evicted.
func (c Candidate) Better(other Candidate) bool {
	if isNaN(other.Score) {
		return !isNaN(c.Score)
	}
	return c.Score < other.Score
}

func isNaN(f float32) bool { return f != f }

// PartialResult is one shard's decoded answer for a single query text.
type PartialResult struct {
	ShardID    int
	QueryText  string
	Candidates []Candidate
}

// QueryBatch is a decoded client query batch.
// Embeddings aliases the source buffer: nq*dim packed little-endian float32 rows.
type QueryBatch struct {
	Dim        int
	Count      int
	Embeddings []byte
	Texts      []string
}

// Row copies the i-th embedding row out of the borrowed buffer.
func (b *QueryBatch) Row(i int) []float32 {
	if i < 0 || i >= b.Count {
		return nil
	}
	row := make([]float32, b.Dim)
	off := i * b.Dim * 4
	for j := range row {
		row[j] = math.Float32frombits(binary.LittleEndian.Uint32(b.Embeddings[off+j*4:]))
	}
	return row
}
