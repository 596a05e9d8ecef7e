// Package wire encodes and decodes the binary blobs exchanged with the search
// stages and the JSON answer sent back to clients.
//
// Both blob formats start with a big-endian uint32 count. Numeric arrays after
// the header are little-endian, as written by the search stages.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/kailas-cloud/vecmerge/internal/domain"
	"github.com/kailas-cloud/vecmerge/internal/domain/candidate"
)

const headerSize = 4

// DecodeClusterResult decodes one shard's partial top-k list.
//
// Layout: count c (BE uint32) | c int64 ids | c float32 scores | query text (UTF-8, rest).
// Decoding is atomic: on error nothing is returned.
func DecodeClusterResult(shardID int, buf []byte) (candidate.PartialResult, error) {
	if len(buf) < headerSize {
		return candidate.PartialResult{}, fmt.Errorf("%w: cluster result is %d bytes", domain.ErrMalformedHeader, len(buf))
	}
	count := uint64(binary.BigEndian.Uint32(buf))
	size := uint64(len(buf))

	idsEnd := headerSize + 8*count
	if size < idsEnd {
		return candidate.PartialResult{}, fmt.Errorf("%w: id array needs %d bytes, have %d",
			domain.ErrTruncatedPayload, idsEnd, size)
	}
	scoresEnd := idsEnd + 4*count
	if size < scoresEnd {
		return candidate.PartialResult{}, fmt.Errorf("%w: score array needs %d bytes, have %d",
			domain.ErrTruncatedPayload, scoresEnd, size)
	}
	if size == scoresEnd {
		return candidate.PartialResult{}, fmt.Errorf("%w: no query text", domain.ErrTruncatedPayload)
	}

	cands := make([]candidate.Candidate, count)
	for i := range cands {
		cands[i] = candidate.Candidate{
			ShardID: shardID,
			ID:      int64(binary.LittleEndian.Uint64(buf[headerSize+8*i:])),
			Score:   math.Float32frombits(binary.LittleEndian.Uint32(buf[int(idsEnd)+4*i:])),
		}
	}

	return candidate.PartialResult{
		ShardID:    shardID,
		QueryText:  string(buf[scoresEnd:]),
		Candidates: cands,
	}, nil
}

// EncodeClusterResult is the inverse of DecodeClusterResult.
func EncodeClusterResult(ids []int64, scores []float32, query string) ([]byte, error) {
	if len(ids) != len(scores) {
		return nil, fmt.Errorf("ids and scores length mismatch: %d != %d", len(ids), len(scores))
	}
	n := len(ids)
	buf := make([]byte, headerSize+12*n+len(query))
	binary.BigEndian.PutUint32(buf, uint32(n))
	for i, id := range ids {
		binary.LittleEndian.PutUint64(buf[headerSize+8*i:], uint64(id))
	}
	scoresStart := headerSize + 8*n
	for i, s := range scores {
		binary.LittleEndian.PutUint32(buf[scoresStart+4*i:], math.Float32bits(s))
	}
	copy(buf[scoresStart+4*n:], query)
	return buf, nil
}

// DecodeQueryBatch decodes a client query batch with embedding dimension dim.
//
// Layout: count nq (BE uint32) | nq*dim float32 rows | JSON array of nq strings (rest).
// Embeddings in the result alias buf. A short embedding region fails the whole
// decode. An unparsable text trailer returns the batch with nil Texts together
// with an error wrapping domain.ErrQueryTexts, so callers can log and continue.
func DecodeQueryBatch(buf []byte, dim int) (candidate.QueryBatch, error) {
	if len(buf) < headerSize {
		return candidate.QueryBatch{}, fmt.Errorf("%w: query batch is %d bytes", domain.ErrMalformedHeader, len(buf))
	}
	if dim < 0 {
		return candidate.QueryBatch{}, fmt.Errorf("negative embedding dimension %d", dim)
	}
	nq := uint64(binary.BigEndian.Uint32(buf))
	embEnd := headerSize + 4*uint64(dim)*nq
	if uint64(len(buf)) < embEnd {
		return candidate.QueryBatch{}, fmt.Errorf("%w: embeddings need %d bytes, have %d",
			domain.ErrTruncatedPayload, embEnd, len(buf))
	}

	batch := candidate.QueryBatch{
		Dim:        dim,
		Count:      int(nq),
		Embeddings: buf[headerSize:embEnd:embEnd],
	}

	trailer := buf[embEnd:]
	if len(trailer) == 0 {
		if nq == 0 {
			return batch, nil
		}
		return batch, fmt.Errorf("%w: no text region for %d queries", domain.ErrQueryTexts, nq)
	}
	var texts []string
	if err := json.Unmarshal(trailer, &texts); err != nil {
		return batch, fmt.Errorf("%w: %w", domain.ErrQueryTexts, err)
	}
	if uint64(len(texts)) != nq {
		return batch, fmt.Errorf("%w: %d texts for %d queries", domain.ErrQueryTexts, len(texts), nq)
	}
	batch.Texts = texts
	return batch, nil
}

// EncodeQueryBatch is the inverse of DecodeQueryBatch. Every row must have length dim.
func EncodeQueryBatch(dim int, rows [][]float32, texts []string) ([]byte, error) {
	if len(rows) != len(texts) {
		return nil, fmt.Errorf("rows and texts length mismatch: %d != %d", len(rows), len(texts))
	}
	trailer, err := json.Marshal(texts)
	if err != nil {
		return nil, fmt.Errorf("marshal query texts: %w", err)
	}
	buf := make([]byte, headerSize+4*dim*len(rows), headerSize+4*dim*len(rows)+len(trailer))
	binary.BigEndian.PutUint32(buf, uint32(len(rows)))
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("row %d has dimension %d, want %d", i, len(row), dim)
		}
		off := headerSize + 4*dim*i
		for j, f := range row {
			binary.LittleEndian.PutUint32(buf[off+4*j:], math.Float32bits(f))
		}
	}
	return append(buf, trailer...), nil
}
