// Package routing parses the identifiers embedded in message routing keys.
//
// A key carries each field as a marker token immediately followed by a decimal
// run, e.g. "/rag/agg/client3_qb12_cluster5_qid0". The first occurrence of each
// marker wins.
package routing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kailas-cloud/vecmerge/internal/domain"
)

// Marker tokens.
const (
	MarkerClient  = "client"
	MarkerBatch   = "qb"
	MarkerShard   = "cluster"
	MarkerQueryID = "qid"
)

// Key is the parsed routing metadata of one shard-result message.
type Key struct {
	ClientID uint32
	BatchID  uint32
	ShardID  int
	// QueryID is the intra-batch query index, -1 when absent.
	QueryID int
}

// Parse extracts the client, batch, and shard ids from key. The query index is optional.
func Parse(key string) (Key, error) {
	client, err := field(key, MarkerClient)
	if err != nil {
		return Key{}, err
	}
	batch, err := field(key, MarkerBatch)
	if err != nil {
		return Key{}, err
	}
	shard, err := field(key, MarkerShard)
	if err != nil {
		return Key{}, err
	}

	k := Key{
		ClientID: uint32(client),
		BatchID:  uint32(batch),
		ShardID:  int(shard),
		QueryID:  -1,
	}
	if qid, err := field(key, MarkerQueryID); err == nil {
		k.QueryID = int(qid)
	}
	return k, nil
}

// Format builds a key that Parse accepts, under prefix.
func Format(prefix string, k Key) string {
	var b strings.Builder
	b.WriteString(prefix)
	fmt.Fprintf(&b, "%s%d_%s%d_%s%d", MarkerClient, k.ClientID, MarkerBatch, k.BatchID, MarkerShard, k.ShardID)
	if k.QueryID >= 0 {
		fmt.Fprintf(&b, "_%s%d", MarkerQueryID, k.QueryID)
	}
	return b.String()
}

// field finds marker in key and parses the digit run right after it.
func field(key, marker string) (uint64, error) {
	pos := strings.Index(key, marker)
	if pos < 0 {
		return 0, fmt.Errorf("%w: missing %q in %q", domain.ErrRoutingKeyUnparsable, marker, key)
	}
	start := pos + len(marker)
	end := start
	for end < len(key) && key[end] >= '0' && key[end] <= '9' {
		end++
	}
	if end == start {
		return 0, fmt.Errorf("%w: no digits after %q in %q", domain.ErrRoutingKeyUnparsable, marker, key)
	}
	v, err := strconv.ParseUint(key[start:end], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", domain.ErrRoutingKeyUnparsable, marker, err)
	}
	return v, nil
}
