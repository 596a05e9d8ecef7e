package aggregate

import (
	"hash/maphash"
	"sync"

	"github.com/kailas-cloud/vecmerge/internal/domain/aggregation"
)

// partition owns the aggregation state of every query text hashing to it.
type partition struct {
	mu  sync.Mutex
	reg *aggregation.Registry
}

type partitions struct {
	seed  maphash.Seed
	parts []*partition
}

func newPartitions(n int) *partitions {
	if n <= 0 {
		n = 1
	}
	p := &partitions{seed: maphash.MakeSeed(), parts: make([]*partition, n)}
	for i := range p.parts {
		p.parts[i] = &partition{reg: aggregation.NewRegistry()}
	}
	return p
}

func (p *partitions) get(query string) *partition {
	h := maphash.String(p.seed, query)
	return p.parts[h%uint64(len(p.parts))]
}

// live returns the number of query texts with state across all partitions.
func (p *partitions) live() int {
	n := 0
	for _, part := range p.parts {
		part.mu.Lock()
		n += part.reg.Table.Len()
		part.mu.Unlock()
	}
	return n
}
