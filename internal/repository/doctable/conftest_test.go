package doctable

import (
	"context"
	"sort"
	"strings"

	"github.com/kailas-cloud/vecmerge/internal/db"
)

// mapStore implements the consumer interface over an in-memory map.
type mapStore struct {
	objects map[string][]byte
	listErr error
	gets    int
}

func (m *mapStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	m.gets++
	v, ok := m.objects[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}
