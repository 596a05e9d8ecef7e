// Package objkey maps absolute store names ("/rag/doc/7") onto bucket object keys
// under a root prefix and back.
package objkey

import "strings"

// Mapper translates between store names and object keys.
type Mapper struct {
	root string
}

// New creates a mapper rooted at prefix. A non-empty prefix gets a trailing slash.
func New(prefix string) Mapper {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return Mapper{root: prefix}
}

// Object returns the object key for name.
func (m Mapper) Object(name string) string {
	return m.root + strings.TrimPrefix(name, "/")
}

// Name returns the store name for an object key produced by Object.
func (m Mapper) Name(object string) string {
	return "/" + strings.TrimPrefix(object, m.root)
}
