package store

import (
	"strings"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "intercom"

// Key identifies a stored document.
type Key struct {
	// Prefix namespaces the keyspace (e.g., "intercom")
	Prefix string

	// Collection is the collection name (e.g., "users")
	Collection string

	// ID is the document _id
	ID string
}

// String generates the document key.
// Format: prefix:collection:doc:id
//
// Example:
//
//	intercom:users:doc:5a1f
func (k Key) String() string {
	return strings.Join([]string{k.prefix(), k.Collection, "doc", k.ID}, ":")
}

// IndexKey returns the key of the set holding every id of the collection.
// Format: prefix:collection:ids
func (k Key) IndexKey() string {
	return strings.Join([]string{k.prefix(), k.Collection, "ids"}, ":")
}

func (k Key) prefix() string {
	if k.Prefix == "" {
		return DefaultPrefix
	}
	return k.Prefix
}
