// Package record defines the normalized document model shared by every
// stage of the import pipeline and the per-kind normalization transforms.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// IDField is the canonical identity field every normalized record carries.
const IDField = "_id"

// Kind identifies an Intercom entity collection. The value doubles as the
// response field holding the records and as the store collection name.
type Kind string

const (
	Tags          Kind = "tags"
	Segments      Kind = "segments"
	Admins        Kind = "admins"
	Conversations Kind = "conversations"
	Users         Kind = "users"
	Events        Kind = "events"
)

// BasicKinds are the collections that are imported with a single source and no
// reference resolution.
var BasicKinds = []Kind{Tags, Segments, Admins, Conversations}

// ParseKind validates a collection name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case Tags, Segments, Admins, Conversations, Users, Events:
		return k, nil
	default:
		return "", fmt.Errorf("unknown entity kind: %q", s)
	}
}

// Record is one normalized, semi-structured document.
type Record map[string]any

// ID returns the natural key of the record as a string, or "" when the
// record has no identity.
func (r Record) ID() string {
	return IDString(r[IDField])
}

// IDString renders an identifier value as a string. Intercom mixes string and
// numeric ids across endpoints; both collapse to the same textual key.
func IDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	default:
		return fmt.Sprint(id)
	}
}

// Decode parses one raw JSON object as delivered by the API. Numbers are kept
// as json.Number so large integer ids survive the round trip to the store.
func Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected JSON object, got null")
	}
	return raw, nil
}
