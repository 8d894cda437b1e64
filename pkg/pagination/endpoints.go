package pagination

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/Sternrassler/intercom-etl/pkg/record"
)

// DefaultBaseURL is the Intercom REST API root.
const DefaultBaseURL = "https://api.intercom.io"

// CollectionDescriptor returns the seed request and continuation style for a
// top-level collection. Users are read through the scroll endpoint, every
// other collection through its list endpoint.
func CollectionDescriptor(baseURL string, kind record.Kind) (Descriptor, Style) {
	base := strings.TrimRight(baseURL, "/")
	if kind == record.Users {
		return Descriptor{URL: base + "/users/scroll", Kind: record.Users}, StyleScroll
	}
	return Descriptor{URL: base + "/" + string(kind), Kind: kind}, StyleLink
}

// UsersSince returns the user scroll seed restricted to users created in the
// last days days. Zero means no restriction.
func UsersSince(baseURL string, days int) (Descriptor, Style) {
	desc, style := CollectionDescriptor(baseURL, record.Users)
	if days > 0 {
		desc.Query = url.Values{"created_since": {strconv.Itoa(days)}}
	}
	return desc, style
}

// UserEvents returns a source over the event history of one user. Reserved
// error events are discarded.
func UserEvents(fetcher Fetcher, baseURL, userID string, transform record.Transform, opts ...Option) *Source {
	seed := Descriptor{
		URL: strings.TrimRight(baseURL, "/") + "/events",
		Query: url.Values{
			"type":             {"user"},
			"intercom_user_id": {userID},
		},
		Kind: record.Events,
	}
	opts = append(opts, WithFilter(func(r record.Record) bool {
		return !record.IsErrorEvent(r)
	}))
	return NewSource(fetcher, seed, StyleLink, transform, opts...)
}
