// Package pagination turns a paginated Intercom endpoint into a single lazy
// sequence of normalized records.
//
// Intercom exposes two continuation styles. List endpoints return a
// pages.next link that is followed verbatim until it disappears. The users
// scroll endpoint returns an opaque scroll_param token instead; the original
// request is re-issued with the token attached, and the sequence ends on the
// first page that carries no records, whatever the token says.
//
// Example usage:
//
//	seed, style := pagination.CollectionDescriptor(baseURL, record.Tags)
//	transform, _ := record.TransformFor(record.Tags, nil)
//	src := pagination.NewSource(intercomClient, seed, style, transform)
//	for rec, err := range src.Records(ctx) {
//		if err != nil {
//			return err // *FetchError, *ProtocolError or *record.NormalizationError
//		}
//		sink.Accept(rec)
//	}
//
// The source:
//   - Issues exactly one request per page, each with its own deadline
//   - Normalizes a whole page before emitting any of it
//   - Emits records in page order, then array order
//   - Ends with an error pair when a page fails, never silently
package pagination
