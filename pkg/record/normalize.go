package record

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"time"
)

// Transform turns one decoded API object into a normalized Record.
type Transform func(raw map[string]any) (Record, error)

// Resolver maps a referenced id to its display name. ok is false when no
// name is known, in which case the reference keeps its raw id.
type Resolver interface {
	Lookup(kind Kind, id string) (name string, ok bool)
}

// ErrorEventPattern matches legacy error events that are dropped on import.
var ErrorEventPattern = regexp.MustCompile(`^error`)

// IsErrorEvent reports whether a normalized event is one of the reserved error events.
func IsErrorEvent(r Record) bool {
	name, _ := r["event_name"].(string)
	return ErrorEventPattern.MatchString(name)
}

// TransformFor returns the normalization transform for kind. refs is only
// consulted by the users transform and may be nil for every other kind.
func TransformFor(kind Kind, refs Resolver) (Transform, error) {
	switch kind {
	case Tags, Admins:
		return func(raw map[string]any) (Record, error) {
			return normalizeBasic(kind, raw)
		}, nil
	case Segments, Conversations:
		return func(raw map[string]any) (Record, error) {
			return normalizeTimestamped(kind, raw)
		}, nil
	case Events:
		return normalizeEvent, nil
	case Users:
		return func(raw map[string]any) (Record, error) {
			return normalizeUser(raw, refs)
		}, nil
	default:
		return nil, fmt.Errorf("no transform for kind %q", kind)
	}
}

func promoteID(kind Kind, raw map[string]any) (Record, error) {
	id, ok := raw["id"]
	if !ok || IDString(id) == "" {
		if existing, ok := raw[IDField]; ok && IDString(existing) != "" {
			return Record(raw), nil
		}
		return nil, &NormalizationError{Kind: kind, Field: "id", Err: ErrMissingID}
	}
	rec := Record(raw)
	rec[IDField] = id
	delete(rec, "id")
	return rec, nil
}

func normalizeBasic(kind Kind, raw map[string]any) (Record, error) {
	rec, err := promoteID(kind, raw)
	if err != nil {
		return nil, err
	}
	delete(rec, "type")
	return rec, nil
}

func normalizeTimestamped(kind Kind, raw map[string]any) (Record, error) {
	rec, err := normalizeBasic(kind, raw)
	if err != nil {
		return nil, err
	}
	if err := convertEpochs(kind, rec, "created_at", "updated_at"); err != nil {
		return nil, err
	}
	return rec, nil
}

func normalizeEvent(raw map[string]any) (Record, error) {
	rec, err := normalizeBasic(Events, raw)
	if err != nil {
		return nil, err
	}
	if err := convertEpochs(Events, rec, "created_at"); err != nil {
		return nil, err
	}
	delete(rec, "email")
	if uid, ok := rec["user_id"]; ok {
		rec["app_user_id"] = uid
		delete(rec, "user_id")
	}
	return rec, nil
}

var userEpochFields = []string{
	"last_request_at",
	"created_at",
	"remote_created_at",
	"signed_up_at",
	"updated_at",
}

var locationFields = []string{
	"city_name",
	"continent_code",
	"country_name",
	"latitude",
	"longitude",
	"postal_code",
	"region_name",
	"timezone",
	"country_code",
}

func normalizeUser(raw map[string]any, refs Resolver) (Record, error) {
	src, err := promoteID(Users, raw)
	if err != nil {
		return nil, err
	}

	loc, err := objectField(Users, src, "location_data")
	if err != nil {
		return nil, err
	}

	doc := Record{
		IDField:                    src[IDField],
		"app_user_id":              src["user_id"],
		"session_count":            src["session_count"],
		"user_agent_data":          src["user_agent_data"],
		"unsubscribed_from_emails": src["unsubscribed_from_emails"],
		"marked_email_as_spam":     src["marked_email_as_spam"],
		"has_hard_bounced":         src["has_hard_bounced"],
		"custom_attributes":        src["custom_attributes"],
		"coordinates":              []any{orZero(loc["longitude"]), orZero(loc["latitude"])},
	}

	for _, f := range userEpochFields {
		t, err := epochField(Users, src, f)
		if err != nil {
			return nil, err
		}
		doc[f] = t
	}

	location := make(map[string]any, len(locationFields))
	for _, f := range locationFields {
		location[f] = loc[f]
		doc[f] = loc[f]
	}
	doc["location"] = location

	tags, err := resolveRefs(src, "tags", Tags, refs)
	if err != nil {
		return nil, err
	}
	doc["tags"] = tags

	segments, err := resolveRefs(src, "segments", Segments, refs)
	if err != nil {
		return nil, err
	}
	doc["segments"] = segments

	return doc, nil
}

// resolveRefs reads the nested {"<field>": {"<field>": [{"id": ...}]}} list of
// references and maps each id through refs. Unknown ids are kept as they
// were decoded, so a numeric id stays a number.
func resolveRefs(src Record, field string, kind Kind, refs Resolver) ([]any, error) {
	outer, err := objectField(Users, src, field)
	if err != nil {
		return nil, err
	}
	items, ok := outer[field]
	if !ok || items == nil {
		return []any{}, nil
	}
	list, ok := items.([]any)
	if !ok {
		return nil, &NormalizationError{Kind: Users, Field: field, Err: fmt.Errorf("expected list, got %T", items)}
	}

	out := make([]any, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &NormalizationError{Kind: Users, Field: field, Err: fmt.Errorf("expected object, got %T", item)}
		}
		id := obj["id"]
		if refs != nil {
			if name, ok := refs.Lookup(kind, IDString(id)); ok {
				out = append(out, name)
				continue
			}
		}
		out = append(out, id)
	}
	return out, nil
}

func objectField(kind Kind, src Record, field string) (map[string]any, error) {
	v, ok := src[field]
	if !ok || v == nil {
		return map[string]any{}, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &NormalizationError{Kind: kind, Field: field, Err: fmt.Errorf("expected object, got %T", v)}
	}
	return obj, nil
}

func orZero(v any) any {
	switch n := v.(type) {
	case nil:
		return 0
	case json.Number:
		if f, err := n.Float64(); err == nil && f == 0 {
			return 0
		}
	case float64:
		if n == 0 {
			return 0
		}
	}
	return v
}

func convertEpochs(kind Kind, rec Record, fields ...string) error {
	for _, f := range fields {
		if _, ok := rec[f]; !ok {
			continue
		}
		t, err := epochField(kind, rec, f)
		if err != nil {
			return err
		}
		rec[f] = t
	}
	return nil
}

// epochField converts an epoch-seconds field to UTC time. Absent and null
// values yield nil so the stored document keeps the field empty.
func epochField(kind Kind, rec Record, field string) (any, error) {
	v, ok := rec[field]
	if !ok || v == nil {
		return nil, nil
	}
	secs, err := epochSeconds(v)
	if err != nil {
		return nil, &NormalizationError{Kind: kind, Field: field, Err: err}
	}
	return time.Unix(secs, 0).UTC(), nil
}

func epochSeconds(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimestamp, n.String())
		}
		return int64(math.Floor(f)), nil
	case float64:
		return int64(math.Floor(n)), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrInvalidTimestamp, v)
	}
}
