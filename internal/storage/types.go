package storage

import (
	"fmt"
	"maps"
)

// IDField is the identifier field shared by both stores.
const IDField = "_id"

// Document is an opaque record of one collection. Only the identifier is
// interpreted by this package.
type Document map[string]any

// ID returns the raw identifier value, or nil when the document has none.
func (d Document) ID() any {
	if d == nil {
		return nil
	}
	return d[IDField]
}

// Key returns the identifier rendered as a string. Two documents describe the
// same logical entity when their keys are equal.
func (d Document) Key() string {
	return IDKey(d.ID())
}

// Clone returns a shallow copy. Nested values are shared and treated as
// read-only by callers.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return maps.Clone(d)
}

// String returns the field as a string, or "" when it is missing or not a string.
func (d Document) String(field string) string {
	value, ok := d[field].(string)
	if !ok {
		return ""
	}
	return value
}

// IDKey renders an identifier value the way Key does.
func IDKey(id any) string {
	switch value := id.(type) {
	case nil:
		return ""
	case string:
		return value
	case interface{ Hex() string }:
		return value.Hex()
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}
