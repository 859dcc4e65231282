package cms

import (
	"strings"

	"github.com/tidwall/gjson"
)

// textKeys is the lookup order for structured values, matching how the
// hosting platform serializes connection and choice fields.
var textKeys = []string{"identifier", "name", "text", "label", "value"}

// Normalize reduces any JSON value to a single display string. Arrays yield
// their first element, objects the first non-empty of textKeys, and objects
// without any of those keys their compact JSON text. Null is "".
func Normalize(value gjson.Result) string {
	switch value.Type {
	case gjson.Null:
		return ""
	case gjson.String:
		return strings.TrimSpace(value.Str)
	case gjson.Number, gjson.True, gjson.False:
		return strings.TrimSpace(value.Raw)
	}

	if value.IsArray() {
		items := value.Array()
		if len(items) == 0 {
			return ""
		}
		return Normalize(items[0])
	}
	if value.IsObject() {
		for _, key := range textKeys {
			if text := Normalize(value.Get(key)); text != "" {
				return text
			}
		}
		return gjson.Get(value.Raw, "@ugly").Raw
	}
	return strings.TrimSpace(value.String())
}

// NormalizeField normalizes one top-level field of a raw JSON document.
func NormalizeField(raw []byte, field string) string {
	return Normalize(gjson.GetBytes(raw, gjson.Escape(field)))
}

// FirstField returns the first non-empty normalized value among fields.
func FirstField(raw []byte, fields ...string) string {
	for _, field := range fields {
		if text := NormalizeField(raw, field); text != "" {
			return text
		}
	}
	return ""
}
