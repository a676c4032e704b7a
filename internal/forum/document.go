package forum

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	FieldID        = "id"
	FieldCreatedAt = "created_at"
)

// Document is the JSON object form of one entity. Numbers are held as int64 when
// integral and float64 otherwise; nested objects are map[string]any.
type Document map[string]any

// ParseDocument decodes a JSON object into a normalized Document.
func ParseDocument(raw []byte) (Document, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrInvalidDocument)
	}
	return Document(normalizeValue(object).(map[string]any)), nil
}

// MustParseDocument is ParseDocument for literals known to be valid.
func MustParseDocument(raw string) Document {
	doc, err := ParseDocument([]byte(raw))
	if err != nil {
		panic(err)
	}
	return doc
}

// EncodeDocument converts a typed entity into its Document form.
func EncodeDocument(entity any) (Document, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, err
	}
	return ParseDocument(raw)
}

// DecodeDocument converts a Document into a typed entity view.
func DecodeDocument[T any](doc Document) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return out, nil
}

// UnmarshalJSON decodes a JSON object with number normalization, so documents nested in
// wire payloads read the same as parsed ones.
func (d *Document) UnmarshalJSON(raw []byte) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		*d = nil
		return nil
	}
	doc, err := ParseDocument(raw)
	if err != nil {
		return err
	}
	*d = doc
	return nil
}

// Marshal returns the JSON encoding of the document.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(map[string]any(d))
}

// Clone returns a deep, normalized copy.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneValue(map[string]any(d)).(map[string]any))
}

// ID returns the entity identifier.
func (d Document) ID() string {
	return d.String(FieldID)
}

// CreatedAt returns the logical creation timestamp in unix milliseconds.
func (d Document) CreatedAt() int64 {
	return d.Int(FieldCreatedAt)
}

// Get resolves a dotted path such as "quests.post_count".
func (d Document) Get(path string) (any, bool) {
	segments := strings.Split(path, ".")
	var current any = map[string]any(d)
	for _, segment := range segments {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = object[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set assigns a value at a dotted path, creating intermediate objects.
func (d Document) Set(path string, value any) {
	segments := strings.Split(path, ".")
	current := map[string]any(d)
	for _, segment := range segments[:len(segments)-1] {
		next, ok := current[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			current[segment] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = normalizeValue(value)
}

// String returns the string at path or "".
func (d Document) String(path string) string {
	value, ok := d.Get(path)
	if !ok {
		return ""
	}
	text, _ := value.(string)
	return text
}

// Int returns the integer at path or 0.
func (d Document) Int(path string) int64 {
	value, ok := d.Get(path)
	if !ok {
		return 0
	}
	number, _ := asInt64(value)
	return number
}

// Bool returns the boolean at path or false.
func (d Document) Bool(path string) bool {
	value, ok := d.Get(path)
	if !ok {
		return false
	}
	flag, _ := value.(bool)
	return flag
}

// Strings returns the string list at path.
func (d Document) Strings(path string) []string {
	value, ok := d.Get(path)
	if !ok {
		return nil
	}
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...)
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if text, ok := item.(string); ok {
				out = append(out, text)
			}
		}
		return out
	default:
		return nil
	}
}

// HasString reports whether the list at path contains value.
func (d Document) HasString(path, value string) bool {
	for _, item := range d.Strings(path) {
		if item == value {
			return true
		}
	}
	return false
}

// Merge copies every top-level field of patch into a clone of d.
func (d Document) Merge(patch Document) Document {
	merged := d.Clone()
	if merged == nil {
		merged = Document{}
	}
	for key, value := range patch {
		merged[key] = cloneValue(value)
	}
	return merged
}

func asInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case float64:
		return int64(typed), true
	case json.Number:
		if number, err := typed.Int64(); err == nil {
			return number, true
		}
		if number, err := typed.Float64(); err == nil {
			return int64(number), true
		}
	}
	return 0, false
}

func cloneValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			out[key] = cloneValue(item)
		}
		return out
	case Document:
		return cloneValue(map[string]any(typed))
	case []any:
		out := make([]any, len(typed))
		for index, item := range typed {
			out[index] = cloneValue(item)
		}
		return out
	default:
		return normalizeValue(value)
	}
}

func normalizeValue(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if number, err := typed.Int64(); err == nil {
			return number
		}
		if number, err := typed.Float64(); err == nil {
			return number
		}
		return typed.String()
	case float64:
		if typed == math.Trunc(typed) && math.Abs(typed) < 1<<53 {
			return int64(typed)
		}
		return typed
	case float32:
		return normalizeValue(float64(typed))
	case int:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint32:
		return int64(typed)
	case []string:
		out := make([]any, len(typed))
		for index, item := range typed {
			out[index] = item
		}
		return out
	case Document:
		return normalizeValue(map[string]any(typed))
	case map[string]any:
		for key, item := range typed {
			typed[key] = normalizeValue(item)
		}
		return typed
	case []any:
		for index, item := range typed {
			typed[index] = normalizeValue(item)
		}
		return typed
	default:
		return value
	}
}
