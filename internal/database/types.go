package database

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSON is an opaque JSON column. Empty values are stored as NULL.
type JSON []byte

// ToJSON marshals v into a JSON column value.
func ToJSON(v any) (JSON, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(JSON); ok {
		return raw, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return JSON(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return JSON(b), nil
}

// Value implements driver.Valuer.
func (j JSON) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

// Scan implements sql.Scanner.
func (j *JSON) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*j = nil
	case []byte:
		*j = append(JSON(nil), v...)
	case string:
		*j = JSON(v)
	default:
		return fmt.Errorf("scan json: unsupported type %T", src)
	}
	return nil
}

// MarshalJSON emits the raw document, or null when empty.
func (j JSON) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON stores the raw document.
func (j *JSON) UnmarshalJSON(b []byte) error {
	*j = append((*j)[:0], b...)
	return nil
}

// IsEmpty reports whether the document is absent, null, or an empty
// object/array/string.
func (j JSON) IsEmpty() bool {
	t := bytes.TrimSpace(j)
	switch string(t) {
	case "", "null", "{}", "[]", `""`:
		return true
	}
	return false
}

// Decode unmarshals the document into v. Empty documents leave v untouched.
func (j JSON) Decode(v any) error {
	if len(j) == 0 {
		return nil
	}
	return json.Unmarshal(j, v)
}

// IDs is a JSON-encoded list of row ids.
type IDs []int64

// Value implements driver.Valuer.
func (ids IDs) Value() (driver.Value, error) {
	if ids == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int64(ids))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (ids *IDs) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil || len(raw) == 0 {
		*ids = nil
		return err
	}
	var out []int64
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan ids: %w", err)
	}
	*ids = out
	return nil
}

// Contains reports whether id is in the list.
func (ids IDs) Contains(id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Strings is a JSON-encoded list of strings.
type Strings []string

// Value implements driver.Valuer.
func (s Strings) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *Strings) Scan(src any) error {
	raw, err := scanText(src)
	if err != nil || len(raw) == 0 {
		*s = nil
		return err
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan strings: %w", err)
	}
	*s = out
	return nil
}

func scanText(src any) ([]byte, error) {
	switch v := src.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("unsupported column type %T", src)
	}
}
