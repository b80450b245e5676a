// helpers.go holds small scanning and JSONB helpers shared by the repositories.
package repositories

import (
	"encoding/json"
	"fmt"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// marshalStrings encodes a string slice for a JSONB column, never producing null.
func marshalStrings(values []string) ([]byte, error) {
	if values == nil {
		values = []string{}
	}
	return json.Marshal(values)
}

// unmarshalStrings decodes a JSONB array column; NULL decodes to an empty slice.
func unmarshalStrings(data []byte) ([]string, error) {
	out := []string{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode string array: %w", err)
	}
	return out, nil
}

// marshalMap encodes a map for a JSONB column, never producing null.
func marshalMap(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		m = map[string]interface{}{}
	}
	return json.Marshal(m)
}

// unmarshalMap decodes a JSONB object column; NULL decodes to an empty map.
func unmarshalMap(data []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode object: %w", err)
	}
	return out, nil
}
