package bucket

import (
	"encoding/json"
	"fmt"
	"strings"
)

// arrayDelim separates elements of an array-valued indexed field when stored
// as a scalar. An empty array round-trips as the delimiter alone.
const arrayDelim = "|"

// encodeArrays rewrites array-valued indexed fields of a JSON document into
// their delimited scalar form. Buckets without array fields pass through
// untouched.
func encodeArrays(schema Schema, value json.RawMessage) (json.RawMessage, error) {
	if !hasArrayFields(schema) {
		return value, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, fmt.Errorf("bucket %q: %w", schema.Name, err)
	}

	for _, f := range schema.Fields {
		if f.Type != FieldStringArray {
			continue
		}
		raw, ok := doc[f.Name]
		if !ok {
			continue
		}
		arr, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("bucket %q: field %q is not an array", schema.Name, f.Name)
		}
		elems := make([]string, 0, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("bucket %q: field %q has a non-string element", schema.Name, f.Name)
			}
			if strings.Contains(s, arrayDelim) {
				return nil, fmt.Errorf("bucket %q: field %q element contains the %q delimiter", schema.Name, f.Name, arrayDelim)
			}
			elems = append(elems, s)
		}
		if len(elems) == 0 {
			doc[f.Name] = arrayDelim
		} else {
			doc[f.Name] = arrayDelim + strings.Join(elems, arrayDelim) + arrayDelim
		}
	}

	return json.Marshal(doc)
}

// decodeArrays is the inverse of encodeArrays.
func decodeArrays(schema Schema, value json.RawMessage) (json.RawMessage, error) {
	if !hasArrayFields(schema) {
		return value, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, fmt.Errorf("bucket %q: %w", schema.Name, err)
	}

	for _, f := range schema.Fields {
		if f.Type != FieldStringArray {
			continue
		}
		raw, ok := doc[f.Name]
		if !ok {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			// Already in array form; tolerate records written before the
			// field was indexed.
			continue
		}
		trimmed := strings.Trim(s, arrayDelim)
		if trimmed == "" {
			doc[f.Name] = []string{}
		} else {
			doc[f.Name] = strings.Split(trimmed, arrayDelim)
		}
	}

	return json.Marshal(doc)
}

func hasArrayFields(schema Schema) bool {
	for _, f := range schema.Fields {
		if f.Type == FieldStringArray {
			return true
		}
	}
	return false
}
