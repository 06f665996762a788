package bucket

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// The helpers here evaluate filters, sorting, and paging over the encoded
// (scalar-array) document form. Key/value engines without a server-side
// query language — the in-memory, file, and Vault KV backends — share them;
// this is where the structured filter is "translated" for those engines.

func matches(schema Schema, filter *Filter, encoded json.RawMessage) (bool, error) {
	if filter == nil || len(filter.Clauses()) == 0 {
		return true, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return false, err
	}

	for _, c := range filter.Clauses() {
		field, _ := schema.Field(c.Field)
		raw, present := doc[c.Field]
		switch c.Op {
		case OpPresent:
			if !present || raw == nil {
				return false, nil
			}
		case OpEq:
			if !present {
				return false, nil
			}
			if !fieldEquals(field, raw, c.Value) {
				return false, nil
			}
		case OpNe:
			if present && fieldEquals(field, raw, c.Value) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("bucket %q: unsupported operator %v", schema.Name, c.Op)
		}
	}
	return true, nil
}

func fieldEquals(field Field, raw any, want string) bool {
	switch field.Type {
	case FieldStringArray:
		s, ok := raw.(string)
		if !ok {
			return false
		}
		// Stored form is |a|b|; membership is a delimited substring match.
		return strings.Contains(s, arrayDelim+want+arrayDelim)
	default:
		return scalarString(raw) == want
	}
}

func scalarString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		// JSON numbers; format without exponent for index comparison.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// sortAndPage orders items and applies limit/offset defaults.
func sortAndPage(schema Schema, items []Item, opts ListOptions) []Item {
	field := opts.Sort
	descending := strings.HasPrefix(field, "-")
	field = strings.TrimPrefix(field, "-")

	sort.Slice(items, func(i, j int) bool {
		var less bool
		if field == "" {
			less = items[i].Key < items[j].Key
		} else {
			less = sortValue(items[i], field) < sortValue(items[j], field)
		}
		if descending {
			return !less
		}
		return less
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	offset := opts.Offset
	if offset < 0 {
		offset = DefaultOffset
	}

	if offset >= len(items) {
		return []Item{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func sortValue(it Item, field string) string {
	var doc map[string]any
	if err := json.Unmarshal(it.Value, &doc); err != nil {
		return ""
	}
	return scalarString(doc[field])
}
