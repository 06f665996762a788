package bucket

import "fmt"

// Op is a filter comparison operator.
type Op int

const (
	// OpEq matches records whose field equals the value. For array fields it
	// matches records whose array contains the value.
	OpEq Op = iota

	// OpNe matches records whose field differs from the value.
	OpNe

	// OpPresent matches records that carry the field at all; the clause
	// value is ignored.
	OpPresent
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "eq"
	case OpNe:
		return "ne"
	case OpPresent:
		return "present"
	default:
		return "unknown"
	}
}

// Clause is one field/operator/value predicate.
type Clause struct {
	Field string
	Op    Op
	Value string
}

// Filter is a conjunction of clauses over indexed fields. Build one with
// Where and And; it is validated against the bucket schema before use, so a
// clause on a non-indexed field fails loudly instead of silently matching
// nothing.
type Filter struct {
	clauses []Clause
}

// Where starts a filter with a single clause.
func Where(field string, op Op, value string) *Filter {
	return &Filter{clauses: []Clause{{Field: field, Op: op, Value: value}}}
}

// And appends a clause and returns the filter for chaining.
func (f *Filter) And(field string, op Op, value string) *Filter {
	f.clauses = append(f.clauses, Clause{Field: field, Op: op, Value: value})
	return f
}

// Clauses returns the filter's clauses in insertion order.
func (f *Filter) Clauses() []Clause {
	if f == nil {
		return nil
	}
	return f.clauses
}

// Validate checks every clause against the schema's declared index fields.
func (f *Filter) Validate(schema Schema) error {
	if f == nil {
		return nil
	}
	for _, c := range f.clauses {
		if _, ok := schema.Field(c.Field); !ok {
			return fmt.Errorf("%w: %q in bucket %q", ErrNotIndexed, c.Field, schema.Name)
		}
	}
	return nil
}
