package queryir

import (
	"fmt"
	"strings"
)

// Predicate represents a filter condition over a single document.
//
// This is a sealed interface - only types in this package implement it.
//
// Predicate types:
//   - Compare: field <op> literal
//   - In: field is (or is not) one of a list of literals
//   - Exists: field is present / absent
//   - Regex: string field matches a pattern
//   - And, Or: conjunction / disjunction
//   - Not: negation
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Path is a dotted field path split into its segments.
type Path []string

// String returns the dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// IsID reports whether the path addresses the top-level _id field.
func (p Path) IsID() bool {
	return len(p) == 1 && p[0] == "_id"
}

// ParsePath splits a dotted field name into a Path.
//
// Segments must be non-empty, must not start with '$' and must not contain
// a double quote or a NUL byte.
func ParsePath(field string) (Path, error) {
	if field == "" {
		return nil, fmt.Errorf("empty field name")
	}
	segments := strings.Split(field, ".")
	for _, seg := range segments {
		switch {
		case seg == "":
			return nil, fmt.Errorf("field %q has an empty path segment", field)
		case strings.HasPrefix(seg, "$"):
			return nil, fmt.Errorf("field %q: segment %q must not start with '$'", field, seg)
		case strings.ContainsAny(seg, "\"\x00"):
			return nil, fmt.Errorf("field %q: segment %q contains a forbidden character", field, seg)
		}
	}
	return Path(segments), nil
}

// Op is a comparison operator.
type Op string

// Comparison operators.
const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpGt  Op = "$gt"
	OpGte Op = "$gte"
	OpLt  Op = "$lt"
	OpLte Op = "$lte"
)

// IsOrdering reports whether the operator is one of $gt/$gte/$lt/$lte.
func (o Op) IsOrdering() bool {
	switch o {
	case OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// Compare matches documents whose field compares to Value under Op.
//
// Equality against null also matches documents where the field is missing.
// Ordering operators only accept number or string values and only match
// fields of the same kind.
type Compare struct {
	Field Path
	Op    Op
	Value any
}

func (Compare) predicateNode() {}

// In matches documents whose field equals one of Values.
// With Negate set it matches documents whose field equals none of them
// (including documents where the field is missing).
type In struct {
	Field  Path
	Values []any
	Negate bool
}

func (In) predicateNode() {}

// Exists matches documents where the field is present (Want=true) or absent.
type Exists struct {
	Field Path
	Want  bool
}

func (Exists) predicateNode() {}

// Regex matches string fields against a Go regular expression.
// Options are folded into Pattern as an inline flag group, e.g. "(?i)".
type Regex struct {
	Field   Path
	Pattern string
}

func (Regex) predicateNode() {}

// And is true when all predicates are true. An empty And matches everything.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is true when at least one predicate is true. An empty Or matches nothing.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// SortKey orders query results by one field.
type SortKey struct {
	Field      Path
	Descending bool
}
