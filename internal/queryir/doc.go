// Package queryir provides the filter intermediate representation used by
// the document store.
//
// Collection filters arrive as MongoDB-style JSON objects. Parse turns such
// an object into a tree of Predicate values; backends (see package
// querysql) compile the tree rather than the raw JSON, so every operator is
// validated exactly once and the backend only sees well-formed input.
//
// # Filter syntax
//
//	{"name": "ada"}                          literal equality
//	{"age": {"$gte": 18, "$lt": 65}}         operator document (implicit AND)
//	{"tags": {"$in": ["a", "b"]}}            membership
//	{"email": {"$exists": false}}            presence
//	{"name": {"$regex": "^a", "$options": "i"}}
//	{"$or": [{"a": 1}, {"b": 2}]}            logical combinators ($and, $or, $nor)
//	{"age": {"$not": {"$gt": 10}}}           negated operator document
//
// Field names are dotted paths into nested objects ("address.city").
// Path segments address object keys only; array elements are not
// addressable by position and array fields are not matched element-wise.
//
// # Sealed interfaces
//
// Predicate is a sealed interface using the marker method pattern. Only
// types in this package implement it, which lets compilers use exhaustive
// type switches.
//
// # Determinism
//
// Parse visits object keys in sorted order, so the same filter always
// produces the same tree and therefore the same compiled SQL text.
package queryir
