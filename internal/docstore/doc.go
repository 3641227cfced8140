// Package docstore is an embedded document database on top of SQLite.
//
// The package exposes a small capability interface (Engine, Database,
// Transaction, Collection) and one implementation, SQLiteEngine. Callers
// depend on the interfaces only, so the engine can be replaced without
// touching them.
//
// # Storage layout
//
// Each database is one SQLite file. Each collection is a table named
// "coll:<name>" with two columns:
//
//	id   TEXT PRIMARY KEY   canonical JSON of the document's _id
//	doc  TEXT               the whole document as JSON
//
// Collections are created on first write and reads against a missing
// collection behave as if it were empty. Natural order is insertion order
// (rowid). Indexes are SQLite expression indexes over json_extract.
//
// The file format version is tracked in PRAGMA user_version together with
// an application_id; files from a newer format are refused.
//
// # Queries and updates
//
// Filters use MongoDB-style syntax (see package queryir) and are compiled
// to SQL by package querysql. Updates are applied in Go with the operators
// $set $unset $inc $mul $min $max $rename $push $addToSet $pull $pop.
//
// # Transactions
//
// Database.Begin pins a pooled connection and issues BEGIN DEFERRED. Writes
// outside transactions run in short BEGIN IMMEDIATE transactions; writers
// wait up to the busy timeout for each other and then fail. Every write
// inside a transaction runs in a savepoint, so a failed operation never
// leaves partial changes behind.
package docstore
