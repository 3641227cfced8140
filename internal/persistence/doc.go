// Package persistence gives callers named, sandboxed access to document
// databases and files.
//
// State is a tree of registries owned by a Service:
//
//	ContextRegistry            alias -> Context (sandbox root)
//	  Context.Databases()      alias -> Database
//	    Database.Transactions() id   -> engine transaction
//	  Context.Files()          id    -> FileHandle
//
// Every operation names its resources with specifiers. OpenContext,
// OpenDatabase and OpenFile create the resource (or reuse it when the
// alias is already registered at the same location); GetContext,
// GetDatabase and GetFile only look it up and never create state.
// Resolution always runs context, then database, then collection or file
// handle, and stops at the first failure.
//
// Every caller-supplied path goes through package sandbox before the disk
// is touched.
//
// # Concurrency
//
// Registries are guarded by their own mutexes, which are never held across
// filesystem or engine calls: an open does its I/O first and then inserts
// under the lock, and a racing open of the same alias either reuses the
// winner's entry or fails. Each file handle serializes its own reads and
// writes. Collection operations are not serialized here; isolation between
// transactions is left to the engine.
//
// Closing a context or database fails with resource_busy while it still
// owns open children. Service.Cleanup is the only operation that closes
// children on the caller's behalf.
//
// # Errors
//
// All errors returned by Service are *Error values carrying an ErrorKind;
// see Error.Wire for their serialized form.
package persistence
