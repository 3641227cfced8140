package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/sandbox"
)

// ErrorKind is the discriminant of an Error on the wire.
type ErrorKind string

const (
	KindUnknown              ErrorKind = "unknown"
	KindOpenContext          ErrorKind = "open_context"
	KindOpenDatabase         ErrorKind = "open_database"
	KindOpenFileHandle       ErrorKind = "open_file_handle"
	KindUnknownContext       ErrorKind = "unknown_context"
	KindUnknownDatabase      ErrorKind = "unknown_database"
	KindUnknownFileHandle    ErrorKind = "unknown_file_handle"
	KindUnknownTransaction   ErrorKind = "unknown_transaction"
	KindInvalidPath          ErrorKind = "invalid_path"
	KindNoAbsolutePaths      ErrorKind = "no_absolute_paths"
	KindPathEscapesContext   ErrorKind = "path_escapes_context"
	KindDatabaseError        ErrorKind = "database_error"
	KindSerializationError   ErrorKind = "serialization_error"
	KindDeserializationError ErrorKind = "deserialization_error"
	KindIOError              ErrorKind = "io_error"
	KindStringEncodingError  ErrorKind = "string_encoding_error"
	KindFilesystemError      ErrorKind = "filesystem_error"

	// KindResourceBusy rejects closing a context or database whose
	// children are still open.
	KindResourceBusy ErrorKind = "resource_busy"
)

// Filesystem operation names carried by filesystem_error.
const (
	OpCreateDirectory = "CREATE_DIRECTORY"
	OpRemoveDirectory = "REMOVE_DIRECTORY"
	OpRemoveFile      = "REMOVE_FILE"
	OpFileMetadata    = "FILE_METADATA"
	OpListDirectory   = "LIST_DIRECTORY"
)

// Error is the single error type returned by the service.
//
// Which of Name, Context, Path and Operation are meaningful depends on Kind;
// see Wire for the serialized shape.
type Error struct {
	Kind   ErrorKind
	Reason string

	Name      string
	Context   string
	Path      string
	Operation string

	// Err is the underlying cause, if any. It is not serialized.
	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindOpenContext:
		return fmt.Sprintf("failed to open context %s at %s: %s", e.Name, e.Path, e.Reason)
	case KindOpenDatabase:
		return fmt.Sprintf("failed to open database %s in context %s at %s: %s", e.Name, e.Context, e.Path, e.Reason)
	case KindOpenFileHandle:
		return fmt.Sprintf("failed to open %s in %s: %s", e.Path, e.Context, e.Reason)
	case KindFilesystemError:
		return fmt.Sprintf("filesystem operation %s failed: %s", e.Operation, e.Reason)
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Wire returns the serialized form: {"kind": ..., "reason": ...} plus the
// fields of the kind.
func (e *Error) Wire() map[string]any {
	w := map[string]any{
		"kind":   string(e.Kind),
		"reason": e.Reason,
	}
	switch e.Kind {
	case KindOpenContext:
		w["name"] = e.Name
		w["path"] = e.Path
	case KindOpenDatabase:
		w["name"] = e.Name
		w["context"] = e.Context
		w["path"] = e.Path
	case KindOpenFileHandle:
		w["path"] = e.Path
		w["context"] = e.Context
	case KindFilesystemError:
		w["operation"] = e.Operation
	}
	return w
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// NewError creates an error of a kind that carries only a reason.
func NewError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// FromError converts any error into an *Error. Sandbox rejections keep
// their kind, a finished engine transaction becomes unknown_transaction and
// anything unrecognized becomes unknown.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	var se *sandbox.Error
	if errors.As(err, &se) {
		return &Error{Kind: ErrorKind(se.Kind), Reason: se.Error(), Path: se.Path, Err: err}
	}
	if errors.Is(err, docstore.ErrTxDone) {
		return &Error{Kind: KindUnknownTransaction, Reason: "transaction has already finished", Err: err}
	}
	return &Error{Kind: KindUnknown, Reason: err.Error(), Err: err}
}

// KindOf returns the kind err would be reported as, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return FromError(err).Kind
}

// IsKind reports whether err is reported as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

func errOpenContext(name, path, reason string) error {
	return &Error{Kind: KindOpenContext, Name: name, Path: path, Reason: reason}
}

func errOpenDatabase(name, context, path string, cause error) error {
	return &Error{Kind: KindOpenDatabase, Name: name, Context: context, Path: path, Reason: reasonOf(cause), Err: cause}
}

func errOpenFileHandle(path, context string, cause error) error {
	return &Error{Kind: KindOpenFileHandle, Path: path, Context: context, Reason: reasonOf(cause), Err: cause}
}

func errUnknownContext(alias string) error {
	return &Error{Kind: KindUnknownContext, Name: alias,
		Reason: fmt.Sprintf("the requested context (%s) has not been initialized", alias)}
}

func errUnknownDatabase(alias string) error {
	return &Error{Kind: KindUnknownDatabase, Name: alias,
		Reason: fmt.Sprintf("the requested database (%s) has not been opened", alias)}
}

func errUnknownFileHandle(id string) error {
	return &Error{Kind: KindUnknownFileHandle, Name: id,
		Reason: fmt.Sprintf("the file handle with ID %s does not exist", id)}
}

func errUnknownTransaction(id string) error {
	return &Error{Kind: KindUnknownTransaction, Name: id,
		Reason: fmt.Sprintf("unknown transaction ID %s in current database", id)}
}

func errResourceBusy(format string, args ...any) error {
	return &Error{Kind: KindResourceBusy, Reason: fmt.Sprintf(format, args...)}
}

func errFilesystem(op string, cause error) error {
	return &Error{Kind: KindFilesystemError, Operation: op, Reason: reasonOf(cause), Err: cause}
}

func errFilesystemReason(op, reason string) error {
	return &Error{Kind: KindFilesystemError, Operation: op, Reason: reason}
}

func errIO(cause error) error {
	return &Error{Kind: KindIOError, Reason: reasonOf(cause), Err: cause}
}

func errStringEncoding(format string, args ...any) error {
	return &Error{Kind: KindStringEncodingError, Reason: fmt.Sprintf(format, args...)}
}

// errDatabase wraps an engine failure. Errors that already carry a kind
// pass through unchanged.
func errDatabase(cause error) error {
	var pe *Error
	if errors.As(cause, &pe) {
		return pe
	}
	if errors.Is(cause, docstore.ErrTxDone) {
		return FromError(cause)
	}
	return &Error{Kind: KindDatabaseError, Reason: cause.Error(), Err: cause}
}

// reasonOf strips the absolute path from *fs.PathError messages so reasons
// never reveal where a context lives on the host.
func reasonOf(err error) string {
	if err == nil {
		return ""
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err.Error()
	}
	return err.Error()
}

// aggregate folds several failures into one error. The kind is shared by
// all of them or unknown.
func aggregate(prefix string, errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	kind := KindOf(errs[0])
	reasons := make([]string, 0, len(errs))
	for _, err := range errs {
		if KindOf(err) != kind {
			kind = KindUnknown
		}
		reasons = append(reasons, err.Error())
	}
	switch kind {
	case KindOpenContext, KindOpenDatabase, KindOpenFileHandle, KindFilesystemError:
		kind = KindUnknown
	}
	return &Error{
		Kind:   kind,
		Reason: prefix + ": " + strings.Join(reasons, "; "),
		Err:    errors.Join(errs...),
	}
}
