package persistence

import (
	"encoding/json"
	"fmt"
	"os"
)

// ContextSpecifier selects a context: OpenContext opens (or reuses) it at a
// location, GetContext only looks it up.
type ContextSpecifier interface {
	contextSpecifier()
}

type OpenContext struct {
	Alias string
	Path  string
}

type GetContext struct {
	Alias string
}

func (OpenContext) contextSpecifier() {}
func (GetContext) contextSpecifier()  {}

// DatabaseSpecifier selects a database inside a context.
type DatabaseSpecifier interface {
	databaseSpecifier()
}

type OpenDatabase struct {
	Alias string
	Path  string
}

type GetDatabase struct {
	Alias string
}

func (OpenDatabase) databaseSpecifier() {}
func (GetDatabase) databaseSpecifier()  {}

// FileHandleSpecifier selects a file handle: OpenFile opens a new handle,
// GetFile names a live one.
type FileHandleSpecifier interface {
	fileHandleSpecifier()
}

type OpenFile struct {
	Path string
	Mode FileMode
}

type GetFile struct {
	ID string
}

func (OpenFile) fileHandleSpecifier() {}
func (GetFile) fileHandleSpecifier()  {}

// CollectionSpecifier names a collection, optionally scoped to a live
// transaction.
type CollectionSpecifier struct {
	Name        string
	Transaction string // empty outside a transaction
}

// ContextInfo describes a context.
type ContextInfo struct {
	Alias string `json:"alias"`
	Path  string `json:"path"`
}

// DatabaseInfo describes a database; Path is context-relative.
type DatabaseInfo struct {
	Alias string `json:"alias"`
	Path  string `json:"path"`
}

// FileHandleInfo describes an open file handle; Path is context-relative.
type FileHandleInfo struct {
	ID   string   `json:"id"`
	Path string   `json:"path"`
	Mode FileMode `json:"mode"`
}

// ModeKind is the open mode of a file handle.
type ModeKind string

const (
	ModeCreate ModeKind = "create"
	ModeWrite  ModeKind = "write"
	ModeRead   ModeKind = "read"
)

// FileMode is how a file handle is opened.
//
//	create{new, overwrite}  create if missing; new && !overwrite requires
//	                        that the file does not exist; overwrite truncates
//	write{overwrite}        existing file; overwrite truncates, otherwise
//	                        writes append
//	read                    existing file, read only
type FileMode struct {
	Kind      ModeKind
	New       bool
	Overwrite bool
}

func CreateMode(isNew, overwrite bool) FileMode {
	return FileMode{Kind: ModeCreate, New: isNew, Overwrite: overwrite}
}

func WriteMode(overwrite bool) FileMode {
	return FileMode{Kind: ModeWrite, Overwrite: overwrite}
}

func ReadMode() FileMode {
	return FileMode{Kind: ModeRead}
}

// Writable reports whether handles opened with the mode accept writes.
func (m FileMode) Writable() bool {
	return m.Kind == ModeCreate || m.Kind == ModeWrite
}

func (m FileMode) flags() (int, error) {
	switch m.Kind {
	case ModeCreate:
		flags := os.O_RDWR | os.O_CREATE
		if m.New && !m.Overwrite {
			flags |= os.O_EXCL
		}
		if m.Overwrite {
			flags |= os.O_TRUNC
		}
		return flags, nil
	case ModeWrite:
		if m.Overwrite {
			return os.O_RDWR | os.O_TRUNC, nil
		}
		return os.O_RDWR | os.O_APPEND, nil
	case ModeRead:
		return os.O_RDONLY, nil
	}
	return 0, fmt.Errorf("unknown file mode %q", m.Kind)
}

type createModeJSON struct {
	Mode      ModeKind `json:"mode"`
	New       bool     `json:"new"`
	Overwrite bool     `json:"overwrite"`
}

type writeModeJSON struct {
	Mode      ModeKind `json:"mode"`
	Overwrite bool     `json:"overwrite"`
}

type readModeJSON struct {
	Mode ModeKind `json:"mode"`
}

func (m FileMode) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case ModeCreate:
		return json.Marshal(createModeJSON{Mode: m.Kind, New: m.New, Overwrite: m.Overwrite})
	case ModeWrite:
		return json.Marshal(writeModeJSON{Mode: m.Kind, Overwrite: m.Overwrite})
	case ModeRead:
		return json.Marshal(readModeJSON{Mode: m.Kind})
	}
	return nil, fmt.Errorf("unknown file mode %q", m.Kind)
}

func (m *FileMode) UnmarshalJSON(data []byte) error {
	var raw struct {
		Mode      ModeKind `json:"mode"`
		New       *bool    `json:"new"`
		Overwrite *bool    `json:"overwrite"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	flag := func(name string, v *bool) (bool, error) {
		if v == nil {
			return false, fmt.Errorf("%s mode requires %q", raw.Mode, name)
		}
		return *v, nil
	}

	switch raw.Mode {
	case ModeCreate:
		isNew, err := flag("new", raw.New)
		if err != nil {
			return err
		}
		overwrite, err := flag("overwrite", raw.Overwrite)
		if err != nil {
			return err
		}
		*m = CreateMode(isNew, overwrite)
	case ModeWrite:
		overwrite, err := flag("overwrite", raw.Overwrite)
		if err != nil {
			return err
		}
		*m = WriteMode(overwrite)
	case ModeRead:
		*m = ReadMode()
	default:
		return fmt.Errorf("unknown file mode %q", raw.Mode)
	}
	return nil
}

// OperationCount selects whether an update or delete touches one matching
// document or all of them.
type OperationCount string

const (
	OperationsOne  OperationCount = "one"
	OperationsMany OperationCount = "many"
)

func (o *OperationCount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch OperationCount(s) {
	case OperationsOne, OperationsMany:
		*o = OperationCount(s)
		return nil
	}
	return fmt.Errorf("operations must be %q or %q, got %q", OperationsOne, OperationsMany, s)
}
