package persistence

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/roach88/persistd/internal/sandbox"
)

// FileHandle is an open file inside a context.
//
// All operations on one handle are serialized by mu. file is nil once the
// handle is closed, so an operation that was waiting on mu during Close
// fails with unknown_file_handle.
type FileHandle struct {
	id   string
	path string
	mode FileMode

	mu   sync.Mutex
	file *os.File
}

func (h *FileHandle) ID() string     { return h.id }
func (h *FileHandle) Path() string   { return h.path }
func (h *FileHandle) Mode() FileMode { return h.mode }

func (h *FileHandle) Info() FileHandleInfo {
	return FileHandleInfo{ID: h.id, Path: h.path, Mode: h.mode}
}

// WriteText writes s at the current position (at the end of the file for
// appending handles).
func (h *FileHandle) WriteText(s string) error {
	return h.WriteBytes([]byte(s))
}

func (h *FileHandle) WriteBytes(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return errUnknownFileHandle(h.id)
	}
	if !h.mode.Writable() {
		return errIO(fmt.Errorf("file handle %s was opened read-only", h.id))
	}
	if _, err := h.file.Write(data); err != nil {
		return errIO(err)
	}
	return nil
}

// ReadBytes reads up to limit bytes from the current position, or everything
// that is left when limit is nil.
func (h *FileHandle) ReadBytes(limit *int) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return nil, errUnknownFileHandle(h.id)
	}
	if limit == nil {
		data, err := io.ReadAll(h.file)
		if err != nil {
			return nil, errIO(err)
		}
		return data, nil
	}
	if *limit < 0 {
		return nil, errIO(errors.New("size must not be negative"))
	}
	data, err := io.ReadAll(io.LimitReader(h.file, int64(*limit)))
	if err != nil {
		return nil, errIO(err)
	}
	return data, nil
}

// ReadText reads up to limit characters from the current position, or
// everything that is left when limit is nil. Invalid UTF-8 leaves the
// position where the read started.
func (h *FileHandle) ReadText(limit *int) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return "", errUnknownFileHandle(h.id)
	}
	if limit != nil && *limit < 0 {
		return "", errIO(errors.New("size must not be negative"))
	}

	start, err := h.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return "", errIO(err)
	}

	if limit == nil {
		data, err := io.ReadAll(h.file)
		if err != nil {
			return "", errIO(err)
		}
		if !utf8.Valid(data) {
			return "", h.rewind(start, len(data))
		}
		return string(data), nil
	}

	// A character takes at most utf8.UTFMax bytes, so this many bytes hold
	// limit characters unless the file ends first.
	budget := int64(math.MaxInt64)
	if int64(*limit) <= math.MaxInt64/utf8.UTFMax {
		budget = int64(*limit) * utf8.UTFMax
	}
	data, err := io.ReadAll(io.LimitReader(h.file, budget))
	if err != nil {
		return "", errIO(err)
	}
	n := len(data)

	used, chars := 0, 0
	for chars < *limit && used < len(data) {
		r, size := utf8.DecodeRune(data[used:])
		if r == utf8.RuneError && size <= 1 {
			return "", h.rewind(start, n)
		}
		used += size
		chars++
	}

	if _, err := h.file.Seek(start+int64(used), io.SeekStart); err != nil {
		return "", errIO(err)
	}
	return string(data[:used]), nil
}

func (h *FileHandle) rewind(start int64, read int) error {
	if _, err := h.file.Seek(start, io.SeekStart); err != nil {
		return errIO(err)
	}
	return errStringEncoding("%d bytes read from %s are not valid UTF-8", read, h.path)
}

func (h *FileHandle) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.file == nil {
		return errUnknownFileHandle(h.id)
	}
	err := h.file.Close()
	h.file = nil
	if err != nil {
		return errIO(err)
	}
	return nil
}

// FileHandleTable holds the file handles opened inside one context.
type FileHandleTable struct {
	mu      sync.Mutex
	handles map[string]*FileHandle
	sealed  bool

	context string
	root    string
	ids     IDGenerator
	logger  *slog.Logger
}

func newFileHandleTable(context, root string, ids IDGenerator, logger *slog.Logger) *FileHandleTable {
	return &FileHandleTable{
		handles: make(map[string]*FileHandle),
		context: context,
		root:    root,
		ids:     ids,
		logger:  logger,
	}
}

// Open opens the file at the context-relative path and registers a new
// handle for it.
func (t *FileHandleTable) Open(path string, mode FileMode) (*FileHandle, error) {
	resolved, err := sandbox.Resolve(t.root, path)
	if err != nil {
		return nil, err
	}
	flags, err := mode.flags()
	if err != nil {
		return nil, errOpenFileHandle(path, t.context, err)
	}

	if mode.Kind == ModeCreate {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return nil, errOpenFileHandle(path, t.context, err)
		}
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return nil, errOpenFileHandle(path, t.context, err)
	}
	if info, err := f.Stat(); err != nil || info.IsDir() {
		f.Close()
		if err == nil {
			err = errors.New("Specified path is a directory.")
		}
		return nil, errOpenFileHandle(path, t.context, err)
	}

	t.mu.Lock()
	if t.sealed {
		t.mu.Unlock()
		f.Close()
		return nil, errUnknownContext(t.context)
	}
	id, ok := uniqueID(t.ids, func(id string) bool {
		_, taken := t.handles[id]
		return taken
	})
	if !ok {
		t.mu.Unlock()
		f.Close()
		return nil, NewError(KindUnknown, "could not generate a unique file handle id")
	}
	h := &FileHandle{id: id, path: path, mode: mode, file: f}
	t.handles[id] = h
	t.mu.Unlock()

	t.logger.Debug("file opened", "context", t.context, "id", id, "path", path, "mode", mode.Kind)
	return h, nil
}

// Get returns the live handle with the given id.
func (t *FileHandleTable) Get(id string) (*FileHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return nil, errUnknownContext(t.context)
	}
	h, ok := t.handles[id]
	if !ok {
		return nil, errUnknownFileHandle(id)
	}
	return h, nil
}

// Close invalidates the id and closes the file.
func (t *FileHandleTable) Close(id string) error {
	t.mu.Lock()
	h, ok := t.handles[id]
	delete(t.handles, id)
	t.mu.Unlock()

	if !ok {
		return errUnknownFileHandle(id)
	}
	t.logger.Debug("file closed", "context", t.context, "id", id)
	return h.close()
}

// IDs returns the live handle ids in sorted order.
func (t *FileHandleTable) IDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.handles))
	for id := range t.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *FileHandleTable) seal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.handles); n > 0 {
		return errResourceBusy("context %s still has %d open file handle(s)", t.context, n)
	}
	t.sealed = true
	return nil
}

func (t *FileHandleTable) unseal() {
	t.mu.Lock()
	t.sealed = false
	t.mu.Unlock()
}

// shutdown seals the table and closes every handle.
func (t *FileHandleTable) shutdown() error {
	t.mu.Lock()
	t.sealed = true
	handles := make([]*FileHandle, 0, len(t.handles))
	for _, h := range t.handles {
		handles = append(handles, h)
	}
	t.handles = make(map[string]*FileHandle)
	t.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool { return handles[i].id < handles[j].id })

	var errs []error
	for _, h := range handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("close file handle %s: %w", h.id, err))
		}
	}
	return errors.Join(errs...)
}
