package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/sandbox"
)

// Context is a named sandbox root. It owns the databases and file handles
// opened beneath it.
type Context struct {
	alias string
	root  string

	databases *DatabaseRegistry
	files     *FileHandleTable
}

func (c *Context) Alias() string { return c.alias }

// Root returns the canonical absolute root directory.
func (c *Context) Root() string { return c.root }

func (c *Context) Info() ContextInfo {
	return ContextInfo{Alias: c.alias, Path: c.root}
}

func (c *Context) Databases() *DatabaseRegistry { return c.databases }
func (c *Context) Files() *FileHandleTable      { return c.files }

// Resolve maps a context-relative path to its absolute location.
func (c *Context) Resolve(path string) (string, error) {
	return sandbox.Resolve(c.root, path)
}

// seal makes the context refuse new children. It fails, leaving the
// context usable, while any database or file handle is still open.
func (c *Context) seal() error {
	if err := c.databases.seal(); err != nil {
		return err
	}
	if err := c.files.seal(); err != nil {
		c.databases.unseal()
		return err
	}
	return nil
}

func (c *Context) shutdown(ctx context.Context) error {
	return errors.Join(c.files.shutdown(), c.databases.shutdown(ctx))
}

// ContextRegistry is the process-wide table of contexts.
type ContextRegistry struct {
	mu       sync.Mutex
	contexts map[string]*Context

	engine       docstore.Engine
	ids          IDGenerator
	allowedRoots []string
	logger       *slog.Logger
}

// NewContextRegistry creates an empty registry. When allowedRoots is not
// empty, contexts may only be opened inside one of those directories.
func NewContextRegistry(engine docstore.Engine, ids IDGenerator, allowedRoots []string, logger *slog.Logger) *ContextRegistry {
	return &ContextRegistry{
		contexts:     make(map[string]*Context),
		engine:       engine,
		ids:          ids,
		allowedRoots: allowedRoots,
		logger:       logger,
	}
}

// Open registers a context rooted at path, creating the directory if
// needed. Opening an alias again at the same root returns the registered
// context; a different root is an error.
func (r *ContextRegistry) Open(alias, path string) (*Context, error) {
	alias = normalizeAlias(alias)
	if alias == "" {
		return nil, errOpenContext(alias, path, "alias must not be empty")
	}
	if path == "" {
		return nil, errOpenContext(alias, path, "path must not be empty")
	}

	r.mu.Lock()
	existing, ok := r.contexts[alias]
	r.mu.Unlock()
	if ok {
		return r.reuse(existing, alias, path)
	}

	if err := r.checkAllowed(path); err != nil {
		return nil, errOpenContext(alias, path, err.Error())
	}
	root, err := sandbox.CanonicalRoot(path)
	if err != nil {
		return nil, errOpenContext(alias, path, reasonOf(err))
	}

	c := &Context{
		alias:     alias,
		root:      root,
		databases: newDatabaseRegistry(alias, root, r.engine, r.ids, r.logger),
		files:     newFileHandleTable(alias, root, r.ids, r.logger),
	}

	r.mu.Lock()
	if winner, ok := r.contexts[alias]; ok {
		r.mu.Unlock()
		if winner.root != root {
			return nil, errOpenContext(alias, path, "Context is already open at another path.")
		}
		return winner, nil
	}
	r.contexts[alias] = c
	r.mu.Unlock()

	r.logger.Info("context opened", "context", alias, "root", root)
	return c, nil
}

// reuse checks that path names the root of an already registered context
// without creating anything on disk.
func (r *ContextRegistry) reuse(c *Context, alias, path string) (*Context, error) {
	if canonicalExisting(path) != c.root {
		return nil, errOpenContext(alias, path, "Context is already open at another path.")
	}
	return c, nil
}

// checkAllowed rejects roots outside the configured allowed roots.
func (r *ContextRegistry) checkAllowed(path string) error {
	if len(r.allowedRoots) == 0 {
		return nil
	}
	target := canonicalExisting(path)
	for _, allowed := range r.allowedRoots {
		rel, err := filepath.Rel(canonicalExisting(allowed), target)
		if err == nil && rel != ".." && !filepath.IsAbs(rel) && !hasParentPrefix(rel) {
			return nil
		}
	}
	return fmt.Errorf("path is outside the allowed roots")
}

// Get returns the context registered under alias.
func (r *ContextRegistry) Get(alias string) (*Context, error) {
	alias = normalizeAlias(alias)
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[alias]
	if !ok {
		return nil, errUnknownContext(alias)
	}
	return c, nil
}

// Close unregisters the context. It fails with resource_busy while the
// context still has open databases or file handles.
func (r *ContextRegistry) Close(alias string) error {
	alias = normalizeAlias(alias)
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[alias]
	if !ok {
		return errUnknownContext(alias)
	}
	if err := c.seal(); err != nil {
		return err
	}
	delete(r.contexts, alias)
	r.logger.Info("context closed", "context", alias)
	return nil
}

// Aliases returns the registered aliases in sorted order.
func (r *ContextRegistry) Aliases() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	aliases := make([]string, 0, len(r.contexts))
	for alias := range r.contexts {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// BasePath returns the root of the context registered under alias.
func (r *ContextRegistry) BasePath(alias string) (string, error) {
	c, err := r.Get(alias)
	if err != nil {
		return "", err
	}
	return c.root, nil
}

// AbsolutePathTo resolves a path relative to the context registered under
// alias.
func (r *ContextRegistry) AbsolutePathTo(alias, relative string) (string, error) {
	c, err := r.Get(alias)
	if err != nil {
		return "", err
	}
	return c.Resolve(relative)
}

// shutdown unregisters every context and closes everything they own. All
// failures are reported.
func (r *ContextRegistry) shutdown(ctx context.Context) error {
	r.mu.Lock()
	contexts := make([]*Context, 0, len(r.contexts))
	for _, c := range r.contexts {
		contexts = append(contexts, c)
	}
	r.contexts = make(map[string]*Context)
	r.mu.Unlock()

	sort.Slice(contexts, func(i, j int) bool { return contexts[i].alias < contexts[j].alias })

	var errs []error
	for _, c := range contexts {
		if err := c.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("context %s: %w", c.alias, err))
		}
		r.logger.Info("context closed", "context", c.alias)
	}
	return aggregate("cleanup failed", errs)
}

// canonicalExisting resolves symlinks in path when it exists and returns
// the cleaned absolute path otherwise.
func canonicalExisting(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func hasParentPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:2] == ".." && rel[2] == filepath.Separator
}
