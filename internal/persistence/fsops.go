package persistence

import (
	"errors"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/roach88/persistd/internal/sandbox"
)

// File types reported by FileMetadata.
const (
	FileTypeFile      = "file"
	FileTypeDirectory = "directory"
	FileTypeSymlink   = "symlink"
)

// Media types for entries the extension table cannot name.
const (
	mediaTypeDirectory = "inode/directory"
	mediaTypeSymlink   = "inode/symlink"
	mediaTypeDefault   = "application/octet-stream"
)

// PathMetadata describes a filesystem entry. Timestamps are nil when the
// platform cannot report them.
type PathMetadata struct {
	FileType     string     `json:"file_type"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"last_modified"`
	LastAccessed *time.Time `json:"last_accessed"`
	Created      *time.Time `json:"created"`
}

// PathInformation is one entry of a directory listing.
type PathInformation struct {
	FileName     string `json:"file_name"`
	AbsolutePath string `json:"absolute_path"`
	MediaType    string `json:"media_type"`
}

// CreateDirectory creates the directory at path, and its missing parents
// when parents is set.
func (c *Context) CreateDirectory(path string, parents bool) error {
	resolved, err := sandbox.Resolve(c.root, path)
	if err != nil {
		return err
	}
	if parents {
		err = os.MkdirAll(resolved, 0o755)
	} else {
		err = os.Mkdir(resolved, 0o755)
	}
	if err != nil {
		return errFilesystem(OpCreateDirectory, err)
	}
	return nil
}

// RemoveDirectory removes the directory at path with everything in it.
// The context root itself cannot be removed.
func (c *Context) RemoveDirectory(path string) error {
	resolved, err := sandbox.ResolveEntry(c.root, path)
	if err != nil {
		return err
	}
	if resolved == c.root {
		return errFilesystemReason(OpRemoveDirectory, "The context root cannot be removed.")
	}
	info, err := os.Lstat(resolved)
	if err != nil || !info.IsDir() {
		return errFilesystemReason(OpRemoveDirectory, "Specified path is not a directory or does not exist.")
	}
	if err := os.RemoveAll(resolved); err != nil {
		return errFilesystem(OpRemoveDirectory, err)
	}
	return nil
}

// RemoveFile removes the file or symlink at path.
func (c *Context) RemoveFile(path string) error {
	resolved, err := sandbox.ResolveEntry(c.root, path)
	if err != nil {
		return err
	}
	info, err := os.Lstat(resolved)
	if err != nil || info.IsDir() {
		return errFilesystemReason(OpRemoveFile, "Specified path is not a file or does not exist.")
	}
	if err := os.Remove(resolved); err != nil {
		return errFilesystem(OpRemoveFile, err)
	}
	return nil
}

// FileMetadata describes the entry at path without following a final
// symlink.
func (c *Context) FileMetadata(path string) (PathMetadata, error) {
	resolved, err := sandbox.ResolveEntry(c.root, path)
	if err != nil {
		return PathMetadata{}, err
	}
	info, err := os.Lstat(resolved)
	if err != nil {
		return PathMetadata{}, errFilesystem(OpFileMetadata, err)
	}

	modified := info.ModTime().UTC()
	meta := PathMetadata{
		FileType:     fileType(info.Mode()),
		Size:         info.Size(),
		LastModified: &modified,
	}
	if times := statTimes(resolved); times != nil {
		meta.LastAccessed = times.accessed
		meta.Created = times.created
	}
	return meta, nil
}

// ListDirectory lists the entries of the directory at path, sorted by name.
func (c *Context) ListDirectory(path string) ([]PathInformation, error) {
	resolved, err := sandbox.Resolve(c.root, path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && errors.Is(pathErr.Err, fs.ErrNotExist) {
			return nil, errFilesystemReason(OpListDirectory, "Specified path is not a directory or does not exist.")
		}
		return nil, errFilesystem(OpListDirectory, err)
	}

	infos := make([]PathInformation, 0, len(entries))
	for _, entry := range entries {
		infos = append(infos, PathInformation{
			FileName:     entry.Name(),
			AbsolutePath: filepath.Join(resolved, entry.Name()),
			MediaType:    mediaType(entry.Name(), entry.Type()),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].FileName < infos[j].FileName })
	return infos, nil
}

func fileType(mode fs.FileMode) string {
	switch {
	case mode&fs.ModeSymlink != 0:
		return FileTypeSymlink
	case mode.IsDir():
		return FileTypeDirectory
	}
	return FileTypeFile
}

func mediaType(name string, mode fs.FileMode) string {
	switch {
	case mode&fs.ModeSymlink != 0:
		return mediaTypeSymlink
	case mode.IsDir():
		return mediaTypeDirectory
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return mediaTypeDefault
}

// entryTimes holds the timestamps os.FileInfo does not carry portably.
type entryTimes struct {
	accessed *time.Time
	created  *time.Time
}
