package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobeaver/carvekit"
)

// Adapter provides a local filesystem implementation of carvekit.FileSystem.
// Paths are slash-separated and relative to the root.
type Adapter struct {
	root string
}

// New creates a new local filesystem adapter
func New(root string) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	// Ensure the root directory exists
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, err
	}

	return &Adapter{
		root: absRoot,
	}, nil
}

// Root returns the absolute root directory.
func (a *Adapter) Root() string {
	return a.root
}

// resolve maps a relative path to an absolute path under the root.
func (a *Adapter) resolve(op, path string) (string, error) {
	fullPath := filepath.Join(a.root, filepath.FromSlash(path))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", &carvekit.PathError{Op: op, Path: path, Err: carvekit.ErrNotAllowed}
	}
	return fullPath, nil
}

// relative maps an absolute path under the root back to a slash path.
func (a *Adapter) relative(fullPath string) (string, error) {
	rel, err := filepath.Rel(a.root, fullPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return "", nil
	}
	return filepath.ToSlash(rel), nil
}

// Write implements carvekit.FileWriter. Without WithOverwrite(true) an
// existing file is left untouched and ErrExist is returned.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, options ...carvekit.Option) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("write", path)
	if err != nil {
		return err
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return &carvekit.PathError{
			Op:   "write",
			Path: path,
			Err:  err,
		}
	}

	opts := carvekit.ApplyOptions(options...)
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !opts.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	f, err := os.OpenFile(fullPath, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return &carvekit.PathError{
				Op:   "write",
				Path: path,
				Err:  carvekit.ErrExist,
			}
		}
		return &carvekit.PathError{
			Op:   "write",
			Path: path,
			Err:  err,
		}
	}

	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return &carvekit.PathError{
			Op:   "write",
			Path: path,
			Err:  err,
		}
	}

	if err := f.Close(); err != nil {
		return &carvekit.PathError{
			Op:   "write",
			Path: path,
			Err:  err,
		}
	}

	return nil
}

// Read implements carvekit.FileReader
func (a *Adapter) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("read", path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &carvekit.PathError{
				Op:   "read",
				Path: path,
				Err:  carvekit.ErrNotExist,
			}
		}
		return nil, &carvekit.PathError{
			Op:   "read",
			Path: path,
			Err:  err,
		}
	}

	return f, nil
}

// ReadAll implements carvekit.FileReader
func (a *Adapter) ReadAll(ctx context.Context, path string) ([]byte, error) {
	rc, err := a.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}

// Delete implements carvekit.FileWriter
func (a *Adapter) Delete(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("delete", path)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return &carvekit.PathError{
				Op:   "delete",
				Path: path,
				Err:  carvekit.ErrNotExist,
			}
		}
		return &carvekit.PathError{
			Op:   "delete",
			Path: path,
			Err:  err,
		}
	}

	return nil
}

// FileExists implements carvekit.FileReader
func (a *Adapter) FileExists(ctx context.Context, path string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("fileexists", path)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &carvekit.PathError{
			Op:   "fileexists",
			Path: path,
			Err:  err,
		}
	}

	return !info.IsDir(), nil
}

// DirExists implements carvekit.FileReader
func (a *Adapter) DirExists(ctx context.Context, path string) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("direxists", path)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &carvekit.PathError{
			Op:   "direxists",
			Path: path,
			Err:  err,
		}
	}

	return info.IsDir(), nil
}

// Stat implements carvekit.FileReader
func (a *Adapter) Stat(ctx context.Context, path string) (*carvekit.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("stat", path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &carvekit.PathError{
				Op:   "stat",
				Path: path,
				Err:  carvekit.ErrNotExist,
			}
		}
		return nil, &carvekit.PathError{
			Op:   "stat",
			Path: path,
			Err:  err,
		}
	}

	rel, _ := a.relative(fullPath)
	return a.fileInfo(rel, fullPath, info), nil
}

func (a *Adapter) fileInfo(rel, fullPath string, info os.FileInfo) *carvekit.FileInfo {
	contentType := ""
	if !info.IsDir() {
		contentType = getContentType(fullPath)
	}
	return &carvekit.FileInfo{
		Name:        info.Name(),
		Path:        rel,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		IsDir:       info.IsDir(),
		ContentType: contentType,
	}
}

// ListContents implements carvekit.FileReader. An empty path lists the root.
func (a *Adapter) ListContents(ctx context.Context, path string, recursive bool) ([]carvekit.FileInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("listcontents", path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &carvekit.PathError{
				Op:   "listcontents",
				Path: path,
				Err:  carvekit.ErrNotExist,
			}
		}
		return nil, &carvekit.PathError{
			Op:   "listcontents",
			Path: path,
			Err:  err,
		}
	}

	if !info.IsDir() {
		return nil, &carvekit.PathError{
			Op:   "listcontents",
			Path: path,
			Err:  carvekit.ErrNotDir,
		}
	}

	var files []carvekit.FileInfo

	if recursive {
		err = filepath.WalkDir(fullPath, func(walkPath string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if walkPath == fullPath {
				return nil
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			info, err := d.Info()
			if err != nil {
				return err
			}
			rel, err := a.relative(walkPath)
			if err != nil {
				return err
			}
			files = append(files, *a.fileInfo(rel, walkPath, info))
			return nil
		})
		if err != nil {
			return nil, &carvekit.PathError{
				Op:   "listcontents",
				Path: path,
				Err:  err,
			}
		}
		return files, nil
	}

	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, &carvekit.PathError{
			Op:   "listcontents",
			Path: path,
			Err:  err,
		}
	}

	files = make([]carvekit.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		entryPath := filepath.Join(fullPath, entry.Name())
		rel, err := a.relative(entryPath)
		if err != nil {
			continue
		}
		files = append(files, *a.fileInfo(rel, entryPath, info))
	}

	return files, nil
}

// CreateDir implements carvekit.FileWriter
func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("createdir", path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return &carvekit.PathError{
			Op:   "createdir",
			Path: path,
			Err:  err,
		}
	}

	return nil
}

// DeleteDir implements carvekit.FileWriter. The root itself cannot be removed.
func (a *Adapter) DeleteDir(ctx context.Context, path string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Continue
	}

	fullPath, err := a.resolve("deletedir", path)
	if err != nil {
		return err
	}
	if fullPath == a.root {
		return &carvekit.PathError{
			Op:   "deletedir",
			Path: path,
			Err:  carvekit.ErrNotAllowed,
		}
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &carvekit.PathError{
				Op:   "deletedir",
				Path: path,
				Err:  carvekit.ErrNotExist,
			}
		}
		return &carvekit.PathError{
			Op:   "deletedir",
			Path: path,
			Err:  err,
		}
	}

	if !info.IsDir() {
		return &carvekit.PathError{
			Op:   "deletedir",
			Path: path,
			Err:  carvekit.ErrNotDir,
		}
	}

	if err := os.RemoveAll(fullPath); err != nil {
		return &carvekit.PathError{
			Op:   "deletedir",
			Path: path,
			Err:  err,
		}
	}

	return nil
}

// isPathUnderRoot checks if a path is under a given root directory
func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// getContentType guesses from the extension and sniffs the first 512 bytes
// only when the extension is unknown.
func getContentType(path string) string {
	ext := filepath.Ext(path)
	if ct := carvekit.GuessContentType(ext, nil); ct != "application/octet-stream" {
		return ct
	}

	file, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer file.Close()

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return carvekit.GuessContentType(ext, buffer[:n])
}

// ============================================================================
// Optional Capability Interfaces
// ============================================================================

// LocalPath implements carvekit.CanLocalPath. Sources read through the
// adapter can be memory-mapped from the returned path.
func (a *Adapter) LocalPath(path string) (string, error) {
	return a.resolve("localpath", path)
}

// Checksum implements carvekit.CanChecksum for local files.
func (a *Adapter) Checksum(ctx context.Context, path string, algorithm carvekit.ChecksumAlgorithm) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	file, err := a.openForChecksum("checksum", path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	checksum, err := carvekit.CalculateChecksum(file, algorithm)
	if err != nil {
		return "", &carvekit.PathError{Op: "checksum", Path: path, Err: err}
	}

	return checksum, nil
}

// Checksums implements carvekit.CanChecksum, hashing the file in one pass.
func (a *Adapter) Checksums(ctx context.Context, path string, algorithms []carvekit.ChecksumAlgorithm) (map[carvekit.ChecksumAlgorithm]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := a.openForChecksum("checksums", path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	checksums, err := carvekit.CalculateChecksums(file, algorithms)
	if err != nil {
		return nil, &carvekit.PathError{Op: "checksums", Path: path, Err: err}
	}

	return checksums, nil
}

func (a *Adapter) openForChecksum(op, path string) (*os.File, error) {
	fullPath, err := a.resolve(op, path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &carvekit.PathError{Op: op, Path: path, Err: carvekit.ErrNotExist}
		}
		return nil, &carvekit.PathError{Op: op, Path: path, Err: err}
	}
	return file, nil
}

// Watch implements carvekit.CanWatch using fsnotify for native file system
// events. The pattern is relative to the root and follows carvekit.Glob
// rules. The token fires once, on the first matching event, and the
// underlying watcher is released then or when ctx is done.
func (a *Adapter) Watch(ctx context.Context, pattern string) (carvekit.ChangeToken, error) {
	token := carvekit.NewCallbackChangeToken()

	watchPath, err := a.resolve("watch", staticPrefix(pattern))
	if err != nil {
		return nil, err
	}
	recursive := strings.Contains(pattern, "**")

	watcher, err := newFSWatcher()
	if err != nil {
		return nil, &carvekit.PathError{Op: "watch", Path: pattern, Err: err}
	}

	if err := addWatchDirs(watcher, watchPath, recursive); err != nil {
		watcher.Close()
		return nil, &carvekit.PathError{Op: "watch", Path: pattern, Err: err}
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events():
				if !ok {
					return
				}

				// New subdirectories join a recursive watch.
				if recursive && event.Op&uint32(opCreate) != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						_ = addWatchDirs(watcher, event.Name, true)
					}
				}

				rel, err := a.relative(event.Name)
				if err != nil {
					continue
				}
				if carvekit.MatchGlob(pattern, rel) {
					token.SignalChange()
					return
				}
			case _, ok := <-watcher.Errors():
				if !ok {
					return
				}
			}
		}
	}()

	return token, nil
}

// staticPrefix returns the directory part of pattern before its first glob
// metacharacter.
func staticPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx < 0 {
		return dirOf(pattern)
	}
	prefix := pattern[:idx]
	if slash := strings.LastIndex(prefix, "/"); slash >= 0 {
		return prefix[:slash]
	}
	return ""
}

func dirOf(p string) string {
	if slash := strings.LastIndex(p, "/"); slash >= 0 {
		return p[:slash]
	}
	return ""
}

func addWatchDirs(watcher fsWatcher, dir string, recursive bool) error {
	if !recursive {
		return watcher.Add(dir)
	}
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

// Ensure Adapter implements interfaces
var (
	_ carvekit.FileSystem   = (*Adapter)(nil)
	_ carvekit.FileReader   = (*Adapter)(nil)
	_ carvekit.FileWriter   = (*Adapter)(nil)
	_ carvekit.CanChecksum  = (*Adapter)(nil)
	_ carvekit.CanWatch     = (*Adapter)(nil)
	_ carvekit.CanLocalPath = (*Adapter)(nil)
)
