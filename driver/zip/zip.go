// Package zip stores recovered files in a ZIP archive and reads evidence
// images out of one.
//
// An archive is opened in one of two modes. Create starts a new archive
// and streams every Write into it; entries can be listed and stat'ed while
// the archive is open but only read back after Close. Open indexes an
// existing archive for reading, so a bundle of disk images can be scanned
// without unpacking it.
package zip

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/gobeaver/carvekit"
)

// Mode is the mode an archive was opened in.
type Mode int

const (
	// ModeRead indexes an existing archive for reading.
	ModeRead Mode = iota
	// ModeWrite streams writes into a new archive.
	ModeWrite
)

type entry struct {
	file        *zip.File // ModeRead only
	size        int64
	modTime     time.Time
	isDir       bool
	contentType string
}

// Adapter is a ZIP archive exposed as a carvekit.FileSystem.
type Adapter struct {
	mu      sync.RWMutex
	mode    Mode
	path    string
	reader  *zip.ReadCloser
	writer  *zip.Writer
	file    *os.File
	entries map[string]*entry
	closed  bool
}

// Option configures an archive created with Create.
type Option func(*options)

type options struct {
	level int
}

// WithLevel sets the deflate level, from flate.HuffmanOnly to
// flate.BestCompression.
func WithLevel(level int) Option {
	return func(o *options) {
		o.level = level
	}
}

// Open indexes an existing archive for reading. Entries whose names would
// escape the archive root are skipped.
func Open(zipPath string) (*Adapter, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	reader.RegisterDecompressor(zip.Deflate, flate.NewReader)

	a := &Adapter{
		mode:    ModeRead,
		path:    zipPath,
		reader:  reader,
		entries: map[string]*entry{"": {isDir: true}},
	}
	for _, f := range reader.File {
		name := strings.Trim(f.Name, "/")
		if name == "" || !iofs.ValidPath(name) {
			continue
		}
		info := f.FileInfo()
		a.entries[name] = &entry{
			file:        f,
			size:        int64(f.UncompressedSize64),
			modTime:     f.Modified,
			isDir:       info.IsDir(),
			contentType: f.Comment,
		}
		a.addParents(name)
	}
	return a, nil
}

// Create starts a new archive at zipPath, replacing any file there.
func Create(zipPath string, opts ...Option) (*Adapter, error) {
	o := options{level: flate.DefaultCompression}
	for _, opt := range opts {
		opt(&o)
	}
	if o.level < flate.HuffmanOnly || o.level > flate.BestCompression {
		return nil, fmt.Errorf("invalid deflate level %d", o.level)
	}

	if dir := filepath.Dir(zipPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create zip directory: %w", err)
		}
	}
	file, err := os.Create(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create zip: %w", err)
	}

	writer := zip.NewWriter(file)
	writer.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, o.level)
	})

	return &Adapter{
		mode:    ModeWrite,
		path:    zipPath,
		writer:  writer,
		file:    file,
		entries: map[string]*entry{"": {isDir: true}},
	}, nil
}

// Mode returns the mode the archive was opened in.
func (a *Adapter) Mode() Mode {
	return a.mode
}

// Close finishes the central directory of a created archive and closes
// the underlying file.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var errs []error
	if a.writer != nil {
		errs = append(errs, a.writer.Close())
	}
	if a.file != nil {
		errs = append(errs, a.file.Close())
	}
	if a.reader != nil {
		errs = append(errs, a.reader.Close())
	}
	return errors.Join(errs...)
}

// clean turns p into an archive entry name. The root is "".
func clean(op, p string) (string, error) {
	p = strings.Trim(p, "/")
	if p == "" || p == "." {
		return "", nil
	}
	if !iofs.ValidPath(p) {
		return "", &carvekit.PathError{Op: op, Path: p, Err: carvekit.ErrNotAllowed}
	}
	return p, nil
}

func (a *Adapter) begin(ctx context.Context, op, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name, err := clean(op, p)
	if err != nil {
		return "", err
	}
	if a.closed {
		return "", &carvekit.PathError{Op: op, Path: p, Err: iofs.ErrClosed}
	}
	return name, nil
}

func (a *Adapter) addParents(name string) {
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := a.entries[dir]; ok {
			return
		}
		a.entries[dir] = &entry{isDir: true}
	}
}

// Write implements carvekit.FileWriter. Entries cannot be replaced once
// written.
func (a *Adapter) Write(ctx context.Context, filePath string, r io.Reader, opts ...carvekit.Option) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	name, err := a.begin(ctx, "write", filePath)
	if err != nil {
		return err
	}
	if a.mode != ModeWrite {
		return &carvekit.PathError{Op: "write", Path: filePath, Err: carvekit.ErrReadOnly}
	}
	if name == "" {
		return &carvekit.PathError{Op: "write", Path: filePath, Err: carvekit.ErrIsDir}
	}

	o := carvekit.ApplyOptions(opts...)
	if existing, ok := a.entries[name]; ok {
		switch {
		case existing.isDir:
			return &carvekit.PathError{Op: "write", Path: filePath, Err: carvekit.ErrIsDir}
		case o.Overwrite:
			return &carvekit.PathError{Op: "write", Path: filePath, Err: fmt.Errorf("%w: zip entries cannot be replaced", carvekit.ErrNotSupported)}
		default:
			return &carvekit.PathError{Op: "write", Path: filePath, Err: carvekit.ErrExist}
		}
	}

	contentType := o.ContentType
	if contentType == "" {
		contentType = carvekit.GuessContentType(path.Ext(name), nil)
	}
	method := zip.Deflate
	if carvekit.IsCompressedContentType(contentType) {
		method = zip.Store
	}

	now := time.Now()
	header := &zip.FileHeader{
		Name:     name,
		Method:   method,
		Modified: now,
		Comment:  contentType,
	}
	header.SetMode(0644)

	w, err := a.writer.CreateHeader(header)
	if err != nil {
		return &carvekit.PathError{Op: "write", Path: filePath, Err: err}
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return &carvekit.PathError{Op: "write", Path: filePath, Err: err}
	}

	a.entries[name] = &entry{size: n, modTime: now, contentType: contentType}
	a.addParents(name)
	return nil
}

// Read implements carvekit.FileReader. It fails for archives opened with
// Create.
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	name, err := a.begin(ctx, "read", filePath)
	if err != nil {
		return nil, err
	}
	e, ok := a.entries[name]
	switch {
	case !ok:
		return nil, &carvekit.PathError{Op: "read", Path: filePath, Err: carvekit.ErrNotExist}
	case e.isDir:
		return nil, &carvekit.PathError{Op: "read", Path: filePath, Err: carvekit.ErrIsDir}
	case e.file == nil:
		return nil, &carvekit.PathError{Op: "read", Path: filePath, Err: fmt.Errorf("%w: archive is write-only until closed", carvekit.ErrNotSupported)}
	}

	rc, err := e.file.Open()
	if err != nil {
		return nil, &carvekit.PathError{Op: "read", Path: filePath, Err: err}
	}
	return rc, nil
}

// ReadAll reads the entire entry.
func (a *Adapter) ReadAll(ctx context.Context, filePath string) ([]byte, error) {
	rc, err := a.Read(ctx, filePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete is not supported: ZIP archives are append-only here.
func (a *Adapter) Delete(ctx context.Context, filePath string) error {
	return a.unsupported(ctx, "delete", filePath)
}

// DeleteDir is not supported: ZIP archives are append-only here.
func (a *Adapter) DeleteDir(ctx context.Context, dirPath string) error {
	return a.unsupported(ctx, "deletedir", dirPath)
}

func (a *Adapter) unsupported(ctx context.Context, op, p string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if _, err := a.begin(ctx, op, p); err != nil {
		return err
	}
	if a.mode == ModeRead {
		return &carvekit.PathError{Op: op, Path: p, Err: carvekit.ErrReadOnly}
	}
	return &carvekit.PathError{Op: op, Path: p, Err: carvekit.ErrNotSupported}
}

// CreateDir writes a directory entry and any missing parents.
func (a *Adapter) CreateDir(ctx context.Context, dirPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	name, err := a.begin(ctx, "createdir", dirPath)
	if err != nil {
		return err
	}
	if a.mode != ModeWrite {
		return &carvekit.PathError{Op: "createdir", Path: dirPath, Err: carvekit.ErrReadOnly}
	}
	if e, ok := a.entries[name]; ok {
		if e.isDir {
			return nil
		}
		return &carvekit.PathError{Op: "createdir", Path: dirPath, Err: carvekit.ErrExist}
	}

	header := &zip.FileHeader{Name: name + "/", Method: zip.Store, Modified: time.Now()}
	header.SetMode(iofs.ModeDir | 0755)
	if _, err := a.writer.CreateHeader(header); err != nil {
		return &carvekit.PathError{Op: "createdir", Path: dirPath, Err: err}
	}
	a.entries[name] = &entry{isDir: true, modTime: header.Modified}
	a.addParents(name)
	return nil
}

// FileExists reports whether a file entry exists.
func (a *Adapter) FileExists(ctx context.Context, filePath string) (bool, error) {
	e, err := a.lookup(ctx, "stat", filePath)
	if errors.Is(err, carvekit.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !e.isDir, nil
}

// DirExists reports whether a directory exists, explicit or implied by
// the entries below it.
func (a *Adapter) DirExists(ctx context.Context, dirPath string) (bool, error) {
	e, err := a.lookup(ctx, "stat", dirPath)
	if errors.Is(err, carvekit.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return e.isDir, nil
}

// Stat implements carvekit.FileReader.
func (a *Adapter) Stat(ctx context.Context, filePath string) (*carvekit.FileInfo, error) {
	e, err := a.lookup(ctx, "stat", filePath)
	if err != nil {
		return nil, err
	}
	name, _ := clean("stat", filePath)
	info := fileInfo(name, e)
	return &info, nil
}

func (a *Adapter) lookup(ctx context.Context, op, p string) (*entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	name, err := a.begin(ctx, op, p)
	if err != nil {
		return nil, err
	}
	e, ok := a.entries[name]
	if !ok {
		return nil, &carvekit.PathError{Op: op, Path: p, Err: carvekit.ErrNotExist}
	}
	return e, nil
}

// ListContents implements carvekit.FileReader. Results are sorted by path.
func (a *Adapter) ListContents(ctx context.Context, dirPath string, recursive bool) ([]carvekit.FileInfo, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	dir, err := a.begin(ctx, "list", dirPath)
	if err != nil {
		return nil, err
	}
	e, ok := a.entries[dir]
	if !ok {
		return nil, &carvekit.PathError{Op: "list", Path: dirPath, Err: carvekit.ErrNotExist}
	}
	if !e.isDir {
		return nil, &carvekit.PathError{Op: "list", Path: dirPath, Err: carvekit.ErrNotDir}
	}

	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}
	var out []carvekit.FileInfo
	for name, e := range a.entries {
		if name == "" || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !recursive && strings.Contains(name[len(prefix):], "/") {
			continue
		}
		out = append(out, fileInfo(name, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func fileInfo(name string, e *entry) carvekit.FileInfo {
	info := carvekit.FileInfo{
		Name:    path.Base(name),
		Path:    name,
		Size:    e.size,
		ModTime: e.modTime,
		IsDir:   e.isDir,
	}
	if name == "" {
		info.Name = ""
	}
	if !e.isDir {
		info.ContentType = e.contentType
		if info.ContentType == "" {
			info.ContentType = mime.TypeByExtension(path.Ext(name))
		}
	}
	return info
}

// Checksum implements carvekit.CanChecksum for archives opened with Open.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm carvekit.ChecksumAlgorithm) (string, error) {
	sums, err := a.Checksums(ctx, filePath, []carvekit.ChecksumAlgorithm{algorithm})
	if err != nil {
		return "", err
	}
	return sums[algorithm], nil
}

// Checksums implements carvekit.CanChecksum in a single read of the entry.
func (a *Adapter) Checksums(ctx context.Context, filePath string, algorithms []carvekit.ChecksumAlgorithm) (map[carvekit.ChecksumAlgorithm]string, error) {
	rc, err := a.Read(ctx, filePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return carvekit.CalculateChecksums(rc, algorithms)
}

var (
	_ carvekit.FileSystem  = (*Adapter)(nil)
	_ carvekit.CanChecksum = (*Adapter)(nil)
	_ io.Closer            = (*Adapter)(nil)
)
