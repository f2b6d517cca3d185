package carvekit

import (
	"context"
	"errors"
	"io"
)

// ============================================================================
// ReadOnlyFileSystem Decorator
// ============================================================================

// ReadOnlyFileSystem wraps a scan source to prevent all write operations.
// Evidence media must never be modified by a scan, even when the driver
// behind the source could write.
//
// Example:
//
//	src, _ := local.New("/evidence")
//	ro := carvekit.NewReadOnlyFileSystem(src)
//
//	// Read operations work normally
//	data, _ := ro.ReadAll(ctx, "disk.img")
//
//	// Write operations return ErrReadOnly
//	err := ro.Write(ctx, "disk.img", r)
type ReadOnlyFileSystem struct {
	fs   FileReader
	opts ReadOnlyOptions
}

// ReadOnlyOptions configures the ReadOnlyFileSystem behavior.
type ReadOnlyOptions struct {
	// OnWriteAttempt is called when a write operation is attempted.
	// If nil, the default behavior returns ErrReadOnly.
	// If this function returns nil, the write is forwarded to the wrapped
	// filesystem when it supports writes.
	OnWriteAttempt func(op, path string) error
}

// ReadOnlyOption is a functional option for configuring ReadOnlyFileSystem.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithWriteAttemptHandler sets a custom handler for write attempts.
func WithWriteAttemptHandler(handler func(op, path string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// NewReadOnlyFileSystem creates a read-only wrapper around a source.
// Write, Delete, CreateDir and DeleteDir fail with ErrReadOnly.
func NewReadOnlyFileSystem(fs FileReader, opts ...ReadOnlyOption) *ReadOnlyFileSystem {
	if ro, ok := fs.(*ReadOnlyFileSystem); ok && len(opts) == 0 {
		return ro
	}

	options := ReadOnlyOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	return &ReadOnlyFileSystem{
		fs:   fs,
		opts: options,
	}
}

// Unwrap returns the wrapped source.
func (r *ReadOnlyFileSystem) Unwrap() FileReader {
	return r.fs
}

// readOnlyError creates an appropriate error for write operations.
func (r *ReadOnlyFileSystem) readOnlyError(op, path string) error {
	if r.opts.OnWriteAttempt != nil {
		if err := r.opts.OnWriteAttempt(op, path); err != nil {
			return &PathError{Op: op, Path: path, Err: err}
		}
		// Handler returned nil, allow the operation
		return nil
	}
	return &PathError{Op: op, Path: path, Err: ErrReadOnly}
}

// writer returns the wrapped filesystem as a FileWriter, if it is one.
func (r *ReadOnlyFileSystem) writer(op, path string) (FileWriter, error) {
	w, ok := r.fs.(FileWriter)
	if !ok {
		return nil, &PathError{Op: op, Path: path, Err: ErrNotSupported}
	}
	return w, nil
}

// ============================================================================
// FileSystem Interface - Read Operations (Delegated)
// ============================================================================

// Read delegates to the underlying filesystem.
func (r *ReadOnlyFileSystem) Read(ctx context.Context, path string) (io.ReadCloser, error) {
	return r.fs.Read(ctx, path)
}

// ReadAll delegates to the underlying filesystem.
func (r *ReadOnlyFileSystem) ReadAll(ctx context.Context, path string) ([]byte, error) {
	return r.fs.ReadAll(ctx, path)
}

// FileExists delegates to the underlying filesystem.
func (r *ReadOnlyFileSystem) FileExists(ctx context.Context, path string) (bool, error) {
	return r.fs.FileExists(ctx, path)
}

// DirExists delegates to the underlying filesystem.
func (r *ReadOnlyFileSystem) DirExists(ctx context.Context, path string) (bool, error) {
	return r.fs.DirExists(ctx, path)
}

// Stat delegates to the underlying filesystem.
func (r *ReadOnlyFileSystem) Stat(ctx context.Context, path string) (*FileInfo, error) {
	return r.fs.Stat(ctx, path)
}

// ListContents delegates to the underlying filesystem.
func (r *ReadOnlyFileSystem) ListContents(ctx context.Context, path string, recursive bool) ([]FileInfo, error) {
	return r.fs.ListContents(ctx, path, recursive)
}

// ============================================================================
// FileSystem Interface - Write Operations (Blocked)
// ============================================================================

// Write returns ErrReadOnly.
func (r *ReadOnlyFileSystem) Write(ctx context.Context, path string, content io.Reader, options ...Option) error {
	if err := r.readOnlyError("write", path); err != nil {
		return err
	}
	w, err := r.writer("write", path)
	if err != nil {
		return err
	}
	return w.Write(ctx, path, content, options...)
}

// Delete returns ErrReadOnly.
func (r *ReadOnlyFileSystem) Delete(ctx context.Context, path string) error {
	if err := r.readOnlyError("delete", path); err != nil {
		return err
	}
	w, err := r.writer("delete", path)
	if err != nil {
		return err
	}
	return w.Delete(ctx, path)
}

// CreateDir returns ErrReadOnly.
func (r *ReadOnlyFileSystem) CreateDir(ctx context.Context, path string) error {
	if err := r.readOnlyError("createdir", path); err != nil {
		return err
	}
	w, err := r.writer("createdir", path)
	if err != nil {
		return err
	}
	return w.CreateDir(ctx, path)
}

// DeleteDir returns ErrReadOnly.
func (r *ReadOnlyFileSystem) DeleteDir(ctx context.Context, path string) error {
	if err := r.readOnlyError("deletedir", path); err != nil {
		return err
	}
	w, err := r.writer("deletedir", path)
	if err != nil {
		return err
	}
	return w.DeleteDir(ctx, path)
}

// ============================================================================
// Optional Interface Delegation
// ============================================================================

// Checksum delegates to the underlying filesystem if supported.
func (r *ReadOnlyFileSystem) Checksum(ctx context.Context, path string, algorithm ChecksumAlgorithm) (string, error) {
	if checksummer, ok := r.fs.(CanChecksum); ok {
		return checksummer.Checksum(ctx, path, algorithm)
	}
	return "", &PathError{Op: "checksum", Path: path, Err: ErrNotSupported}
}

// Checksums delegates to the underlying filesystem if supported.
func (r *ReadOnlyFileSystem) Checksums(ctx context.Context, path string, algorithms []ChecksumAlgorithm) (map[ChecksumAlgorithm]string, error) {
	if checksummer, ok := r.fs.(CanChecksum); ok {
		return checksummer.Checksums(ctx, path, algorithms)
	}
	return nil, &PathError{Op: "checksums", Path: path, Err: ErrNotSupported}
}

// Watch delegates to the underlying filesystem if supported.
func (r *ReadOnlyFileSystem) Watch(ctx context.Context, filter string) (ChangeToken, error) {
	if watcher, ok := r.fs.(CanWatch); ok {
		return watcher.Watch(ctx, filter)
	}
	return nil, &PathError{Op: "watch", Path: filter, Err: ErrNotSupported}
}

// LocalPath delegates to the underlying filesystem if supported.
func (r *ReadOnlyFileSystem) LocalPath(path string) (string, error) {
	if lp, ok := r.fs.(CanLocalPath); ok {
		return lp.LocalPath(path)
	}
	return "", &PathError{Op: "localpath", Path: path, Err: ErrNotSupported}
}

// ============================================================================
// Interface Assertions
// ============================================================================

var (
	_ FileSystem   = (*ReadOnlyFileSystem)(nil)
	_ CanChecksum  = (*ReadOnlyFileSystem)(nil)
	_ CanWatch     = (*ReadOnlyFileSystem)(nil)
	_ CanLocalPath = (*ReadOnlyFileSystem)(nil)
)

// IsReadOnlyError checks if an error is due to read-only restrictions.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}
