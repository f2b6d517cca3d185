// Package gcs stores recovered files in a Google Cloud Storage bucket and
// reads evidence images from one. Object names are the carvekit path under
// an optional prefix; directories are implied by name prefixes.
package gcs

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/gobeaver/carvekit"
)

// API is the part of the Cloud Storage client the adapter calls, keyed by
// bucket and object name. Client adapts a *storage.Client.
type API interface {
	Attrs(ctx context.Context, bucket, name string) (*storage.ObjectAttrs, error)
	NewReader(ctx context.Context, bucket, name string) (io.ReadCloser, error)
	// NewWriter starts an upload of attrs.Name. When ifAbsent is set the
	// upload fails on Close if the object already exists.
	NewWriter(ctx context.Context, bucket string, attrs storage.ObjectAttrs, ifAbsent bool) io.WriteCloser
	Delete(ctx context.Context, bucket, name string) error
	Objects(ctx context.Context, bucket string, query *storage.Query) ObjectIterator
}

// ObjectIterator is satisfied by *storage.ObjectIterator. Next returns
// iterator.Done after the last object.
type ObjectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// Client implements API on top of a *storage.Client.
type Client struct {
	client *storage.Client
}

// NewClient wraps c.
func NewClient(c *storage.Client) *Client {
	return &Client{client: c}
}

func (c *Client) Attrs(ctx context.Context, bucket, name string) (*storage.ObjectAttrs, error) {
	return c.client.Bucket(bucket).Object(name).Attrs(ctx)
}

func (c *Client) NewReader(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	return c.client.Bucket(bucket).Object(name).NewReader(ctx)
}

func (c *Client) NewWriter(ctx context.Context, bucket string, attrs storage.ObjectAttrs, ifAbsent bool) io.WriteCloser {
	obj := c.client.Bucket(bucket).Object(attrs.Name)
	if ifAbsent {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	w := obj.NewWriter(ctx)
	w.ContentType = attrs.ContentType
	w.Metadata = attrs.Metadata
	return w
}

func (c *Client) Delete(ctx context.Context, bucket, name string) error {
	return c.client.Bucket(bucket).Object(name).Delete(ctx)
}

func (c *Client) Objects(ctx context.Context, bucket string, query *storage.Query) ObjectIterator {
	return c.client.Bucket(bucket).Objects(ctx, query)
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Adapter provides a Cloud Storage implementation of carvekit.FileSystem
type Adapter struct {
	client       API
	bucket       string
	prefix       string
	pollInterval time.Duration
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots every object name under prefix.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithPollInterval sets how often Watch lists the bucket. Default 30s.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// New creates a new Cloud Storage filesystem adapter
func New(client API, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:       client,
		bucket:       bucket,
		pollInterval: 30 * time.Second,
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Close closes the client when it holds connections.
func (a *Adapter) Close() error {
	if c, ok := a.client.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Adapter) key(p string) string {
	return a.prefix + strings.TrimPrefix(path.Clean("/"+p), "/")
}

func (a *Adapter) dirKey(p string) string {
	k := a.key(p)
	if k != "" && !strings.HasSuffix(k, "/") {
		k += "/"
	}
	return k
}

func (a *Adapter) relative(name string) string {
	return strings.TrimSuffix(strings.TrimPrefix(name, a.prefix), "/")
}

// Write implements carvekit.FileWriter. Without WithOverwrite(true) the
// upload carries a does-not-exist precondition and fails with ErrExist.
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...carvekit.Option) error {
	opts := carvekit.ApplyOptions(options...)

	attrs := storage.ObjectAttrs{
		Name:        a.key(filePath),
		ContentType: opts.ContentType,
	}
	if len(opts.Metadata) > 0 {
		attrs.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			attrs.Metadata[k] = v
		}
	}

	// Cancelling before Close abandons the upload instead of committing
	// a truncated object.
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := a.client.NewWriter(uploadCtx, a.bucket, attrs, !opts.Overwrite)
	if _, err := io.Copy(w, content); err != nil {
		cancel()
		_ = w.Close()
		return &carvekit.PathError{Op: "write", Path: filePath, Err: err}
	}
	if err := w.Close(); err != nil {
		return mapGCSError("write", filePath, err)
	}
	return nil
}

// Read implements carvekit.FileReader
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	rc, err := a.client.NewReader(ctx, a.bucket, a.key(filePath))
	if err != nil {
		return nil, mapGCSError("read", filePath, err)
	}
	return rc, nil
}

// ReadAll implements carvekit.FileReader
func (a *Adapter) ReadAll(ctx context.Context, filePath string) ([]byte, error) {
	rc, err := a.Read(ctx, filePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, &carvekit.PathError{Op: "read", Path: filePath, Err: err}
	}
	return data, nil
}

// Delete implements carvekit.FileWriter
func (a *Adapter) Delete(ctx context.Context, filePath string) error {
	if err := a.client.Delete(ctx, a.bucket, a.key(filePath)); err != nil {
		return mapGCSError("delete", filePath, err)
	}
	return nil
}

// FileExists implements carvekit.FileReader
func (a *Adapter) FileExists(ctx context.Context, filePath string) (bool, error) {
	_, err := a.client.Attrs(ctx, a.bucket, a.key(filePath))
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, mapGCSError("fileexists", filePath, err)
	}
	return true, nil
}

// DirExists implements carvekit.FileReader
func (a *Adapter) DirExists(ctx context.Context, dirPath string) (bool, error) {
	it := a.client.Objects(ctx, a.bucket, &storage.Query{Prefix: a.dirKey(dirPath)})
	_, err := it.Next()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, iterator.Done):
		return false, nil
	default:
		return false, mapGCSError("direxists", dirPath, err)
	}
}

// Stat implements carvekit.FileReader
func (a *Adapter) Stat(ctx context.Context, filePath string) (*carvekit.FileInfo, error) {
	attrs, err := a.client.Attrs(ctx, a.bucket, a.key(filePath))
	if err != nil {
		if !errors.Is(err, storage.ErrObjectNotExist) {
			return nil, mapGCSError("stat", filePath, err)
		}
		isDir, dirErr := a.DirExists(ctx, filePath)
		if dirErr != nil || !isDir {
			return nil, mapGCSError("stat", filePath, err)
		}
		return &carvekit.FileInfo{
			Name:  path.Base(filePath),
			Path:  a.relative(a.key(filePath)),
			IsDir: true,
		}, nil
	}

	metadata := make(map[string]string, len(attrs.Metadata))
	for k, v := range attrs.Metadata {
		metadata[k] = v
	}
	return &carvekit.FileInfo{
		Name:        path.Base(filePath),
		Path:        a.relative(attrs.Name),
		Size:        attrs.Size,
		ModTime:     attrs.Updated,
		ContentType: attrs.ContentType,
		Metadata:    metadata,
	}, nil
}

// ListContents implements carvekit.FileReader. Recursive listings report
// the implied directories as well as the objects under them.
func (a *Adapter) ListContents(ctx context.Context, prefix string, recursive bool) ([]carvekit.FileInfo, error) {
	query := &storage.Query{Prefix: a.dirKey(prefix)}
	if !recursive {
		query.Delimiter = "/"
	}

	var files []carvekit.FileInfo
	dirs := make(map[string]bool)
	addDir := func(rel string) {
		if rel == "" || dirs[rel] {
			return
		}
		dirs[rel] = true
		files = append(files, carvekit.FileInfo{Name: path.Base(rel), Path: rel, IsDir: true})
	}

	base := a.relative(a.dirKey(prefix))
	it := a.client.Objects(ctx, a.bucket, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError("listcontents", prefix, err)
		}

		// Synthetic entries from the delimiter carry only Prefix.
		if attrs.Prefix != "" {
			addDir(a.relative(attrs.Prefix))
			continue
		}
		rel := a.relative(attrs.Name)
		if strings.HasSuffix(attrs.Name, "/") {
			if rel != base {
				addDir(rel)
			}
			continue
		}
		if recursive {
			for dir := path.Dir(rel); dir != "." && dir != base; dir = path.Dir(dir) {
				addDir(dir)
			}
		}
		files = append(files, carvekit.FileInfo{
			Name:        path.Base(rel),
			Path:        rel,
			Size:        attrs.Size,
			ModTime:     attrs.Updated,
			ContentType: attrs.ContentType,
		})
	}

	return files, nil
}

// CreateDir implements carvekit.FileWriter with an empty marker object.
func (a *Adapter) CreateDir(ctx context.Context, dirPath string) error {
	w := a.client.NewWriter(ctx, a.bucket, storage.ObjectAttrs{
		Name:        a.dirKey(dirPath),
		ContentType: "application/x-directory",
	}, false)
	if err := w.Close(); err != nil {
		return mapGCSError("createdir", dirPath, err)
	}
	return nil
}

// DeleteDir implements carvekit.FileWriter. Cloud Storage has no batch
// delete in this client, so objects go one at a time.
func (a *Adapter) DeleteDir(ctx context.Context, dirPath string) error {
	dirKey := a.dirKey(dirPath)
	if dirKey == a.prefix {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotAllowed}
	}

	found := false
	it := a.client.Objects(ctx, a.bucket, &storage.Query{Prefix: dirKey})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return mapGCSError("deletedir", dirPath, err)
		}
		found = true
		if err := a.client.Delete(ctx, a.bucket, attrs.Name); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return mapGCSError("deletedir", dirPath, err)
		}
	}

	if !found {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotExist}
	}
	return nil
}

// mapGCSError maps Cloud Storage errors to carvekit errors
func mapGCSError(op, filePath string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrNotExist}
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusPreconditionFailed:
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrExist}
		case http.StatusUnauthorized, http.StatusForbidden:
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrPermission}
		case http.StatusNotFound:
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrNotExist}
		}
	}

	return &carvekit.PathError{Op: op, Path: filePath, Err: err}
}

// Checksum implements carvekit.CanChecksum. MD5 is taken from the object
// attributes when the service recorded one; composite objects have none
// and are read and hashed like every other algorithm.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm carvekit.ChecksumAlgorithm) (string, error) {
	if algorithm == carvekit.ChecksumMD5 {
		attrs, err := a.client.Attrs(ctx, a.bucket, a.key(filePath))
		if err != nil {
			return "", mapGCSError("checksum", filePath, err)
		}
		if len(attrs.MD5) > 0 {
			return hex.EncodeToString(attrs.MD5), nil
		}
	}

	reader, err := a.Read(ctx, filePath)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	checksum, err := carvekit.CalculateChecksum(reader, algorithm)
	if err != nil {
		return "", &carvekit.PathError{Op: "checksum", Path: filePath, Err: err}
	}
	return checksum, nil
}

// Checksums implements carvekit.CanChecksum in a single read pass.
func (a *Adapter) Checksums(ctx context.Context, filePath string, algorithms []carvekit.ChecksumAlgorithm) (map[carvekit.ChecksumAlgorithm]string, error) {
	reader, err := a.Read(ctx, filePath)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	checksums, err := carvekit.CalculateChecksums(reader, algorithms)
	if err != nil {
		return nil, &carvekit.PathError{Op: "checksums", Path: filePath, Err: err}
	}
	return checksums, nil
}

// Watch implements carvekit.CanWatch by polling the bucket listing and
// comparing object generations.
func (a *Adapter) Watch(ctx context.Context, pattern string) (carvekit.ChangeToken, error) {
	if _, err := carvekit.Glob(pattern); err != nil {
		return nil, &carvekit.PathError{Op: "watch", Path: pattern, Err: err}
	}

	initial, err := a.snapshot(ctx, pattern)
	if err != nil {
		return nil, err
	}

	return carvekit.NewPollingChangeToken(ctx, carvekit.PollingConfig{
		Interval: a.pollInterval,
		CheckFunc: func() bool {
			current, err := a.snapshot(ctx, pattern)
			if err != nil {
				return false
			}
			return !statesEqual(initial, current)
		},
	}), nil
}

type objectState struct {
	generation int64
	size       int64
}

func (a *Adapter) snapshot(ctx context.Context, pattern string) (map[string]objectState, error) {
	state := make(map[string]objectState)

	it := a.client.Objects(ctx, a.bucket, &storage.Query{Prefix: a.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError("watch", pattern, err)
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		rel := a.relative(attrs.Name)
		if carvekit.MatchGlob(pattern, rel) {
			state[rel] = objectState{generation: attrs.Generation, size: attrs.Size}
		}
	}

	return state, nil
}

func statesEqual(a, b map[string]objectState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Ensure Adapter implements interfaces
var (
	_ carvekit.FileSystem  = (*Adapter)(nil)
	_ carvekit.CanChecksum = (*Adapter)(nil)
	_ carvekit.CanWatch    = (*Adapter)(nil)
	_ API                  = (*Client)(nil)
	_ ObjectIterator       = (*storage.ObjectIterator)(nil)
)
