// Package azure stores recovered files in an Azure Blob Storage container
// and reads evidence images from one. Blob names are the carvekit path
// under an optional prefix; directories are implied by name prefixes.
package azure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/gobeaver/carvekit"
)

// API is the subset of *azblob.Client the adapter calls.
type API interface {
	UploadBuffer(ctx context.Context, containerName, blobName string, buffer []byte, o *azblob.UploadBufferOptions) (azblob.UploadBufferResponse, error)
	DownloadStream(ctx context.Context, containerName, blobName string, o *azblob.DownloadStreamOptions) (azblob.DownloadStreamResponse, error)
	DeleteBlob(ctx context.Context, containerName, blobName string, o *azblob.DeleteBlobOptions) (azblob.DeleteBlobResponse, error)
	NewListBlobsFlatPager(containerName string, o *azblob.ListBlobsFlatOptions) *runtime.Pager[azblob.ListBlobsFlatResponse]
}

// Adapter provides an Azure Blob Storage implementation of carvekit.FileSystem
type Adapter struct {
	client       API
	container    string
	prefix       string
	pollInterval time.Duration
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots every blob name under prefix.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithPollInterval sets how often Watch lists the container. Default 30s.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// New creates a new Azure Blob Storage filesystem adapter
func New(client API, containerName string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:       client,
		container:    containerName,
		pollInterval: 30 * time.Second,
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
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
// upload carries If-None-Match: * and fails with ErrExist when the blob
// is taken.
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...carvekit.Option) error {
	opts := carvekit.ApplyOptions(options...)

	data, err := io.ReadAll(content)
	if err != nil {
		return &carvekit.PathError{Op: "write", Path: filePath, Err: err}
	}

	uploadOpts := &azblob.UploadBufferOptions{}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(opts.ContentType)}
	}
	if len(opts.Metadata) > 0 {
		uploadOpts.Metadata = make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			uploadOpts.Metadata[k] = to.Ptr(v)
		}
	}
	if !opts.Overwrite {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}

	if _, err := a.client.UploadBuffer(ctx, a.container, a.key(filePath), data, uploadOpts); err != nil {
		return mapAzureError("write", filePath, err)
	}
	return nil
}

// Read implements carvekit.FileReader
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	resp, err := a.client.DownloadStream(ctx, a.container, a.key(filePath), nil)
	if err != nil {
		return nil, mapAzureError("read", filePath, err)
	}
	return resp.Body, nil
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
	if _, err := a.client.DeleteBlob(ctx, a.container, a.key(filePath), nil); err != nil {
		return mapAzureError("delete", filePath, err)
	}
	return nil
}

// find returns the blob named exactly key, with its metadata, or nil.
func (a *Adapter) find(ctx context.Context, key string) (*container.BlobItem, error) {
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix:  to.Ptr(key),
		Include: azblob.ListBlobsInclude{Metadata: true},
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil && *item.Name == key {
				return item, nil
			}
		}
	}
	return nil, nil
}

// FileExists implements carvekit.FileReader
func (a *Adapter) FileExists(ctx context.Context, filePath string) (bool, error) {
	item, err := a.find(ctx, a.key(filePath))
	if err != nil {
		return false, mapAzureError("fileexists", filePath, err)
	}
	return item != nil, nil
}

// DirExists implements carvekit.FileReader
func (a *Adapter) DirExists(ctx context.Context, dirPath string) (bool, error) {
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(a.dirKey(dirPath)),
		MaxResults: to.Ptr(int32(1)),
	})
	if !pager.More() {
		return false, nil
	}
	page, err := pager.NextPage(ctx)
	if err != nil {
		return false, mapAzureError("direxists", dirPath, err)
	}
	return page.Segment != nil && len(page.Segment.BlobItems) > 0, nil
}

// Stat implements carvekit.FileReader
func (a *Adapter) Stat(ctx context.Context, filePath string) (*carvekit.FileInfo, error) {
	item, err := a.find(ctx, a.key(filePath))
	if err != nil {
		return nil, mapAzureError("stat", filePath, err)
	}
	if item == nil {
		isDir, dirErr := a.DirExists(ctx, filePath)
		if dirErr != nil {
			return nil, dirErr
		}
		if !isDir {
			return nil, &carvekit.PathError{Op: "stat", Path: filePath, Err: carvekit.ErrNotExist}
		}
		return &carvekit.FileInfo{
			Name:  path.Base(filePath),
			Path:  a.relative(a.key(filePath)),
			IsDir: true,
		}, nil
	}

	info := a.fileInfo(item)
	info.Metadata = make(map[string]string, len(item.Metadata))
	for k, v := range item.Metadata {
		if v != nil {
			info.Metadata[k] = *v
		}
	}
	return &info, nil
}

func (a *Adapter) fileInfo(item *container.BlobItem) carvekit.FileInfo {
	rel := a.relative(*item.Name)
	info := carvekit.FileInfo{Name: path.Base(rel), Path: rel}
	if p := item.Properties; p != nil {
		if p.ContentLength != nil {
			info.Size = *p.ContentLength
		}
		if p.LastModified != nil {
			info.ModTime = *p.LastModified
		}
		if p.ContentType != nil {
			info.ContentType = *p.ContentType
		}
	}
	return info
}

// ListContents implements carvekit.FileReader. The container is listed
// flat and shallow listings fold everything below the first level into
// its directory.
func (a *Adapter) ListContents(ctx context.Context, prefix string, recursive bool) ([]carvekit.FileInfo, error) {
	listPrefix := a.dirKey(prefix)
	base := a.relative(listPrefix)

	var files []carvekit.FileInfo
	dirs := make(map[string]bool)
	addDir := func(rel string) {
		if rel == "" || rel == base || dirs[rel] {
			return
		}
		dirs[rel] = true
		files = append(files, carvekit.FileInfo{Name: path.Base(rel), Path: rel, IsDir: true})
	}

	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(listPrefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapAzureError("listcontents", prefix, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			name := *item.Name
			rest := strings.TrimPrefix(name, listPrefix)
			if !recursive {
				if i := strings.Index(rest, "/"); i >= 0 {
					addDir(a.relative(listPrefix + rest[:i]))
					continue
				}
			}
			rel := a.relative(name)
			if strings.HasSuffix(name, "/") {
				addDir(rel)
				continue
			}
			if recursive {
				for dir := path.Dir(rel); dir != "." && dir != base; dir = path.Dir(dir) {
					addDir(dir)
				}
			}
			files = append(files, a.fileInfo(item))
		}
	}

	return files, nil
}

// CreateDir implements carvekit.FileWriter with an empty marker blob.
func (a *Adapter) CreateDir(ctx context.Context, dirPath string) error {
	_, err := a.client.UploadBuffer(ctx, a.container, a.dirKey(dirPath), nil, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr("application/x-directory")},
	})
	if err != nil {
		return mapAzureError("createdir", dirPath, err)
	}
	return nil
}

// DeleteDir implements carvekit.FileWriter
func (a *Adapter) DeleteDir(ctx context.Context, dirPath string) error {
	dirKey := a.dirKey(dirPath)
	if dirKey == a.prefix {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotAllowed}
	}

	// Collect first; deleting while paging shifts the continuation marker.
	var names []string
	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(dirKey)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return mapAzureError("deletedir", dirPath, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	if len(names) == 0 {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotExist}
	}

	for _, name := range names {
		if _, err := a.client.DeleteBlob(ctx, a.container, name, nil); err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return mapAzureError("deletedir", dirPath, err)
		}
	}
	return nil
}

// mapAzureError maps Azure errors to carvekit errors
func mapAzureError(op, filePath string, err error) error {
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound):
		return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrNotExist}
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrExist}
	case bloberror.HasCode(err, bloberror.AuthorizationFailure, bloberror.AuthorizationPermissionMismatch):
		return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrPermission}
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrNotExist}
		case http.StatusConflict, http.StatusPreconditionFailed:
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrExist}
		case http.StatusForbidden:
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrPermission}
		}
	}

	return &carvekit.PathError{Op: op, Path: filePath, Err: err}
}

// Checksum implements carvekit.CanChecksum by reading and hashing the blob.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm carvekit.ChecksumAlgorithm) (string, error) {
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

// Watch implements carvekit.CanWatch by polling the container listing and
// comparing ETags.
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

func (a *Adapter) snapshot(ctx context.Context, pattern string) (map[string]azcore.ETag, error) {
	state := make(map[string]azcore.ETag)

	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(a.prefix)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapAzureError("watch", pattern, err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || strings.HasSuffix(*item.Name, "/") {
				continue
			}
			rel := a.relative(*item.Name)
			if !carvekit.MatchGlob(pattern, rel) {
				continue
			}
			var etag azcore.ETag
			if item.Properties != nil && item.Properties.ETag != nil {
				etag = *item.Properties.ETag
			}
			state[rel] = etag
		}
	}

	return state, nil
}

func statesEqual(a, b map[string]azcore.ETag) bool {
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
	_ API                  = (*azblob.Client)(nil)
)
