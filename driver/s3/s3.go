// Package s3 stores recovered files in an S3 bucket and reads evidence
// images from one. Keys are the carvekit path joined under an optional
// prefix; directories are implied by key prefixes.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/gobeaver/carvekit"
)

// API is the subset of *s3.Client the adapter calls.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Adapter provides an S3 implementation of carvekit.FileSystem
type Adapter struct {
	client       API
	bucket       string
	prefix       string
	pollInterval time.Duration
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots every key under prefix.
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

// New creates a new S3 filesystem adapter
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

// relative strips the adapter prefix from an object key.
func (a *Adapter) relative(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, a.prefix), "/")
}

// Write implements carvekit.FileWriter. Without WithOverwrite(true) the
// upload is conditional and fails with ErrExist when the key is taken.
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...carvekit.Option) error {
	opts := carvekit.ApplyOptions(options...)

	var body io.ReadSeeker
	var contentLength int64
	switch r := content.(type) {
	case *bytes.Reader:
		contentLength = int64(r.Len())
		body = r
	case *strings.Reader:
		contentLength = int64(r.Len())
		body = r
	default:
		// PutObject needs a seekable body to sign the payload.
		data, err := io.ReadAll(content)
		if err != nil {
			return &carvekit.PathError{Op: "write", Path: filePath, Err: err}
		}
		contentLength = int64(len(data))
		body = bytes.NewReader(data)
	}

	input := &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(a.key(filePath)),
		Body:              body,
		ContentLength:     aws.Int64(contentLength),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = make(map[string]string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			input.Metadata[k] = v
		}
	}
	if !opts.Overwrite {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return mapS3Error("write", filePath, err)
	}
	return nil
}

// Read implements carvekit.FileReader
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(filePath)),
	})
	if err != nil {
		return nil, mapS3Error("read", filePath, err)
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
	exists, err := a.FileExists(ctx, filePath)
	if err != nil {
		return err
	}
	if !exists {
		return &carvekit.PathError{Op: "delete", Path: filePath, Err: carvekit.ErrNotExist}
	}

	_, err = a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(filePath)),
	})
	if err != nil {
		return mapS3Error("delete", filePath, err)
	}
	return nil
}

// FileExists implements carvekit.FileReader
func (a *Adapter) FileExists(ctx context.Context, filePath string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(filePath)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, mapS3Error("fileexists", filePath, err)
	}
	return true, nil
}

// DirExists implements carvekit.FileReader
func (a *Adapter) DirExists(ctx context.Context, dirPath string) (bool, error) {
	resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(a.dirKey(dirPath)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapS3Error("direxists", dirPath, err)
	}
	return len(resp.Contents) > 0 || len(resp.CommonPrefixes) > 0, nil
}

// Stat implements carvekit.FileReader
func (a *Adapter) Stat(ctx context.Context, filePath string) (*carvekit.FileInfo, error) {
	resp, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(filePath)),
	})
	if err != nil {
		if !isNotFound(err) {
			return nil, mapS3Error("stat", filePath, err)
		}
		isDir, dirErr := a.DirExists(ctx, filePath)
		if dirErr != nil || !isDir {
			return nil, mapS3Error("stat", filePath, err)
		}
		return &carvekit.FileInfo{
			Name:  path.Base(filePath),
			Path:  a.relative(a.key(filePath)),
			IsDir: true,
		}, nil
	}

	metadata := make(map[string]string, len(resp.Metadata))
	for k, v := range resp.Metadata {
		metadata[k] = v
	}

	return &carvekit.FileInfo{
		Name:        path.Base(filePath),
		Path:        a.relative(a.key(filePath)),
		Size:        aws.ToInt64(resp.ContentLength),
		ModTime:     aws.ToTime(resp.LastModified),
		ContentType: aws.ToString(resp.ContentType),
		Metadata:    metadata,
	}, nil
}

// ListContents implements carvekit.FileReader. Recursive listings report
// the implied directories as well as the objects under them.
func (a *Adapter) ListContents(ctx context.Context, prefix string, recursive bool) ([]carvekit.FileInfo, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.dirKey(prefix)),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
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
	paginator := s3.NewListObjectsV2Paginator(a.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("listcontents", prefix, err)
		}

		for _, p := range page.CommonPrefixes {
			addDir(a.relative(aws.ToString(p.Prefix)))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := a.relative(key)
			if strings.HasSuffix(key, "/") {
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
				Name:    path.Base(rel),
				Path:    rel,
				Size:    aws.ToInt64(obj.Size),
				ModTime: aws.ToTime(obj.LastModified),
			})
		}
	}

	return files, nil
}

// CreateDir implements carvekit.FileWriter with an empty marker object.
func (a *Adapter) CreateDir(ctx context.Context, dirPath string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.dirKey(dirPath)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
		ContentType:   aws.String("application/x-directory"),
	})
	if err != nil {
		return mapS3Error("createdir", dirPath, err)
	}
	return nil
}

// DeleteDir implements carvekit.FileWriter
func (a *Adapter) DeleteDir(ctx context.Context, dirPath string) error {
	dirKey := a.dirKey(dirPath)
	if dirKey == a.prefix {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotAllowed}
	}

	found := false
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(dirKey),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapS3Error("deletedir", dirPath, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		found = true

		objects := make([]types.ObjectIdentifier, len(page.Contents))
		for i, obj := range page.Contents {
			objects[i] = types.ObjectIdentifier{Key: obj.Key}
		}
		_, err = a.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(a.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return mapS3Error("deletedir", dirPath, err)
		}
	}

	if !found {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotExist}
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &nsk) || errors.As(err, &notFound)
}

// mapS3Error maps S3 errors to carvekit errors
func mapS3Error(op, filePath string, err error) error {
	if isNotFound(err) {
		return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrNotExist}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrExist}
		case "AccessDenied", "Forbidden":
			return &carvekit.PathError{Op: op, Path: filePath, Err: carvekit.ErrPermission}
		}
	}

	return &carvekit.PathError{Op: op, Path: filePath, Err: err}
}

// Checksum implements carvekit.CanChecksum by reading and hashing the object.
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

// ============================================================================
// Watcher Implementation (Polling-based)
// ============================================================================

// Watch implements carvekit.CanWatch by polling the bucket listing.
// S3 has no push notifications the adapter can subscribe to.
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
	modTime time.Time
	size    int64
}

// snapshot lists the objects matching pattern.
func (a *Adapter) snapshot(ctx context.Context, pattern string) (map[string]objectState, error) {
	state := make(map[string]objectState)

	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(a.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("watch", pattern, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			rel := a.relative(key)
			if carvekit.MatchGlob(pattern, rel) {
				state[rel] = objectState{
					modTime: aws.ToTime(obj.LastModified),
					size:    aws.ToInt64(obj.Size),
				}
			}
		}
	}

	return state, nil
}

func statesEqual(a, b map[string]objectState) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || !v.modTime.Equal(bv.modTime) || v.size != bv.size {
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
	_ API                  = (*s3.Client)(nil)
)
