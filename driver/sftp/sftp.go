// Package sftp reads evidence images from, and writes recovered files to,
// a remote host over SFTP.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/carvekit"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Adapter provides an SFTP implementation of carvekit.FileSystem
type Adapter struct {
	mu           sync.Mutex
	client       *sftp.Client
	conn         io.Closer
	dial         func() (*sftp.Client, io.Closer, error)
	basePath     string
	pollInterval time.Duration
}

// Config holds SFTP connection configuration
type Config struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey []byte // PEM encoded private key
	KnownHosts string // known_hosts file; empty accepts any host key
	BasePath   string
}

// AdapterOption is a function that configures SFTP Adapter
type AdapterOption func(*Adapter)

// WithBasePath roots every path under basePath on the server.
func WithBasePath(basePath string) AdapterOption {
	return func(a *Adapter) {
		a.basePath = basePath
	}
}

// WithPollInterval sets how often Watch walks the tree. Default 30s.
func WithPollInterval(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		if d > 0 {
			a.pollInterval = d
		}
	}
}

// New dials the server described by cfg.
func New(cfg Config, options ...AdapterOption) (*Adapter, error) {
	sshConfig, err := clientConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)

	adapter := &Adapter{
		basePath:     cfg.BasePath,
		pollInterval: 30 * time.Second,
		dial: func() (*sftp.Client, io.Closer, error) {
			sshConn, err := ssh.Dial("tcp", addr, sshConfig)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to connect to SSH: %w", err)
			}
			client, err := sftp.NewClient(sshConn)
			if err != nil {
				sshConn.Close()
				return nil, nil, fmt.Errorf("failed to create SFTP client: %w", err)
			}
			return client, sshConn, nil
		},
	}
	for _, option := range options {
		option(adapter)
	}

	if err := adapter.ensureConnected(); err != nil {
		return nil, err
	}
	return adapter, nil
}

// NewFromClient wraps an established session. The adapter does not
// reconnect it.
func NewFromClient(client *sftp.Client, options ...AdapterOption) *Adapter {
	adapter := &Adapter{client: client, pollInterval: 30 * time.Second}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

func clientConfig(cfg Config) (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	if cfg.KnownHosts != "" {
		callback, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		sshConfig.HostKeyCallback = callback
	}

	if len(cfg.PrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		sshConfig.Auth = append(sshConfig.Auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		sshConfig.Auth = append(sshConfig.Auth, ssh.Password(cfg.Password))
	}
	if len(sshConfig.Auth) == 0 {
		return nil, errors.New("no authentication method provided")
	}
	return sshConfig, nil
}

// Close closes the SFTP session and its SSH connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
		a.client = nil
	}
	if a.conn != nil {
		errs = append(errs, a.conn.Close())
		a.conn = nil
	}
	return errors.Join(errs...)
}

// ensureConnected redials when the session is gone or stops answering.
func (a *Adapter) ensureConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		if _, err := a.client.Getwd(); err == nil {
			return nil
		}
		a.client.Close()
		if a.conn != nil {
			a.conn.Close()
		}
		a.client, a.conn = nil, nil
	}
	if a.dial == nil {
		return errors.New("sftp session closed")
	}

	client, conn, err := a.dial()
	if err != nil {
		return err
	}
	a.client, a.conn = client, conn
	return nil
}

// session checks ctx and the connection, and resolves p under the base path.
func (a *Adapter) session(ctx context.Context, op, p string) (*sftp.Client, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	full, ok := a.fullPath(p)
	if !ok {
		return nil, "", &carvekit.PathError{Op: op, Path: p, Err: carvekit.ErrNotAllowed}
	}
	if err := a.ensureConnected(); err != nil {
		return nil, "", &carvekit.PathError{Op: op, Path: p, Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, full, nil
}

// fullPath joins p under the base path and reports whether it stays there.
func (a *Adapter) fullPath(p string) (string, bool) {
	base := a.basePath
	if base == "" {
		base = "."
	}
	full := path.Join(base, p)
	if base == "." {
		return full, full != ".." && !strings.HasPrefix(full, "../")
	}
	base = path.Clean(base)
	return full, full == base || strings.HasPrefix(full, strings.TrimSuffix(base, "/")+"/")
}

// Write implements carvekit.FileWriter
func (a *Adapter) Write(ctx context.Context, filePath string, content io.Reader, options ...carvekit.Option) error {
	client, full, err := a.session(ctx, "write", filePath)
	if err != nil {
		return err
	}
	opts := carvekit.ApplyOptions(options...)

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !opts.Overwrite {
		if _, err := client.Stat(full); err == nil {
			return &carvekit.PathError{Op: "write", Path: filePath, Err: carvekit.ErrExist}
		} else if !os.IsNotExist(err) {
			return mapSFTPError("write", filePath, err)
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}

	if err := client.MkdirAll(path.Dir(full)); err != nil {
		return mapSFTPError("write", filePath, err)
	}

	file, err := client.OpenFile(full, flags)
	if err != nil {
		return mapSFTPError("write", filePath, err)
	}
	if _, err := file.ReadFrom(content); err != nil {
		file.Close()
		return mapSFTPError("write", filePath, err)
	}
	if err := file.Close(); err != nil {
		return mapSFTPError("write", filePath, err)
	}
	return nil
}

// Read implements carvekit.FileReader
func (a *Adapter) Read(ctx context.Context, filePath string) (io.ReadCloser, error) {
	client, full, err := a.session(ctx, "read", filePath)
	if err != nil {
		return nil, err
	}

	file, err := client.Open(full)
	if err != nil {
		return nil, mapSFTPError("read", filePath, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, mapSFTPError("read", filePath, err)
	}
	if info.IsDir() {
		file.Close()
		return nil, &carvekit.PathError{Op: "read", Path: filePath, Err: carvekit.ErrIsDir}
	}
	return file, nil
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
		return nil, mapSFTPError("read", filePath, err)
	}
	return data, nil
}

// Delete implements carvekit.FileWriter
func (a *Adapter) Delete(ctx context.Context, filePath string) error {
	client, full, err := a.session(ctx, "delete", filePath)
	if err != nil {
		return err
	}
	if err := client.Remove(full); err != nil {
		return mapSFTPError("delete", filePath, err)
	}
	return nil
}

// FileExists implements carvekit.FileReader
func (a *Adapter) FileExists(ctx context.Context, filePath string) (bool, error) {
	client, full, err := a.session(ctx, "fileexists", filePath)
	if err != nil {
		return false, err
	}

	info, err := client.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, mapSFTPError("fileexists", filePath, err)
	}
	return !info.IsDir(), nil
}

// DirExists implements carvekit.FileReader
func (a *Adapter) DirExists(ctx context.Context, dirPath string) (bool, error) {
	client, full, err := a.session(ctx, "direxists", dirPath)
	if err != nil {
		return false, err
	}

	info, err := client.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, mapSFTPError("direxists", dirPath, err)
	}
	return info.IsDir(), nil
}

// Stat implements carvekit.FileReader
func (a *Adapter) Stat(ctx context.Context, filePath string) (*carvekit.FileInfo, error) {
	client, full, err := a.session(ctx, "stat", filePath)
	if err != nil {
		return nil, err
	}

	info, err := client.Stat(full)
	if err != nil {
		return nil, mapSFTPError("stat", filePath, err)
	}
	rel := strings.Trim(path.Clean("/"+filePath), "/")
	return fileInfo(rel, info), nil
}

// ListContents implements carvekit.FileReader. Paths are relative to the
// base path and slash separated.
func (a *Adapter) ListContents(ctx context.Context, dir string, recursive bool) ([]carvekit.FileInfo, error) {
	client, full, err := a.session(ctx, "listcontents", dir)
	if err != nil {
		return nil, err
	}

	info, err := client.Stat(full)
	if err != nil {
		return nil, mapSFTPError("listcontents", dir, err)
	}
	if !info.IsDir() {
		return nil, &carvekit.PathError{Op: "listcontents", Path: dir, Err: carvekit.ErrNotDir}
	}

	var files []carvekit.FileInfo
	rel := strings.Trim(path.Clean("/"+dir), "/")
	if err := listDir(ctx, client, full, rel, recursive, &files); err != nil {
		return nil, mapSFTPError("listcontents", dir, err)
	}
	return files, nil
}

func listDir(ctx context.Context, client *sftp.Client, full, rel string, recursive bool, results *[]carvekit.FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := client.ReadDir(full)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		entryRel := path.Join(rel, entry.Name())
		*results = append(*results, *fileInfo(entryRel, entry))

		if recursive && entry.IsDir() {
			if err := listDir(ctx, client, path.Join(full, entry.Name()), entryRel, true, results); err != nil {
				return err
			}
		}
	}
	return nil
}

func fileInfo(rel string, info os.FileInfo) *carvekit.FileInfo {
	fi := &carvekit.FileInfo{
		Name:    info.Name(),
		Path:    rel,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if rel != "" {
		fi.Name = path.Base(rel)
	}
	if !fi.IsDir {
		fi.ContentType = mime.TypeByExtension(path.Ext(rel))
	}
	return fi
}

// CreateDir implements carvekit.FileWriter
func (a *Adapter) CreateDir(ctx context.Context, dirPath string) error {
	client, full, err := a.session(ctx, "createdir", dirPath)
	if err != nil {
		return err
	}
	if err := client.MkdirAll(full); err != nil {
		return mapSFTPError("createdir", dirPath, err)
	}
	return nil
}

// DeleteDir implements carvekit.FileWriter
func (a *Adapter) DeleteDir(ctx context.Context, dirPath string) error {
	client, full, err := a.session(ctx, "deletedir", dirPath)
	if err != nil {
		return err
	}
	if base, _ := a.fullPath(""); full == base {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotAllowed}
	}

	info, err := client.Stat(full)
	if err != nil {
		return mapSFTPError("deletedir", dirPath, err)
	}
	if !info.IsDir() {
		return &carvekit.PathError{Op: "deletedir", Path: dirPath, Err: carvekit.ErrNotDir}
	}
	if err := client.RemoveAll(full); err != nil {
		return mapSFTPError("deletedir", dirPath, err)
	}
	return nil
}

// mapSFTPError maps SFTP status errors to carvekit errors
func mapSFTPError(op, p string, err error) error {
	var status *sftp.StatusError
	switch {
	case os.IsNotExist(err):
		err = carvekit.ErrNotExist
	case os.IsPermission(err):
		err = carvekit.ErrPermission
	case errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile:
		err = carvekit.ErrNotExist
	}
	return &carvekit.PathError{Op: op, Path: p, Err: err}
}

// Checksum implements carvekit.CanChecksum by streaming the remote file.
func (a *Adapter) Checksum(ctx context.Context, filePath string, algorithm carvekit.ChecksumAlgorithm) (string, error) {
	sums, err := a.Checksums(ctx, filePath, []carvekit.ChecksumAlgorithm{algorithm})
	if err != nil {
		return "", err
	}
	return sums[algorithm], nil
}

// Checksums implements carvekit.CanChecksum in a single read pass.
func (a *Adapter) Checksums(ctx context.Context, filePath string, algorithms []carvekit.ChecksumAlgorithm) (map[carvekit.ChecksumAlgorithm]string, error) {
	rc, err := a.Read(ctx, filePath)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	sums, err := carvekit.CalculateChecksums(rc, algorithms)
	if err != nil {
		return nil, &carvekit.PathError{Op: "checksum", Path: filePath, Err: err}
	}
	return sums, nil
}

// ============================================================================
// Watcher Implementation (Polling-based)
// ============================================================================

// Watch implements carvekit.CanWatch by walking the tree on an interval.
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
			return err == nil && !statesEqual(initial, current)
		},
	}), nil
}

type fileState struct {
	modTime time.Time
	size    int64
}

func (a *Adapter) snapshot(ctx context.Context, pattern string) (map[string]fileState, error) {
	files, err := a.ListContents(ctx, "", true)
	if err != nil {
		return nil, err
	}
	state := make(map[string]fileState)
	for _, f := range files {
		if !f.IsDir && carvekit.MatchGlob(pattern, f.Path) {
			state[f.Path] = fileState{modTime: f.ModTime, size: f.Size}
		}
	}
	return state, nil
}

func statesEqual(a, b map[string]fileState) bool {
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
)
