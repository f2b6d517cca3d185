package carvekit

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// testFS is a map-backed FileSystem for package tests. Paths are
// slash-separated and relative.
type testFS struct {
	mu       sync.Mutex
	files    map[string]testFile
	watches  []testWatch
	writes   int
	failPath string
}

type testFile struct {
	data    []byte
	opts    Options
	modTime time.Time
}

type testWatch struct {
	pattern string
	token   *CallbackChangeToken
}

func newTestFS() *testFS {
	return &testFS{files: make(map[string]testFile)}
}

func cleanTestPath(p string) string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "." {
		return ""
	}
	return p
}

func (fs *testFS) put(p string, data []byte) {
	_ = fs.Write(context.Background(), p, bytes.NewReader(data), WithOverwrite(true))
}

func (fs *testFS) Write(ctx context.Context, p string, r io.Reader, opts ...Option) error {
	p = cleanTestPath(p)
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	o := ApplyOptions(opts...)

	fs.mu.Lock()
	if fs.failPath != "" && strings.HasPrefix(p, fs.failPath) {
		fs.mu.Unlock()
		return &PathError{Op: "write", Path: p, Err: ErrPermission}
	}
	if _, exists := fs.files[p]; exists && !o.Overwrite {
		fs.mu.Unlock()
		return &PathError{Op: "write", Path: p, Err: ErrExist}
	}
	fs.files[p] = testFile{data: data, opts: *o, modTime: time.Now()}
	fs.writes++
	var fire []*CallbackChangeToken
	for _, w := range fs.watches {
		if MatchGlob(w.pattern, p) {
			fire = append(fire, w.token)
		}
	}
	fs.mu.Unlock()

	for _, token := range fire {
		token.SignalChange()
	}
	return nil
}

func (fs *testFS) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	data, err := fs.ReadAll(ctx, p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (fs *testFS) ReadAll(ctx context.Context, p string) ([]byte, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[cleanTestPath(p)]
	if !ok {
		return nil, &PathError{Op: "read", Path: p, Err: ErrNotExist}
	}
	return bytes.Clone(f.data), nil
}

func (fs *testFS) FileExists(ctx context.Context, p string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	_, ok := fs.files[cleanTestPath(p)]
	return ok, nil
}

func (fs *testFS) DirExists(ctx context.Context, p string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := cleanTestPath(p)
	if prefix == "" {
		return true, nil
	}
	for name := range fs.files {
		if strings.HasPrefix(name, prefix+"/") {
			return true, nil
		}
	}
	return false, nil
}

func (fs *testFS) Stat(ctx context.Context, p string) (*FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = cleanTestPath(p)
	f, ok := fs.files[p]
	if !ok {
		return nil, &PathError{Op: "stat", Path: p, Err: ErrNotExist}
	}
	return &FileInfo{Name: path.Base(p), Path: p, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (fs *testFS) ListContents(ctx context.Context, dir string, recursive bool) ([]FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir = cleanTestPath(dir)
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	seenDirs := make(map[string]bool)
	var out []FileInfo
	for name, f := range fs.files {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		rest := strings.TrimPrefix(name, prefix)
		if i := strings.Index(rest, "/"); i >= 0 && !recursive {
			sub := prefix + rest[:i]
			if !seenDirs[sub] {
				seenDirs[sub] = true
				out = append(out, FileInfo{Name: rest[:i], Path: sub, IsDir: true})
			}
			continue
		}
		out = append(out, FileInfo{Name: path.Base(name), Path: name, Size: int64(len(f.data)), ModTime: f.modTime})
	}
	if dir != "" && len(out) == 0 {
		return nil, &PathError{Op: "list", Path: dir, Err: ErrNotExist}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (fs *testFS) Delete(ctx context.Context, p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.files, cleanTestPath(p))
	return nil
}

func (fs *testFS) CreateDir(ctx context.Context, p string) error { return nil }

func (fs *testFS) DeleteDir(ctx context.Context, p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	prefix := cleanTestPath(p) + "/"
	for name := range fs.files {
		if strings.HasPrefix(name, prefix) {
			delete(fs.files, name)
		}
	}
	return nil
}

func (fs *testFS) Watch(ctx context.Context, pattern string) (ChangeToken, error) {
	token := NewCallbackChangeToken()
	fs.mu.Lock()
	fs.watches = append(fs.watches, testWatch{pattern: pattern, token: token})
	fs.mu.Unlock()
	return token, nil
}

func (fs *testFS) writeCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.writes
}

func (fs *testFS) names() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var names []string
	for name := range fs.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var (
	_ FileSystem = (*testFS)(nil)
	_ CanWatch   = (*testFS)(nil)
)
