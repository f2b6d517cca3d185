// Package memory keeps files in process memory. It serves dry runs and tests,
// and the "memory" output driver when recovered files only need to live as
// long as the process.
package memory

import (
	"bytes"
	"context"
	"io"
	"maps"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/carvekit"
)

type node struct {
	data        []byte
	contentType string
	metadata    map[string]string
	modTime     time.Time
}

type watcher struct {
	pattern string
	token   *carvekit.CallbackChangeToken
}

// Config holds options for New.
type Config struct {
	// Limit caps the bytes held across all files. Zero means no limit.
	Limit int64
}

// Adapter is an in-memory carvekit.FileSystem. Directories exist when
// created explicitly or when a file is written below them.
type Adapter struct {
	mu    sync.RWMutex
	files map[string]*node
	dirs  map[string]time.Time
	limit int64
	used  int64

	watchMu  sync.Mutex
	watchers []*watcher
}

// New returns an empty filesystem.
func New(cfg ...Config) *Adapter {
	a := &Adapter{
		files: make(map[string]*node),
		dirs:  map[string]time.Time{"": time.Now()},
	}
	if len(cfg) > 0 {
		a.limit = cfg[0].Limit
	}
	return a
}

// cleanPath returns the slash-separated key for p. "" is the root.
func cleanPath(op, p string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(strings.ReplaceAll(p, "\\", "/"), "/"))
	switch {
	case cleaned == ".":
		return "", nil
	case cleaned == ".." || strings.HasPrefix(cleaned, "../"):
		return "", &carvekit.PathError{Op: op, Path: p, Err: carvekit.ErrNotAllowed}
	}
	return cleaned, nil
}

// parents lists the directories above name, nearest first.
func parents(name string) []string {
	var dirs []string
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		dirs = append(dirs, dir)
	}
	return dirs
}

// makeParents creates the directories above name. The lock must be held.
func (a *Adapter) makeParents(op, name string) error {
	above := parents(name)
	for _, dir := range above {
		if _, isFile := a.files[dir]; isFile {
			return &carvekit.PathError{Op: op, Path: name, Err: carvekit.ErrNotDir}
		}
	}
	now := time.Now()
	for _, dir := range above {
		if _, ok := a.dirs[dir]; !ok {
			a.dirs[dir] = now
		}
	}
	return nil
}

// lookup returns the file stored at p. The read lock must be held.
func (a *Adapter) lookup(op, p string) (string, *node, error) {
	name, err := cleanPath(op, p)
	if err != nil {
		return "", nil, err
	}
	if f, ok := a.files[name]; ok {
		return name, f, nil
	}
	if _, ok := a.dirs[name]; ok {
		return name, nil, &carvekit.PathError{Op: op, Path: name, Err: carvekit.ErrIsDir}
	}
	return name, nil, &carvekit.PathError{Op: op, Path: name, Err: carvekit.ErrNotExist}
}

func fileInfo(name string, f *node) carvekit.FileInfo {
	return carvekit.FileInfo{
		Name:        path.Base(name),
		Path:        name,
		Size:        int64(len(f.data)),
		ModTime:     f.modTime,
		ContentType: f.contentType,
		Metadata:    maps.Clone(f.metadata),
	}
}

func dirInfo(name string, modTime time.Time) carvekit.FileInfo {
	return carvekit.FileInfo{Name: path.Base(name), Path: name, ModTime: modTime, IsDir: true}
}

// Write implements carvekit.FileWriter. Without a content type option the
// type is guessed from the extension and the data.
func (a *Adapter) Write(ctx context.Context, p string, r io.Reader, options ...carvekit.Option) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanPath("write", p)
	if err != nil {
		return err
	}
	if name == "" {
		return &carvekit.PathError{Op: "write", Path: p, Err: carvekit.ErrIsDir}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return &carvekit.PathError{Op: "write", Path: name, Err: err}
	}
	opts := carvekit.ApplyOptions(options...)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = carvekit.GuessContentType(path.Ext(name), data)
	}

	a.mu.Lock()
	if _, isDir := a.dirs[name]; isDir {
		a.mu.Unlock()
		return &carvekit.PathError{Op: "write", Path: name, Err: carvekit.ErrIsDir}
	}
	var replaced int64
	if old, exists := a.files[name]; exists {
		if !opts.Overwrite {
			a.mu.Unlock()
			return &carvekit.PathError{Op: "write", Path: name, Err: carvekit.ErrExist}
		}
		replaced = int64(len(old.data))
	}
	used := a.used - replaced + int64(len(data))
	if a.limit > 0 && used > a.limit {
		a.mu.Unlock()
		return &carvekit.PathError{Op: "write", Path: name, Err: carvekit.ErrInvalidSize}
	}
	if err := a.makeParents("write", name); err != nil {
		a.mu.Unlock()
		return err
	}
	a.files[name] = &node{
		data:        data,
		contentType: contentType,
		metadata:    maps.Clone(opts.Metadata),
		modTime:     time.Now(),
	}
	a.used = used
	a.mu.Unlock()

	a.notify(name)
	return nil
}

// Read implements carvekit.FileReader.
func (a *Adapter) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, f, err := a.lookup("read", p)
	if err != nil {
		return nil, err
	}
	// Stored slices are replaced, never modified, so readers may share them.
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

// ReadAll implements carvekit.FileReader.
func (a *Adapter) ReadAll(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	_, f, err := a.lookup("read", p)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(f.data), nil
}

// FileExists implements carvekit.FileReader.
func (a *Adapter) FileExists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	name, err := cleanPath("fileexists", p)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.files[name]
	return ok, nil
}

// DirExists implements carvekit.FileReader.
func (a *Adapter) DirExists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	name, err := cleanPath("direxists", p)
	if err != nil {
		return false, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.dirs[name]
	return ok, nil
}

// Stat implements carvekit.FileReader.
func (a *Adapter) Stat(ctx context.Context, p string) (*carvekit.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanPath("stat", p)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if f, ok := a.files[name]; ok {
		info := fileInfo(name, f)
		return &info, nil
	}
	if modTime, ok := a.dirs[name]; ok {
		info := dirInfo(name, modTime)
		return &info, nil
	}
	return nil, &carvekit.PathError{Op: "stat", Path: name, Err: carvekit.ErrNotExist}
}

// ListContents implements carvekit.FileReader. Entries are sorted by path.
func (a *Adapter) ListContents(ctx context.Context, dir string, recursive bool) ([]carvekit.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name, err := cleanPath("listcontents", dir)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	if _, isFile := a.files[name]; isFile {
		return nil, &carvekit.PathError{Op: "listcontents", Path: name, Err: carvekit.ErrNotDir}
	}
	if _, ok := a.dirs[name]; !ok {
		return nil, &carvekit.PathError{Op: "listcontents", Path: name, Err: carvekit.ErrNotExist}
	}

	prefix := ""
	if name != "" {
		prefix = name + "/"
	}
	below := func(p string) bool {
		rest, ok := strings.CutPrefix(p, prefix)
		return ok && rest != "" && (recursive || !strings.Contains(rest, "/"))
	}

	var entries []carvekit.FileInfo
	for p, f := range a.files {
		if below(p) {
			entries = append(entries, fileInfo(p, f))
		}
	}
	for p, modTime := range a.dirs {
		if below(p) {
			entries = append(entries, dirInfo(p, modTime))
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Delete implements carvekit.FileWriter.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	name, f, err := a.lookup("delete", p)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.used -= int64(len(f.data))
	delete(a.files, name)
	a.mu.Unlock()

	a.notify(name)
	return nil
}

// CreateDir implements carvekit.FileWriter.
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanPath("createdir", p)
	if err != nil || name == "" {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, isFile := a.files[name]; isFile {
		return &carvekit.PathError{Op: "createdir", Path: name, Err: carvekit.ErrExist}
	}
	if err := a.makeParents("createdir", name); err != nil {
		return err
	}
	if _, ok := a.dirs[name]; !ok {
		a.dirs[name] = time.Now()
	}
	return nil
}

// DeleteDir implements carvekit.FileWriter. It removes the directory and
// everything below it; the root cannot be removed.
func (a *Adapter) DeleteDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, err := cleanPath("deletedir", p)
	if err != nil {
		return err
	}
	if name == "" {
		return &carvekit.PathError{Op: "deletedir", Path: p, Err: carvekit.ErrNotAllowed}
	}

	a.mu.Lock()
	if _, ok := a.dirs[name]; !ok {
		_, isFile := a.files[name]
		a.mu.Unlock()
		if isFile {
			return &carvekit.PathError{Op: "deletedir", Path: name, Err: carvekit.ErrNotDir}
		}
		return &carvekit.PathError{Op: "deletedir", Path: name, Err: carvekit.ErrNotExist}
	}
	prefix := name + "/"
	var removed []string
	for fp, f := range a.files {
		if strings.HasPrefix(fp, prefix) {
			a.used -= int64(len(f.data))
			delete(a.files, fp)
			removed = append(removed, fp)
		}
	}
	for dp := range a.dirs {
		if dp == name || strings.HasPrefix(dp, prefix) {
			delete(a.dirs, dp)
		}
	}
	a.mu.Unlock()

	for _, fp := range removed {
		a.notify(fp)
	}
	return nil
}

// Checksum implements carvekit.CanChecksum.
func (a *Adapter) Checksum(ctx context.Context, p string, algorithm carvekit.ChecksumAlgorithm) (string, error) {
	sums, err := a.Checksums(ctx, p, []carvekit.ChecksumAlgorithm{algorithm})
	if err != nil {
		return "", err
	}
	return sums[algorithm], nil
}

// Checksums implements carvekit.CanChecksum, hashing the content in one pass.
func (a *Adapter) Checksums(ctx context.Context, p string, algorithms []carvekit.ChecksumAlgorithm) (map[carvekit.ChecksumAlgorithm]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.RLock()
	name, f, err := a.lookup("checksum", p)
	a.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	sums, err := carvekit.CalculateChecksums(bytes.NewReader(f.data), algorithms)
	if err != nil {
		return nil, &carvekit.PathError{Op: "checksum", Path: name, Err: err}
	}
	return sums, nil
}

// Watch implements carvekit.CanWatch. The pattern follows carvekit.Glob,
// e.g. "evidence/**" or "*.dd". The token stops firing once ctx is done.
func (a *Adapter) Watch(ctx context.Context, pattern string) (carvekit.ChangeToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := carvekit.Glob(pattern); err != nil {
		return nil, &carvekit.PathError{Op: "watch", Path: pattern, Err: err}
	}

	w := &watcher{pattern: pattern, token: carvekit.NewCallbackChangeToken()}
	a.watchMu.Lock()
	a.watchers = append(a.watchers, w)
	a.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		a.watchMu.Lock()
		defer a.watchMu.Unlock()
		for i, other := range a.watchers {
			if other == w {
				a.watchers = append(a.watchers[:i], a.watchers[i+1:]...)
				break
			}
		}
	}()
	return w.token, nil
}

// notify signals every watcher whose pattern matches name.
func (a *Adapter) notify(name string) {
	a.watchMu.Lock()
	var fire []*carvekit.CallbackChangeToken
	for _, w := range a.watchers {
		if carvekit.MatchGlob(w.pattern, name) {
			fire = append(fire, w.token)
		}
	}
	a.watchMu.Unlock()

	for _, token := range fire {
		token.SignalChange()
	}
}

var (
	_ carvekit.FileSystem  = (*Adapter)(nil)
	_ carvekit.CanChecksum = (*Adapter)(nil)
	_ carvekit.CanWatch    = (*Adapter)(nil)
)
