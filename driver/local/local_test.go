package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/carvekit"
)

func newAdapter(t *testing.T) (*Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	a, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a, dir
}

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	a, dir := newAdapter(t)

	if err := a.Write(ctx, "case/a/recovered_0_11.pdf", strings.NewReader("%PDF-x%%EOF")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "case", "a", "recovered_0_11.pdf"))
	if err != nil || string(onDisk) != "%PDF-x%%EOF" {
		t.Fatalf("file on disk = %q, %v", onDisk, err)
	}

	data, err := a.ReadAll(ctx, "case/a/recovered_0_11.pdf")
	if err != nil || string(data) != "%PDF-x%%EOF" {
		t.Errorf("ReadAll() = %q, %v", data, err)
	}

	ok, err := a.FileExists(ctx, "case/a/recovered_0_11.pdf")
	if err != nil || !ok {
		t.Errorf("FileExists() = %v, %v", ok, err)
	}
	ok, _ = a.DirExists(ctx, "case/a")
	if !ok {
		t.Error("DirExists() = false for created parent")
	}
	ok, _ = a.FileExists(ctx, "case/a")
	if ok {
		t.Error("FileExists() = true for a directory")
	}
}

func TestWriteOverwrite(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t)

	if err := a.Write(ctx, "f.bin", strings.NewReader("first")); err != nil {
		t.Fatal(err)
	}

	err := a.Write(ctx, "f.bin", strings.NewReader("second"))
	if !errors.Is(err, carvekit.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	if data, _ := a.ReadAll(ctx, "f.bin"); string(data) != "first" {
		t.Errorf("existing file changed to %q", data)
	}

	if err := a.Write(ctx, "f.bin", strings.NewReader("second"), carvekit.WithOverwrite(true)); err != nil {
		t.Fatalf("overwrite error = %v", err)
	}
	if data, _ := a.ReadAll(ctx, "f.bin"); string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
}

func TestPathOutsideRoot(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t)

	err := a.Write(ctx, "../escape.bin", strings.NewReader("x"))
	if !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("Write() expected ErrNotAllowed, got %v", err)
	}
	if _, err := a.Read(ctx, "../../etc/passwd"); !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("Read() expected ErrNotAllowed, got %v", err)
	}
	if _, err := a.LocalPath("../x"); !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("LocalPath() expected ErrNotAllowed, got %v", err)
	}
	if err := a.DeleteDir(ctx, ""); !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("DeleteDir(root) expected ErrNotAllowed, got %v", err)
	}
}

func TestNotExist(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t)

	if _, err := a.Read(ctx, "missing"); !carvekit.IsNotExist(err) {
		t.Errorf("Read() error = %v", err)
	}
	if _, err := a.Stat(ctx, "missing"); !carvekit.IsNotExist(err) {
		t.Errorf("Stat() error = %v", err)
	}
	if err := a.Delete(ctx, "missing"); !carvekit.IsNotExist(err) {
		t.Errorf("Delete() error = %v", err)
	}
	if _, err := a.ListContents(ctx, "missing", false); !carvekit.IsNotExist(err) {
		t.Errorf("ListContents() error = %v", err)
	}
}

func TestListContents(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t)
	for _, p := range []string{"a.img", "sub/b.img", "sub/deep/c.img"} {
		if err := a.Write(ctx, p, strings.NewReader(p)); err != nil {
			t.Fatal(err)
		}
	}

	paths := func(files []carvekit.FileInfo) []string {
		var out []string
		for _, f := range files {
			out = append(out, f.Path)
		}
		slices.Sort(out)
		return out
	}

	top, err := a.ListContents(ctx, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := paths(top); !slices.Equal(got, []string{"a.img", "sub"}) {
		t.Errorf("top level = %v", got)
	}

	all, err := a.ListContents(ctx, "", true)
	if err != nil {
		t.Fatal(err)
	}
	if got := paths(all); !slices.Equal(got, []string{"a.img", "sub", "sub/b.img", "sub/deep", "sub/deep/c.img"}) {
		t.Errorf("recursive = %v", got)
	}

	sub, err := a.ListContents(ctx, "sub", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := paths(sub); !slices.Equal(got, []string{"sub/b.img", "sub/deep"}) {
		t.Errorf("sub = %v", got)
	}

	if _, err := a.ListContents(ctx, "a.img", false); !errors.Is(err, carvekit.ErrNotDir) {
		t.Errorf("expected ErrNotDir, got %v", err)
	}

	info, err := a.Stat(ctx, "sub/deep/c.img")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "c.img" || info.Path != "sub/deep/c.img" || info.Size != int64(len("sub/deep/c.img")) {
		t.Errorf("Stat() = %+v", info)
	}
}

func TestDeleteDir(t *testing.T) {
	ctx := context.Background()
	a, _ := newAdapter(t)
	if err := a.Write(ctx, "case/x.bin", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := a.DeleteDir(ctx, "case/x.bin"); !errors.Is(err, carvekit.ErrNotDir) {
		t.Errorf("expected ErrNotDir, got %v", err)
	}
	if err := a.DeleteDir(ctx, "case"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.DirExists(ctx, "case"); ok {
		t.Error("directory still exists")
	}
}

func TestLocalPathAndChecksums(t *testing.T) {
	ctx := context.Background()
	a, dir := newAdapter(t)
	if err := a.Write(ctx, "img/disk.dd", strings.NewReader("abc")); err != nil {
		t.Fatal(err)
	}

	p, err := a.LocalPath("img/disk.dd")
	if err != nil {
		t.Fatal(err)
	}
	if p != filepath.Join(a.Root(), "img", "disk.dd") || !strings.HasPrefix(p, a.Root()) {
		t.Errorf("LocalPath() = %s", p)
	}
	if abs, _ := filepath.Abs(dir); a.Root() != abs {
		t.Errorf("Root() = %s, want %s", a.Root(), abs)
	}

	sum, err := a.Checksum(ctx, "img/disk.dd", carvekit.ChecksumSHA256)
	if err != nil {
		t.Fatal(err)
	}
	if sum != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("sha256 = %s", sum)
	}

	sums, err := a.Checksums(ctx, "img/disk.dd", []carvekit.ChecksumAlgorithm{carvekit.ChecksumMD5, carvekit.ChecksumXXHash})
	if err != nil {
		t.Fatal(err)
	}
	if sums[carvekit.ChecksumMD5] != "900150983cd24fb0d6963f7d28e17f72" || sums[carvekit.ChecksumXXHash] == "" {
		t.Errorf("Checksums() = %v", sums)
	}

	if _, err := a.Checksum(ctx, "missing", carvekit.ChecksumMD5); !carvekit.IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func waitChanged(t *testing.T, token carvekit.ChangeToken) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if token.HasChanged() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, dir := newAdapter(t)
	if err := a.CreateDir(ctx, "evidence"); err != nil {
		t.Fatal(err)
	}

	token, err := a.Watch(ctx, "evidence/*.img")
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "evidence", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if token.HasChanged() {
		t.Fatal("token fired for a file outside the pattern")
	}

	if err := os.WriteFile(filepath.Join(dir, "evidence", "disk.img"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !waitChanged(t, token) {
		t.Error("token did not fire for a matching file")
	}
}

func TestWatchRecursive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, dir := newAdapter(t)
	if err := os.MkdirAll(filepath.Join(dir, "evidence", "nested"), 0755); err != nil {
		t.Fatal(err)
	}

	token, err := a.Watch(ctx, "evidence/**")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "evidence", "nested", "disk.img"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if !waitChanged(t, token) {
		t.Error("token did not fire for a nested file")
	}
}

func TestRegisteredDriver(t *testing.T) {
	dir := t.TempDir()
	fs, err := carvekit.New(&carvekit.Config{Driver: "local", OutputDir: dir})
	if err != nil {
		t.Fatalf("carvekit.New() error = %v", err)
	}
	a, ok := fs.(*Adapter)
	if !ok {
		t.Fatalf("driver type = %T", fs)
	}
	if abs, _ := filepath.Abs(dir); a.Root() != abs {
		t.Errorf("root = %s, want %s", a.Root(), abs)
	}
}

func TestScanLocationFromDisk(t *testing.T) {
	ctx := context.Background()
	src, srcDir := newAdapter(t)
	out, outDir := newAdapter(t)

	image := []byte("..%PDF-1.5 disk%%EOF..")
	if err := os.MkdirAll(filepath.Join(srcDir, "case"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srcDir, "case", "disk.dd"), image, 0444); err != nil {
		t.Fatal(err)
	}

	s, err := carvekit.NewScanner(out, carvekit.ScannerConfig{
		Dir:       "run1",
		Mmap:      true,
		Checksums: []carvekit.ChecksumAlgorithm{carvekit.ChecksumBLAKE3},
		Manifest:  carvekit.ManifestJSON,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := s.ScanLocation(ctx, src, "")
	if err != nil {
		t.Fatalf("ScanLocation() error = %v", err)
	}
	if summary.Sources != 1 || summary.Recovered != 1 {
		t.Errorf("summary = %+v", summary)
	}

	got, err := os.ReadFile(filepath.Join(outDir, "run1", "case", "disk.dd", "recovered_2_11.pdf"))
	if err != nil {
		t.Fatalf("recovered file missing: %v", err)
	}
	if !bytes.Equal(got, []byte("%PDF-1.5 disk%%EOF")) {
		t.Errorf("recovered = %q", got)
	}
	if _, err := os.Stat(filepath.Join(outDir, "run1", "case", "disk.dd", "manifest.json")); err != nil {
		t.Errorf("manifest missing: %v", err)
	}

	after, _ := os.ReadFile(filepath.Join(srcDir, "case", "disk.dd"))
	if !bytes.Equal(after, image) {
		t.Error("source image was modified")
	}
}

func TestScanLocationOutputBelowSource(t *testing.T) {
	ctx := context.Background()
	src, srcDir := newAdapter(t)
	if err := os.WriteFile(filepath.Join(srcDir, "disk.img"), []byte("XX%PDF-body%%EOFYY"), 0644); err != nil {
		t.Fatal(err)
	}
	out, err := New(filepath.Join(srcDir, "recovered"))
	if err != nil {
		t.Fatal(err)
	}

	s, err := carvekit.NewScanner(out, carvekit.ScannerConfig{
		Manifest:  carvekit.ManifestNone,
		Overwrite: true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	for run := 1; run <= 3; run++ {
		summary, err := s.ScanLocation(ctx, src, "")
		if err != nil {
			t.Fatalf("run %d: ScanLocation() error = %v", run, err)
		}
		if summary.Sources != 1 || summary.Candidates != 1 {
			t.Errorf("run %d: summary = %+v", run, summary)
		}
	}
	if _, err := os.Stat(filepath.Join(srcDir, "recovered", "recovered")); !os.IsNotExist(err) {
		t.Errorf("previous output was carved again: %v", err)
	}

	// Scanning from inside the output directory is refused.
	inner, err := New(filepath.Join(srcDir, "recovered", "disk.img"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.ScanLocation(ctx, inner, ""); !errors.Is(err, carvekit.ErrOutputOverlap) {
		t.Errorf("ScanLocation() inside output error = %v, want ErrOutputOverlap", err)
	}
}

func TestWatchDoesNotMapSources(t *testing.T) {
	src, srcDir := newAdapter(t)
	out, outDir := newAdapter(t)
	if err := os.WriteFile(filepath.Join(srcDir, "disk.img"), []byte("XX%PDF-body%%EOFYY"), 0644); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	s, err := carvekit.NewScanner(out, carvekit.ScannerConfig{
		Mmap:     true,
		Manifest: carvekit.ManifestNone,
		Logger:   slog.New(slog.NewJSONHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.Watch(ctx, src, "") }()

	want := filepath.Join(outDir, "disk.img", "recovered_2_11.pdf")
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := os.Stat(want); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watch did not carve the source")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	if !strings.Contains(logs.String(), `"mapped":false`) || strings.Contains(logs.String(), `"mapped":true`) {
		t.Errorf("watched source was mapped:\n%s", logs.String())
	}
}
