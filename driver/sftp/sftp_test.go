package sftp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/carvekit"
	"github.com/pkg/sftp"
)

// newTestAdapter serves a temporary directory with an in-process SFTP
// server and returns an adapter rooted at it.
func newTestAdapter(t *testing.T, options ...AdapterOption) (*Adapter, string) {
	t.Helper()
	root := t.TempDir()

	clientRead, serverWrite := io.Pipe()
	serverRead, clientWrite := io.Pipe()

	server, err := sftp.NewServer(struct {
		io.Reader
		io.WriteCloser
	}{serverRead, serverWrite})
	if err != nil {
		t.Fatal(err)
	}
	go server.Serve()

	client, err := sftp.NewClientPipe(clientRead, clientWrite)
	if err != nil {
		t.Fatal(err)
	}

	adapter := NewFromClient(client, append([]AdapterOption{WithBasePath(root)}, options...)...)
	t.Cleanup(func() {
		adapter.Close()
		server.Close()
	})
	return adapter, root
}

func TestWriteRead(t *testing.T) {
	fs, root := newTestAdapter(t)
	ctx := context.Background()

	if err := fs.Write(ctx, "case/disk.dd/recovered_2_11.pdf", strings.NewReader("%PDF-x%%EOF")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	onDisk, err := os.ReadFile(filepath.Join(root, "case", "disk.dd", "recovered_2_11.pdf"))
	if err != nil || string(onDisk) != "%PDF-x%%EOF" {
		t.Fatalf("file on server = %q, %v", onDisk, err)
	}

	data, err := fs.ReadAll(ctx, "case/disk.dd/recovered_2_11.pdf")
	if err != nil || string(data) != "%PDF-x%%EOF" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}

	info, err := fs.Stat(ctx, "case/disk.dd/recovered_2_11.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 11 || info.IsDir || info.Path != "case/disk.dd/recovered_2_11.pdf" || info.ContentType != "application/pdf" {
		t.Errorf("Stat() = %+v", info)
	}

	if _, err := fs.Read(ctx, "case"); !errors.Is(err, carvekit.ErrIsDir) {
		t.Errorf("Read(dir) error = %v, want ErrIsDir", err)
	}
}

func TestWriteOverwrite(t *testing.T) {
	fs, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := fs.Write(ctx, "a.bin", strings.NewReader("first")); err != nil {
		t.Fatal(err)
	}
	if err := fs.Write(ctx, "a.bin", strings.NewReader("second")); !errors.Is(err, carvekit.ErrExist) {
		t.Fatalf("expected ErrExist, got %v", err)
	}
	if err := fs.Write(ctx, "a.bin", strings.NewReader("2nd"), carvekit.WithOverwrite(true)); err != nil {
		t.Fatal(err)
	}
	if data, _ := fs.ReadAll(ctx, "a.bin"); string(data) != "2nd" {
		t.Errorf("content = %q, want 2nd", data)
	}
}

func TestErrors(t *testing.T) {
	fs, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := fs.Write(ctx, "../escape", strings.NewReader("x")); !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("traversal error = %v, want ErrNotAllowed", err)
	}
	if _, err := fs.ReadAll(ctx, "missing"); !errors.Is(err, carvekit.ErrNotExist) {
		t.Errorf("missing error = %v, want ErrNotExist", err)
	}
	if err := fs.DeleteDir(ctx, ""); !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("DeleteDir(root) error = %v, want ErrNotAllowed", err)
	}
	if ok, err := fs.FileExists(ctx, "missing"); ok || err != nil {
		t.Errorf("FileExists(missing) = %v, %v", ok, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := fs.Write(cancelled, "x", strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled write error = %v", err)
	}

	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.Stat(ctx, "x"); err == nil {
		t.Error("expected error after Close")
	}
}

func TestListContents(t *testing.T) {
	fs, _ := newTestAdapter(t)
	ctx := context.Background()

	for _, p := range []string{"evidence/a.img", "evidence/sub/b.img", "notes.txt"} {
		if err := fs.Write(ctx, p, strings.NewReader(p)); err != nil {
			t.Fatal(err)
		}
	}

	list := func(dir string, recursive bool) string {
		t.Helper()
		files, err := fs.ListContents(ctx, dir, recursive)
		if err != nil {
			t.Fatalf("ListContents(%q) error = %v", dir, err)
		}
		var out []string
		for _, f := range files {
			name := f.Path
			if f.IsDir {
				name += "/"
			}
			out = append(out, name)
		}
		sort.Strings(out)
		return strings.Join(out, ",")
	}

	if got := list("", false); got != "evidence/,notes.txt" {
		t.Errorf("root = %s", got)
	}
	if got := list("evidence", true); got != "evidence/a.img,evidence/sub/,evidence/sub/b.img" {
		t.Errorf("evidence = %s", got)
	}
	if _, err := fs.ListContents(ctx, "notes.txt", false); !errors.Is(err, carvekit.ErrNotDir) {
		t.Errorf("listing a file: %v", err)
	}

	if err := fs.DeleteDir(ctx, "evidence"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := fs.DirExists(ctx, "evidence"); ok {
		t.Error("evidence survived DeleteDir")
	}
	if err := fs.Delete(ctx, "notes.txt"); err != nil {
		t.Fatal(err)
	}
}

func TestChecksums(t *testing.T) {
	fs, _ := newTestAdapter(t)
	ctx := context.Background()
	if err := fs.Write(ctx, "abc", strings.NewReader("abc")); err != nil {
		t.Fatal(err)
	}

	sum, err := fs.Checksum(ctx, "abc", carvekit.ChecksumSHA1)
	if err != nil {
		t.Fatal(err)
	}
	if sum != "a9993e364706816aba3e25717850c26c9cd0d89d" {
		t.Errorf("sha1 = %s", sum)
	}
}

func TestWatch(t *testing.T) {
	fs, _ := newTestAdapter(t, WithPollInterval(10*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, err := fs.Watch(ctx, "evidence/**")
	if err != nil {
		t.Fatal(err)
	}
	if token.HasChanged() {
		t.Fatal("token fired before any change")
	}

	if err := fs.Write(ctx, "evidence/disk.dd", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	if err := carvekit.WaitForChange(waitCtx, token); err != nil {
		t.Fatalf("token did not fire: %v", err)
	}
}

func TestScanRemoteSource(t *testing.T) {
	src, root := newTestAdapter(t)
	ctx := context.Background()

	img := "..%PDF-remote%%EOF.."
	if err := os.MkdirAll(filepath.Join(root, "images"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "images", "disk.dd"), []byte(img), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _ := newTestAdapter(t)
	scanner, err := carvekit.NewScanner(out, carvekit.ScannerConfig{
		Dir:      "case-9",
		Manifest: carvekit.ManifestYAML,
	})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := scanner.ScanLocation(ctx, src, "images")
	if err != nil {
		t.Fatalf("ScanLocation() error = %v", err)
	}
	if summary.Sources != 1 || summary.Recovered != 1 {
		t.Fatalf("summary = %+v", summary)
	}

	data, err := out.ReadAll(ctx, "case-9/disk.dd/recovered_2_16.pdf")
	if err != nil || string(data) != "%PDF-remote%%EOF" {
		t.Fatalf("recovered = %q, %v", data, err)
	}
	if ok, _ := out.FileExists(ctx, "case-9/disk.dd/manifest.yaml"); !ok {
		t.Error("manifest not written")
	}
}
