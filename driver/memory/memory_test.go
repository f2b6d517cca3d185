package memory

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/carvekit"
)

func paths(files []carvekit.FileInfo) []string {
	var out []string
	for _, f := range files {
		name := f.Path
		if f.IsDir {
			name += "/"
		}
		out = append(out, name)
	}
	return out
}

func TestWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("stores recovered file with metadata", func(t *testing.T) {
		a := New()
		meta := map[string]string{"offset": "2", "extension": "pdf"}

		err := a.Write(ctx, "case/recovered_2_11.pdf", strings.NewReader("%PDF-x%%EOF"),
			carvekit.WithMetadata(meta), carvekit.WithContentType("application/pdf"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		meta["offset"] = "changed"

		info, err := a.Stat(ctx, "/case/recovered_2_11.pdf")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.Size != 11 || info.ContentType != "application/pdf" || info.Metadata["offset"] != "2" {
			t.Errorf("unexpected info: %+v", info)
		}
		if ok, _ := a.DirExists(ctx, "case"); !ok {
			t.Error("expected parent directory to exist")
		}
	})

	t.Run("guesses content type", func(t *testing.T) {
		a := New()
		_ = a.Write(ctx, "recovered_0_11.pdf", strings.NewReader("%PDF-x%%EOF"))
		_ = a.Write(ctx, "blob", strings.NewReader("\x00\x01\x02"))

		for name, want := range map[string]string{
			"recovered_0_11.pdf": carvekit.GuessContentType("pdf", nil),
			"blob":               carvekit.GuessContentType("", []byte("\x00\x01\x02")),
		} {
			info, err := a.Stat(ctx, name)
			if err != nil || info.ContentType != want {
				t.Errorf("Stat(%s) content type = %v, %v; want %s", name, info, err, want)
			}
		}
	})

	t.Run("rejects bad paths", func(t *testing.T) {
		a := New()
		_ = a.Write(ctx, "disk.img", strings.NewReader("x"))

		tests := []struct {
			path string
			want error
		}{
			{"../escape.bin", carvekit.ErrNotAllowed},
			{"case/../../escape.bin", carvekit.ErrNotAllowed},
			{"", carvekit.ErrIsDir},
			{"disk.img/recovered_0_11.pdf", carvekit.ErrNotDir},
		}
		for _, tt := range tests {
			if err := a.Write(ctx, tt.path, strings.NewReader("x")); !errors.Is(err, tt.want) {
				t.Errorf("Write(%q) error = %v, want %v", tt.path, err, tt.want)
			}
		}
		if err := a.Write(ctx, "case..notes", strings.NewReader("x")); err != nil {
			t.Errorf("dots inside a name rejected: %v", err)
		}
	})

	t.Run("enforces limit across files", func(t *testing.T) {
		a := New(Config{Limit: 8})
		if err := a.Write(ctx, "a.bin", strings.NewReader("12345")); err != nil {
			t.Fatal(err)
		}
		if err := a.Write(ctx, "b.bin", strings.NewReader("6789")); !errors.Is(err, carvekit.ErrInvalidSize) {
			t.Errorf("expected ErrInvalidSize, got %v", err)
		}
		// Replacing a file only counts the difference.
		if err := a.Write(ctx, "a.bin", strings.NewReader("12345678"), carvekit.WithOverwrite(true)); err != nil {
			t.Errorf("overwrite within limit: %v", err)
		}
		if err := a.Delete(ctx, "a.bin"); err != nil {
			t.Fatal(err)
		}
		if err := a.Write(ctx, "b.bin", strings.NewReader("6789")); err != nil {
			t.Errorf("delete did not release space: %v", err)
		}
	})

	t.Run("keeps existing file without overwrite", func(t *testing.T) {
		a := New()
		_ = a.Write(ctx, "f.bin", strings.NewReader("first"))

		err := a.Write(ctx, "f.bin", strings.NewReader("second"))
		if !errors.Is(err, carvekit.ErrExist) {
			t.Fatalf("expected ErrExist, got %v", err)
		}

		if err := a.Write(ctx, "f.bin", strings.NewReader("second"), carvekit.WithOverwrite(true)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		data, _ := a.ReadAll(ctx, "f.bin")
		if string(data) != "second" {
			t.Errorf("content = %q", data)
		}
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		a := New()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := a.Write(ctx, "f.bin", strings.NewReader("x")); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestReadDelete(t *testing.T) {
	ctx := context.Background()
	a := New()
	_ = a.Write(ctx, "case/a.bin", strings.NewReader("abc"))

	rc, err := a.Read(ctx, "case/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "abc" {
		t.Errorf("Read() = %q", data)
	}

	all, _ := a.ReadAll(ctx, "case/a.bin")
	all[0] = 'X'
	if again, _ := a.ReadAll(ctx, "case/a.bin"); string(again) != "abc" {
		t.Error("ReadAll() result aliases stored data")
	}

	if _, err := a.Read(ctx, "case"); !errors.Is(err, carvekit.ErrIsDir) {
		t.Errorf("Read(dir) error = %v", err)
	}
	if err := a.Delete(ctx, "case"); !errors.Is(err, carvekit.ErrIsDir) {
		t.Errorf("Delete(dir) error = %v", err)
	}
	if err := a.Delete(ctx, "case/a.bin"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReadAll(ctx, "case/a.bin"); !carvekit.IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	if err := a.Delete(ctx, "case/a.bin"); !carvekit.IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestListContents(t *testing.T) {
	ctx := context.Background()
	a := New()
	for _, p := range []string{"a.img", "case/b.img", "case/deep/c.img"} {
		_ = a.Write(ctx, p, strings.NewReader(p))
	}
	_ = a.CreateDir(ctx, "empty")

	tests := []struct {
		dir       string
		recursive bool
		want      []string
	}{
		{"", false, []string{"a.img", "case/", "empty/"}},
		{"", true, []string{"a.img", "case/", "case/b.img", "case/deep/", "case/deep/c.img", "empty/"}},
		{"case", false, []string{"case/b.img", "case/deep/"}},
		{"case", true, []string{"case/b.img", "case/deep/", "case/deep/c.img"}},
		{"empty", true, nil},
	}
	for _, tt := range tests {
		files, err := a.ListContents(ctx, tt.dir, tt.recursive)
		if err != nil {
			t.Fatalf("ListContents(%q, %v) error = %v", tt.dir, tt.recursive, err)
		}
		if got := paths(files); !slices.Equal(got, tt.want) {
			t.Errorf("ListContents(%q, %v) = %v, want %v", tt.dir, tt.recursive, got, tt.want)
		}
	}

	if _, err := a.ListContents(ctx, "a.img", false); !errors.Is(err, carvekit.ErrNotDir) {
		t.Errorf("expected ErrNotDir, got %v", err)
	}
	if _, err := a.ListContents(ctx, "missing", false); !carvekit.IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestDirs(t *testing.T) {
	ctx := context.Background()
	a := New(Config{Limit: 3})

	if err := a.CreateDir(ctx, "run/1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.DirExists(ctx, "run"); !ok {
		t.Error("expected parent of created dir")
	}
	if err := a.Write(ctx, "run/1/x.bin", strings.NewReader("xyz")); err != nil {
		t.Fatal(err)
	}
	if err := a.CreateDir(ctx, "run/1/x.bin"); !errors.Is(err, carvekit.ErrExist) {
		t.Errorf("CreateDir over a file error = %v", err)
	}

	if err := a.DeleteDir(ctx, "run/1/x.bin"); !errors.Is(err, carvekit.ErrNotDir) {
		t.Errorf("DeleteDir(file) error = %v", err)
	}
	if err := a.DeleteDir(ctx, ""); !errors.Is(err, carvekit.ErrNotAllowed) {
		t.Errorf("DeleteDir(root) error = %v", err)
	}
	if err := a.DeleteDir(ctx, "run"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := a.DirExists(ctx, "run/1"); ok {
		t.Error("subdirectory survived DeleteDir")
	}
	if err := a.DeleteDir(ctx, "run"); !carvekit.IsNotExist(err) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
	// The limit was filled by x.bin; deleting the tree frees it.
	if err := a.Write(ctx, "y.bin", strings.NewReader("abc")); err != nil {
		t.Errorf("space not released by DeleteDir: %v", err)
	}
}

func TestChecksums(t *testing.T) {
	ctx := context.Background()
	a := New()
	_ = a.Write(ctx, "abc.bin", strings.NewReader("abc"))

	sum, err := a.Checksum(ctx, "abc.bin", carvekit.ChecksumCRC32)
	if err != nil || sum != "352441c2" {
		t.Errorf("Checksum() = %s, %v", sum, err)
	}

	sums, err := a.Checksums(ctx, "abc.bin", []carvekit.ChecksumAlgorithm{carvekit.ChecksumSHA1, carvekit.ChecksumBLAKE3})
	if err != nil {
		t.Fatal(err)
	}
	if sums[carvekit.ChecksumSHA1] != "a9993e364706816aba3e25717850c26c9cd0d89d" || len(sums[carvekit.ChecksumBLAKE3]) != 64 {
		t.Errorf("Checksums() = %v", sums)
	}

	ok, err := carvekit.VerifyChecksum(ctx, a, "abc.bin", sum, carvekit.ChecksumCRC32)
	if err != nil || !ok {
		t.Errorf("VerifyChecksum() = %v, %v", ok, err)
	}
	if _, err := a.Checksum(ctx, "missing.bin", carvekit.ChecksumCRC32); !carvekit.IsNotExist(err) {
		t.Errorf("Checksum(missing) error = %v", err)
	}
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := New()

	if _, err := a.Watch(ctx, "["); err == nil {
		t.Error("expected error for invalid pattern")
	}
	token, err := a.Watch(ctx, "evidence/**")
	if err != nil {
		t.Fatal(err)
	}

	_ = a.Write(ctx, "other/x.img", strings.NewReader("x"))
	if token.HasChanged() {
		t.Fatal("token fired for a path outside the pattern")
	}

	done := make(chan struct{})
	token.RegisterChangeCallback(func() { close(done) })
	_ = a.Write(ctx, "evidence/sub/disk.img", strings.NewReader("x"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("token did not fire")
	}
}

func TestRegisteredDriver(t *testing.T) {
	fs, err := carvekit.New(&carvekit.Config{Driver: "memory", MemoryLimit: 4})
	if err != nil {
		t.Fatalf("carvekit.New() error = %v", err)
	}
	a, ok := fs.(*Adapter)
	if !ok {
		t.Fatalf("driver type = %T", fs)
	}
	if err := a.Write(context.Background(), "big.bin", strings.NewReader("too large")); !errors.Is(err, carvekit.ErrInvalidSize) {
		t.Errorf("configured limit not applied: %v", err)
	}
}

func TestScannerRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := New()
	_ = src.Write(ctx, "images/disk.dd", strings.NewReader("..%PDF-mem%%EOF.."))

	out := New()
	s, err := carvekit.NewScanner(out, carvekit.ScannerConfig{
		Compression: carvekit.CompressionLZ4,
		Checksums:   []carvekit.ChecksumAlgorithm{carvekit.ChecksumSHA256},
		Manifest:    carvekit.ManifestYAML,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.ScanLocation(ctx, src, "images"); err != nil {
		t.Fatalf("ScanLocation() error = %v", err)
	}

	stored, err := out.ReadAll(ctx, "disk.dd/recovered_2_11.pdf.lz4")
	if err != nil {
		t.Fatalf("recovered file missing: %v", err)
	}
	raw, err := carvekit.Decompress(stored, carvekit.CompressionLZ4)
	if err != nil || string(raw) != "%PDF-mem%%EOF" {
		t.Errorf("decompressed = %q, %v", raw, err)
	}
	info, _ := out.Stat(ctx, "disk.dd/recovered_2_11.pdf.lz4")
	if info.ContentType != "application/x-lz4" {
		t.Errorf("content type = %s", info.ContentType)
	}
	files, _ := src.ListContents(ctx, "", true)
	if got := paths(files); !slices.Equal(got, []string{"images/", "images/disk.dd"}) {
		t.Errorf("source filesystem changed: %v", got)
	}
}

func TestScannerSharedFilesystem(t *testing.T) {
	ctx := context.Background()
	fs := New()
	_ = fs.Write(ctx, "disk.dd", strings.NewReader("..%PDF-mem%%EOF.."))

	s, err := carvekit.NewScanner(fs, carvekit.ScannerConfig{
		Dir:       "recovered",
		Manifest:  carvekit.ManifestNone,
		Overwrite: true,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	for run := 0; run < 2; run++ {
		summary, err := s.ScanLocation(ctx, fs, "")
		if err != nil {
			t.Fatal(err)
		}
		if summary.Sources != 1 {
			t.Errorf("run %d scanned %d sources, want 1", run, summary.Sources)
		}
	}
}
