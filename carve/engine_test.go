package carve

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"testing"
)

func indexOf(t *testing.T, catalog Catalog, ext string, header []byte) int {
	t.Helper()
	for i, d := range catalog {
		if d.Extension == ext && bytes.Equal(d.Header, header) {
			return i
		}
	}
	t.Fatalf("no %s descriptor with header %q", ext, header)
	return -1
}

func TestCarvePDFScenario(t *testing.T) {
	catalog := DefaultCatalog()
	buf := []byte("XX" + "%PDF-" + "body" + "%%EOF" + "YY")

	records := Carve(buf, catalog)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d: %+v", len(records), records)
	}

	rec := records[0]
	if got := catalog[rec.Index].Extension; got != "pdf" {
		t.Errorf("extension = %s, want pdf", got)
	}
	if rec.Offset != 2 {
		t.Errorf("offset = %d, want 2", rec.Offset)
	}
	if rec.Length != 5+4+5 {
		t.Errorf("length = %d, want 14", rec.Length)
	}
	if !rec.Terminated {
		t.Error("expected terminated record")
	}
	if got := string(buf[rec.Offset:rec.End()]); got != "%PDF-body%%EOF" {
		t.Errorf("carved bytes = %q", got)
	}
}

func TestCarveUnterminatedGIF(t *testing.T) {
	catalog := DefaultCatalog()
	gif89 := indexOf(t, catalog, "gif", []byte("GIF89a"))

	t.Run("clamped to buffer", func(t *testing.T) {
		buf := append([]byte("zz"), []byte("GIF89a")...)
		buf = append(buf, bytes.Repeat([]byte{'x'}, 100)...)

		records := Carve(buf, catalog)
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d: %+v", len(records), records)
		}
		rec := records[0]
		if rec.Index != gif89 {
			t.Errorf("index = %d, want %d", rec.Index, gif89)
		}
		want := min(5_000_000, len(buf)-2)
		if rec.Offset != 2 || rec.Length != want {
			t.Errorf("record = %+v, want offset 2 length %d", rec, want)
		}
		if rec.Terminated {
			t.Error("expected unterminated record")
		}
	})

	t.Run("clamped to size bound", func(t *testing.T) {
		buf := make([]byte, 5_000_100)
		copy(buf, "GIF89a")

		records := Carve(buf, catalog)
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(records))
		}
		if records[0].Length != 5_000_000 {
			t.Errorf("length = %d, want 5000000", records[0].Length)
		}
	})
}

func TestCarveEmptyBuffer(t *testing.T) {
	if records := Carve(nil, DefaultCatalog()); len(records) != 0 {
		t.Errorf("expected no records, got %+v", records)
	}
	if records := Carve([]byte{}, DefaultCatalog()); len(records) != 0 {
		t.Errorf("expected no records, got %+v", records)
	}
}

func TestCarveHeaderLongerThanBuffer(t *testing.T) {
	catalog := Catalog{{Extension: "bin", MaxSize: 10, Header: []byte("0123456789")}}
	for n := 0; n < 10; n++ {
		buf := []byte("0123456789")[:n]
		if records := Carve(buf, catalog); len(records) != 0 {
			t.Errorf("buffer of %d bytes: expected no records, got %+v", n, records)
		}
	}
}

func TestCarveSingleHeaderNoFooter(t *testing.T) {
	catalog := Catalog{{Extension: "bin", MaxSize: 8, Header: []byte("MAGIC"), Footer: NoFooter()}}

	for _, offset := range []int{0, 3, 20, 27} {
		buf := bytes.Repeat([]byte{'.'}, 32)
		copy(buf[offset:], "MAGIC")

		records := Carve(buf, catalog)
		if len(records) != 1 {
			t.Fatalf("offset %d: expected 1 record, got %d", offset, len(records))
		}
		want := Record{Index: 0, Offset: offset, Length: min(8, len(buf)-offset)}
		if records[0] != want {
			t.Errorf("offset %d: record = %+v, want %+v", offset, records[0], want)
		}
	}
}

func TestCarveExclusiveFooter(t *testing.T) {
	catalog := Catalog{{Extension: "txt", MaxSize: 100, Header: []byte("<<"), Footer: Exclusive([]byte(">>"))}}
	buf := []byte("..<<payload>>..")

	records := Carve(buf, catalog)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if got := string(buf[records[0].Offset:records[0].End()]); got != "<<payload" {
		t.Errorf("carved bytes = %q, want %q", got, "<<payload")
	}
}

func TestCarveOverlappingDescriptors(t *testing.T) {
	catalog := DefaultCatalog()
	mov := indexOf(t, catalog, "mov", []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p'})
	mp4 := indexOf(t, catalog, "mp4", []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p'})

	buf := append([]byte("...."), 0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm')
	records := Carve(buf, catalog)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(records), records)
	}
	if records[0].Index != mov || records[1].Index != mp4 {
		t.Errorf("indices = %d, %d, want %d, %d", records[0].Index, records[1].Index, mov, mp4)
	}
	if records[0].Offset != 4 || records[1].Offset != 4 {
		t.Errorf("offsets = %d, %d, want 4, 4", records[0].Offset, records[1].Offset)
	}
}

func TestCarveIsDeterministic(t *testing.T) {
	buf := sampleMedium()
	catalog := DefaultCatalog()

	first := Carve(buf, catalog)
	second := Carve(buf, catalog)
	if !reflect.DeepEqual(first, second) {
		t.Error("two scans of the same buffer differ")
	}
	if len(first) == 0 {
		t.Fatal("sample medium produced no records")
	}
	for i := 1; i < len(first); i++ {
		if first[i].Index < first[i-1].Index {
			t.Errorf("records not in catalog order at %d", i)
		}
		if first[i].Index == first[i-1].Index && first[i].Offset <= first[i-1].Offset {
			t.Errorf("records of one descriptor not in offset order at %d", i)
		}
	}
}

func TestEngineMatchesSequentialCarve(t *testing.T) {
	buf := sampleMedium()
	catalog := DefaultCatalog()
	want := Carve(buf, catalog)

	for _, workers := range []int{0, 1, 2, 3, 16} {
		engine := &Engine{Catalog: catalog, Workers: workers}
		got, err := engine.Carve(context.Background(), buf)
		if err != nil {
			t.Fatalf("workers=%d: unexpected error: %v", workers, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("workers=%d: engine result differs from sequential carve", workers)
		}
	}
}

func TestEngineEmptyBuffer(t *testing.T) {
	records, err := NewEngine(DefaultCatalog()).Carve(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestEngineCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	records, err := NewEngine(DefaultCatalog()).Carve(ctx, sampleMedium())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if records != nil {
		t.Errorf("expected no records, got %d", len(records))
	}
}

func TestEngineIncludeKeepsIndices(t *testing.T) {
	buf := sampleMedium()
	catalog := DefaultCatalog()

	engine := &Engine{Catalog: catalog, Include: IncludeExtensions("pdf", "png")}
	got, err := engine.Carve(context.Background(), buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var want []Record
	for _, rec := range Carve(buf, catalog) {
		ext := catalog[rec.Index].Extension
		if ext == "pdf" || ext == "png" {
			want = append(want, rec)
		}
	}
	if len(want) == 0 {
		t.Fatal("sample medium has no pdf or png")
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("filtered records = %+v, want %+v", got, want)
	}
}

func TestIncludeExtensionsEmpty(t *testing.T) {
	if IncludeExtensions() != nil {
		t.Error("expected nil filter for empty extension list")
	}
}

// sampleMedium builds a buffer with several embedded files and some noise.
func sampleMedium() []byte {
	var b bytes.Buffer
	b.WriteString("garbage\x00\x01\x02")
	b.WriteString("%PDF-1.4 first document %%EOF")
	b.Write(bytes.Repeat([]byte{0xAA}, 64))
	b.Write([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	b.WriteString("chunks")
	b.Write([]byte{'I', 'E', 'N', 'D', 0xAE, 0x42, 0x60, 0x82})
	b.WriteString("<html><body>hi</body></html>")
	b.Write([]byte{0xFF, 0xD8, 0xFF, 0xE1, 0x10, 0x20, 0xFF, 0xD9})
	b.Write([]byte{0x50, 0x4B, 0x03, 0x04, 'z', 'i', 'p', 0x50, 0x4B, 0x05, 0x06})
	b.WriteString("%PDF-1.7 second document without end")
	b.WriteString("BM")
	b.Write(bytes.Repeat([]byte{0x55}, 32))
	return b.Bytes()
}
