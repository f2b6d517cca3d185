package carve

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleCatalog = `
signatures:
  - extension: pdf
    mime: application/pdf
    max_size: 10_000_000
    header: "%PDF-"
    footer:
      mode: inclusive
      pattern: "%%EOF"
  - extension: .zip
    max_size: unbounded
    header_hex: "50 4B 03 04"
    footer:
      mode: exclusive
      pattern_hex: "504B0506"
  - extension: bmp
    header: BM
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog() error = %v", err)
	}
	if len(catalog) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(catalog))
	}

	pdf := catalog[0]
	if pdf.Extension != "pdf" || pdf.MIME != "application/pdf" || pdf.MaxSize != 10_000_000 {
		t.Errorf("pdf descriptor = %+v", pdf)
	}
	if pdf.Footer.Mode != FooterInclusive || string(pdf.Footer.Pattern) != "%%EOF" {
		t.Errorf("pdf footer = %+v", pdf.Footer)
	}

	zip := catalog[1]
	if zip.Extension != "zip" {
		t.Errorf("extension = %q, want zip", zip.Extension)
	}
	if zip.MaxSize != Unbounded {
		t.Errorf("max size = %d, want Unbounded", zip.MaxSize)
	}
	if !bytes.Equal(zip.Header, []byte{0x50, 0x4B, 0x03, 0x04}) {
		t.Errorf("header = % X", zip.Header)
	}
	if zip.Footer.Mode != FooterExclusive || !bytes.Equal(zip.Footer.Pattern, []byte{0x50, 0x4B, 0x05, 0x06}) {
		t.Errorf("zip footer = %+v", zip.Footer)
	}

	bmp := catalog[2]
	if bmp.MaxSize != Unbounded || bmp.Footer.Mode != FooterNone {
		t.Errorf("bmp descriptor = %+v", bmp)
	}
}

func TestParseCatalogErrors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
		is      error
	}{
		{
			name:    "no signatures",
			doc:     "signatures: []",
			wantErr: "no signatures",
		},
		{
			name:    "malformed yaml",
			doc:     "signatures: [",
			wantErr: "yaml",
		},
		{
			name:    "header and header_hex",
			doc:     "signatures:\n  - extension: x\n    header: A\n    header_hex: '41'\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "bad hex",
			doc:     "signatures:\n  - extension: x\n    header_hex: 'zz'\n",
			wantErr: "invalid header_hex",
		},
		{
			name:    "zero max_size",
			doc:     "signatures:\n  - extension: x\n    header: A\n    max_size: 0\n",
			wantErr: "invalid max_size",
		},
		{
			name:    "unknown footer mode",
			doc:     "signatures:\n  - extension: x\n    header: A\n    footer:\n      mode: maybe\n      pattern: B\n",
			wantErr: "unknown footer mode",
		},
		{
			name: "missing header",
			doc:  "signatures:\n  - extension: x\n",
			is:   ErrEmptyHeader,
		},
		{
			name: "footer mode without pattern",
			doc:  "signatures:\n  - extension: x\n    header: A\n    footer:\n      mode: inclusive\n",
			is:   ErrEmptyFooter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Errorf("error %v is not %v", err, tt.is)
			}
		})
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0644); err != nil {
		t.Fatal(err)
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(catalog) != 3 {
		t.Errorf("expected 3 descriptors, got %d", len(catalog))
	}

	if _, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLoadedCatalogCarves(t *testing.T) {
	catalog, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatal(err)
	}

	buf := []byte("..PK\x03\x04dataPK\x05\x06..")
	records := Carve(buf, catalog)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %+v", records)
	}
	if got := string(buf[records[0].Offset:records[0].End()]); got != "PK\x03\x04data" {
		t.Errorf("carved bytes = %q", got)
	}
}
