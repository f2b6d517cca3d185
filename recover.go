package carvekit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	"github.com/gobeaver/carvekit/carve"
)

// RecoveredFile describes one candidate written to the output filesystem.
type RecoveredFile struct {
	// Name is the file name, unique per (Offset, Index) within a directory.
	Name string `json:"name" yaml:"name"`

	// Path is the location on the output filesystem.
	Path string `json:"path" yaml:"path"`

	Extension  string `json:"extension" yaml:"extension"`
	MIME       string `json:"mime,omitempty" yaml:"mime,omitempty"`
	Index      int    `json:"index" yaml:"index"`
	Offset     int    `json:"offset" yaml:"offset"`
	Length     int    `json:"length" yaml:"length"`
	Terminated bool   `json:"terminated" yaml:"terminated"`

	// StoredSize is the number of bytes written, after compression.
	StoredSize int64 `json:"stored_size" yaml:"stored_size"`

	Compression string `json:"compression" yaml:"compression"`

	// Checksums are computed over the carved bytes, before compression.
	Checksums map[ChecksumAlgorithm]string `json:"checksums,omitempty" yaml:"checksums,omitempty"`
}

// RecoveredName returns the file name for a record:
// recovered_<offset>_<index>.<ext>, plus the compression suffix.
func RecoveredName(rec carve.Record, d carve.Descriptor, c Compression) string {
	return "recovered_" + strconv.Itoa(rec.Offset) + "_" + strconv.Itoa(rec.Index) + "." + d.Extension + c.Extension()
}

// RecovererConfig configures a Recoverer.
type RecovererConfig struct {
	// Dir is the directory on the output filesystem files are written to.
	Dir string

	// Compression applied to every recovered file.
	Compression Compression

	// Checksums computed for every recovered file.
	Checksums []ChecksumAlgorithm

	// Overwrite replaces files left by an earlier run. When false, an
	// existing file fails the write with ErrExist.
	Overwrite bool

	// Logger receives one record per recovered file. Nil uses slog.Default().
	Logger *slog.Logger
}

// Recoverer writes carved candidates to a FileWriter.
type Recoverer struct {
	out     FileWriter
	catalog carve.Catalog
	cfg     RecovererConfig
	logger  *slog.Logger
}

// NewRecoverer creates a Recoverer writing candidates of catalog to out.
func NewRecoverer(out FileWriter, catalog carve.Catalog, cfg RecovererConfig) *Recoverer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Recoverer{
		out:     out,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}
}

// Dir returns the output directory.
func (r *Recoverer) Dir() string {
	return r.cfg.Dir
}

// Write stores buf[rec.Offset:rec.End()] under the recoverer's directory.
func (r *Recoverer) Write(ctx context.Context, buf []byte, rec carve.Record) (RecoveredFile, error) {
	if rec.Index < 0 || rec.Index >= len(r.catalog) {
		return RecoveredFile{}, fmt.Errorf("record index %d outside catalog of %d descriptors", rec.Index, len(r.catalog))
	}
	d := r.catalog[rec.Index]
	name := RecoveredName(rec, d, r.cfg.Compression)
	filePath := path.Join(r.cfg.Dir, name)

	if rec.Offset < 0 || rec.Length < 0 || rec.End() > len(buf) {
		return RecoveredFile{}, &PathError{Op: "recover", Path: filePath, Err: ErrInvalidSize}
	}
	data := buf[rec.Offset:rec.End()]

	var sums map[ChecksumAlgorithm]string
	if len(r.cfg.Checksums) > 0 {
		var err error
		sums, err = CalculateChecksums(bytes.NewReader(data), r.cfg.Checksums)
		if err != nil {
			return RecoveredFile{}, &PathError{Op: "recover", Path: filePath, Err: err}
		}
	}

	stored, err := Compress(data, r.cfg.Compression)
	if err != nil {
		return RecoveredFile{}, &PathError{Op: "recover", Path: filePath, Err: err}
	}

	contentType := d.MIME
	if contentType == "" {
		contentType = GuessContentType(d.Extension, data)
	}

	if err := r.out.Write(ctx, filePath, bytes.NewReader(stored), r.writeOptions(d, rec, contentType, sums)...); err != nil {
		return RecoveredFile{}, err
	}

	file := RecoveredFile{
		Name:        name,
		Path:        filePath,
		Extension:   d.Extension,
		MIME:        contentType,
		Index:       rec.Index,
		Offset:      rec.Offset,
		Length:      rec.Length,
		Terminated:  rec.Terminated,
		StoredSize:  int64(len(stored)),
		Compression: r.cfg.Compression.String(),
		Checksums:   sums,
	}

	r.logger.Info("recovered file",
		"extension", d.Extension,
		"offset", rec.Offset,
		"length", rec.Length,
		"terminated", rec.Terminated,
		"path", filePath,
	)
	return file, nil
}

// WriteAll writes every record in order and stops at the first failure.
func (r *Recoverer) WriteAll(ctx context.Context, buf []byte, records []carve.Record) ([]RecoveredFile, error) {
	files := make([]RecoveredFile, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		file, err := r.Write(ctx, buf, rec)
		if err != nil {
			return files, err
		}
		files = append(files, file)
	}
	return files, nil
}

func (r *Recoverer) writeOptions(d carve.Descriptor, rec carve.Record, contentType string, sums map[ChecksumAlgorithm]string) []Option {
	switch r.cfg.Compression {
	case CompressionZstd:
		contentType = "application/zstd"
	case CompressionLZ4:
		contentType = "application/x-lz4"
	}

	metadata := map[string]string{
		"extension":  d.Extension,
		"index":      strconv.Itoa(rec.Index),
		"offset":     strconv.Itoa(rec.Offset),
		"length":     strconv.Itoa(rec.Length),
		"terminated": strconv.FormatBool(rec.Terminated),
	}
	for algo, sum := range sums {
		metadata["checksum-"+string(algo)] = sum
	}

	return []Option{WithMetadata(metadata), WithOverwrite(r.cfg.Overwrite), WithContentType(contentType)}
}
