package carve

import (
	"bytes"
	"errors"
	"fmt"
	"math"
)

// Unbounded is the size bound of a descriptor whose candidates may run to
// the end of the buffer when no footer is found.
const Unbounded = math.MaxInt

// Catalog validation errors
var (
	ErrEmptyHeader    = errors.New("header must not be empty")
	ErrEmptyFooter    = errors.New("footer pattern must not be empty")
	ErrInvalidSize    = errors.New("size bound must be positive")
	ErrEmptyExtension = errors.New("extension must not be empty")
)

// FooterMode selects how a footer terminates a candidate.
type FooterMode uint8

const (
	// FooterNone disables the footer search; candidates always span the
	// size bound, clamped to the buffer.
	FooterNone FooterMode = iota

	// FooterInclusive ends the candidate after the footer bytes.
	FooterInclusive

	// FooterExclusive ends the candidate right before the footer bytes.
	FooterExclusive
)

// String returns the name used in catalog files.
func (m FooterMode) String() string {
	switch m {
	case FooterNone:
		return "none"
	case FooterInclusive:
		return "inclusive"
	case FooterExclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("unknown(%d)", m)
	}
}

// ParseFooterMode parses a footer mode from its string representation.
func ParseFooterMode(name string) (FooterMode, error) {
	switch name {
	case "", "none":
		return FooterNone, nil
	case "inclusive":
		return FooterInclusive, nil
	case "exclusive":
		return FooterExclusive, nil
	default:
		return 0, fmt.Errorf("unknown footer mode: %q", name)
	}
}

// Footer is the termination policy of a descriptor. Pattern is ignored when
// Mode is FooterNone.
type Footer struct {
	Mode    FooterMode
	Pattern []byte
}

// NoFooter returns a footer policy that never searches for a terminator.
func NoFooter() Footer {
	return Footer{Mode: FooterNone}
}

// Inclusive returns a footer policy whose pattern is part of the candidate.
func Inclusive(pattern []byte) Footer {
	return Footer{Mode: FooterInclusive, Pattern: pattern}
}

// Exclusive returns a footer policy whose pattern is left out of the candidate.
func Exclusive(pattern []byte) Footer {
	return Footer{Mode: FooterExclusive, Pattern: pattern}
}

// Descriptor describes one carvable file type.
type Descriptor struct {
	// Extension is the file extension given to recovered candidates, without the dot.
	Extension string

	// MIME is the content type recorded for recovered candidates.
	MIME string

	// MaxSize bounds the length of a candidate when no footer is found.
	// Use Unbounded for no limit.
	MaxSize int

	// Header must match at the first byte of a candidate.
	Header []byte

	// Footer decides where a candidate ends.
	Footer Footer
}

// Validate reports whether d can be used for carving.
func (d Descriptor) Validate() error {
	if d.Extension == "" {
		return ErrEmptyExtension
	}
	if len(d.Header) == 0 {
		return ErrEmptyHeader
	}
	if d.MaxSize <= 0 {
		return ErrInvalidSize
	}
	if d.Footer.Mode != FooterNone && len(d.Footer.Pattern) == 0 {
		return ErrEmptyFooter
	}
	return nil
}

// DescriptorError records a validation error and the catalog entry that caused it.
type DescriptorError struct {
	Index     int
	Extension string
	Err       error
}

// Error implements the error interface
func (e *DescriptorError) Error() string {
	return fmt.Sprintf("signature %d (%s): %v", e.Index, e.Extension, e.Err)
}

// Unwrap returns the underlying error
func (e *DescriptorError) Unwrap() error {
	return e.Err
}

// Catalog is an ordered list of descriptors. A record refers to its
// descriptor by position, so the order also fixes the names of recovered
// files.
type Catalog []Descriptor

// Validate checks every descriptor and returns the first failure as a
// *DescriptorError.
func (c Catalog) Validate() error {
	for i, d := range c {
		if err := d.Validate(); err != nil {
			return &DescriptorError{Index: i, Extension: d.Extension, Err: err}
		}
	}
	return nil
}

// Clone returns a deep copy of the catalog.
func (c Catalog) Clone() Catalog {
	if c == nil {
		return nil
	}
	out := make(Catalog, len(c))
	for i, d := range c {
		d.Header = bytes.Clone(d.Header)
		d.Footer.Pattern = bytes.Clone(d.Footer.Pattern)
		out[i] = d
	}
	return out
}

// Extensions returns the distinct extensions in catalog order.
func (c Catalog) Extensions() []string {
	seen := make(map[string]bool, len(c))
	var exts []string
	for _, d := range c {
		if seen[d.Extension] {
			continue
		}
		seen[d.Extension] = true
		exts = append(exts, d.Extension)
	}
	return exts
}

// DefaultCatalog returns a copy of the built-in signature table.
func DefaultCatalog() Catalog {
	return defaultCatalog.Clone()
}

const (
	mb = 1_000_000

	defaultMaxSize = 10 * mb
)

var zeroWord = []byte{0x00, 0x00, 0x00, 0x00}

// defaultCatalog is built once and never modified; DefaultCatalog hands out copies.
var defaultCatalog = Catalog{
	// Archives
	{Extension: "zip", MIME: "application/zip", MaxSize: defaultMaxSize,
		Header: []byte{0x50, 0x4B, 0x03, 0x04}, Footer: Inclusive([]byte{0x50, 0x4B, 0x05, 0x06})},
	{Extension: "rar", MIME: "application/x-rar-compressed", MaxSize: defaultMaxSize,
		Header: []byte("Rar!\x1a\x07"), Footer: Inclusive(zeroWord)},
	{Extension: "7z", MIME: "application/x-7z-compressed", MaxSize: defaultMaxSize,
		Header: []byte{'7', 'z', 0xBC, 0xAF, 0x27, 0x1C}, Footer: Inclusive(zeroWord)},
	{Extension: "tar", MIME: "application/x-tar", MaxSize: defaultMaxSize,
		Header: []byte("ustar"), Footer: Inclusive(zeroWord)},
	{Extension: "iso", MIME: "application/x-iso9660-image", MaxSize: defaultMaxSize,
		Header: []byte("CD001"), Footer: Inclusive(zeroWord)},
	{Extension: "gz", MIME: "application/gzip", MaxSize: defaultMaxSize,
		Header: []byte{0x1F, 0x8B, 0x08}, Footer: NoFooter()},
	{Extension: "xz", MIME: "application/x-xz", MaxSize: defaultMaxSize,
		Header: []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, Footer: Inclusive([]byte("YZ"))},

	// Documents
	{Extension: "doc", MIME: "application/msword", MaxSize: defaultMaxSize,
		Header: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00, 0x00},
		Footer: Exclusive([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1, 0x00, 0x00})},
	{Extension: "doc", MIME: "application/msword", MaxSize: defaultMaxSize,
		Header: []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1}, Footer: NoFooter()},
	{Extension: "html", MIME: "text/html", MaxSize: defaultMaxSize,
		Header: []byte("<html"), Footer: Inclusive([]byte("</html>"))},
	{Extension: "html", MIME: "text/html", MaxSize: defaultMaxSize,
		Header: []byte("<!DOCTYPE html"), Footer: Inclusive([]byte("</html>"))},
	{Extension: "pdf", MIME: "application/pdf", MaxSize: defaultMaxSize,
		Header: []byte("%PDF-"), Footer: Inclusive([]byte("%%EOF"))},
	{Extension: "rtf", MIME: "application/rtf", MaxSize: defaultMaxSize,
		Header: []byte(`{\rtf1`), Footer: Inclusive([]byte("}"))},

	// Images
	{Extension: "bmp", MIME: "image/bmp", MaxSize: defaultMaxSize,
		Header: []byte("BM"), Footer: NoFooter()},
	{Extension: "gif", MIME: "image/gif", MaxSize: 5 * mb,
		Header: []byte("GIF87a"), Footer: Inclusive([]byte{0x00, 0x3B})},
	{Extension: "gif", MIME: "image/gif", MaxSize: 5 * mb,
		Header: []byte("GIF89a"), Footer: Inclusive([]byte{0x00, 0x00, 0x3B})},
	{Extension: "jpg", MIME: "image/jpeg", MaxSize: 200 * mb,
		Header: []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}, Footer: Inclusive([]byte{0xFF, 0xD9})},
	{Extension: "jpg", MIME: "image/jpeg", MaxSize: 200 * mb,
		Header: []byte{0xFF, 0xD8, 0xFF, 0xE1}, Footer: Inclusive([]byte{0xFF, 0xD9})},
	{Extension: "png", MIME: "image/png", MaxSize: defaultMaxSize,
		Header: []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A},
		Footer: Inclusive([]byte{'I', 'E', 'N', 'D', 0xAE, 0x42, 0x60, 0x82})},
	{Extension: "tif", MIME: "image/tiff", MaxSize: defaultMaxSize,
		Header: []byte{0x49, 0x49, 0x2A, 0x00}, Footer: NoFooter()},
	{Extension: "tif", MIME: "image/tiff", MaxSize: defaultMaxSize,
		Header: []byte{0x4D, 0x4D, 0x00, 0x2A}, Footer: NoFooter()},

	// Audio/Video. avi and wav share the RIFF header, as do mov and mp4;
	// every sharing entry is reported. The RIFF form type follows a length
	// field, so a fixed header cannot tell them apart.
	{Extension: "avi", MIME: "video/x-msvideo", MaxSize: defaultMaxSize,
		Header: []byte("RIFF"), Footer: NoFooter()},
	{Extension: "mov", MIME: "video/quicktime", MaxSize: defaultMaxSize,
		Header: []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p'}, Footer: NoFooter()},
	{Extension: "mp4", MIME: "video/mp4", MaxSize: defaultMaxSize,
		Header: []byte{0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p'}, Footer: NoFooter()},
	{Extension: "wav", MIME: "audio/wav", MaxSize: defaultMaxSize,
		Header: []byte("RIFF"), Footer: NoFooter()},
	{Extension: "mp3", MIME: "audio/mpeg", MaxSize: defaultMaxSize,
		Header: []byte("ID3"), Footer: NoFooter()},
	{Extension: "flac", MIME: "audio/flac", MaxSize: defaultMaxSize,
		Header: []byte("fLaC"), Footer: NoFooter()},
	{Extension: "ogg", MIME: "audio/ogg", MaxSize: defaultMaxSize,
		Header: []byte("OggS"), Footer: NoFooter()},

	// Executables
	{Extension: "elf", MIME: "application/x-executable", MaxSize: defaultMaxSize,
		Header: []byte{0x7F, 'E', 'L', 'F'}, Footer: NoFooter()},
}
