package carve

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk form of a catalog:
//
//	signatures:
//	  - extension: pdf
//	    mime: application/pdf
//	    max_size: 10000000
//	    header: "%PDF-"
//	    footer:
//	      mode: inclusive
//	      pattern: "%%EOF"
//	  - extension: zip
//	    max_size: unbounded
//	    header_hex: "50 4B 03 04"
//	    footer:
//	      mode: inclusive
//	      pattern_hex: "50 4B 05 06"
type catalogFile struct {
	Signatures []signatureEntry `yaml:"signatures"`
}

type signatureEntry struct {
	Extension string       `yaml:"extension"`
	MIME      string       `yaml:"mime"`
	MaxSize   sizeBound    `yaml:"max_size"`
	Header    string       `yaml:"header"`
	HeaderHex string       `yaml:"header_hex"`
	Footer    *footerEntry `yaml:"footer"`
}

type footerEntry struct {
	Mode       string `yaml:"mode"`
	Pattern    string `yaml:"pattern"`
	PatternHex string `yaml:"pattern_hex"`
}

// sizeBound accepts a positive integer or "unbounded". Zero means the key was absent.
type sizeBound int

func (s *sizeBound) UnmarshalYAML(node *yaml.Node) error {
	value := strings.TrimSpace(node.Value)
	if value == "" || strings.EqualFold(value, "unbounded") {
		*s = Unbounded
		return nil
	}
	n, err := strconv.Atoi(strings.ReplaceAll(value, "_", ""))
	if err != nil || n <= 0 {
		return fmt.Errorf("line %d: invalid max_size %q", node.Line, node.Value)
	}
	*s = sizeBound(n)
	return nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog %s: %w", path, err)
	}
	catalog, err := ParseCatalog(data)
	if err != nil {
		return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
	}
	return catalog, nil
}

// ParseCatalog decodes a YAML catalog and validates it. Entries keep the
// order in which they appear in the document.
func ParseCatalog(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Signatures) == 0 {
		return nil, errors.New("catalog has no signatures")
	}

	catalog := make(Catalog, 0, len(file.Signatures))
	for i, entry := range file.Signatures {
		d, err := entry.descriptor()
		if err != nil {
			return nil, &DescriptorError{Index: i, Extension: entry.Extension, Err: err}
		}
		catalog = append(catalog, d)
	}

	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	return catalog, nil
}

func (e signatureEntry) descriptor() (Descriptor, error) {
	header, err := pattern(e.Header, e.HeaderHex, "header")
	if err != nil {
		return Descriptor{}, err
	}

	maxSize := int(e.MaxSize)
	if maxSize == 0 {
		maxSize = Unbounded
	}

	d := Descriptor{
		Extension: strings.TrimPrefix(e.Extension, "."),
		MIME:      e.MIME,
		MaxSize:   maxSize,
		Header:    header,
		Footer:    NoFooter(),
	}

	if e.Footer != nil {
		mode, err := ParseFooterMode(e.Footer.Mode)
		if err != nil {
			return Descriptor{}, err
		}
		if mode != FooterNone {
			p, err := pattern(e.Footer.Pattern, e.Footer.PatternHex, "footer")
			if err != nil {
				return Descriptor{}, err
			}
			d.Footer = Footer{Mode: mode, Pattern: p}
		}
	}

	return d, nil
}

// pattern decodes exactly one of a literal or a hex string.
func pattern(literal, hexText, field string) ([]byte, error) {
	switch {
	case literal != "" && hexText != "":
		return nil, fmt.Errorf("%s and %s_hex are mutually exclusive", field, field)
	case hexText != "":
		b, err := hex.DecodeString(strings.Join(strings.Fields(hexText), ""))
		if err != nil {
			return nil, fmt.Errorf("invalid %s_hex: %w", field, err)
		}
		return b, nil
	default:
		return []byte(literal), nil
	}
}
