package carvekit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFormat selects how the per-source manifest is encoded.
type ManifestFormat string

const (
	ManifestJSON ManifestFormat = "json"
	ManifestYAML ManifestFormat = "yaml"
	ManifestNone ManifestFormat = "none"
)

// ParseManifestFormat parses a manifest format name. The empty string means json.
func ParseManifestFormat(name string) (ManifestFormat, error) {
	switch ManifestFormat(name) {
	case "", ManifestJSON:
		return ManifestJSON, nil
	case ManifestYAML:
		return ManifestYAML, nil
	case ManifestNone:
		return ManifestNone, nil
	default:
		return "", fmt.Errorf("unknown manifest format: %q", name)
	}
}

// FileName returns the manifest file name, or "" for ManifestNone.
func (f ManifestFormat) FileName() string {
	switch f {
	case ManifestJSON:
		return "manifest.json"
	case ManifestYAML:
		return "manifest.yaml"
	default:
		return ""
	}
}

// Manifest records what was recovered from one source.
type Manifest struct {
	Source      string          `json:"source" yaml:"source"`
	SourceSize  int64           `json:"source_size" yaml:"source_size"`
	CatalogSize int             `json:"catalog_size" yaml:"catalog_size"`
	Started     time.Time       `json:"started" yaml:"started"`
	Finished    time.Time       `json:"finished" yaml:"finished"`
	Files       []RecoveredFile `json:"files" yaml:"files"`
}

// Encode serializes the manifest in the given format.
func (m *Manifest) Encode(format ManifestFormat) ([]byte, error) {
	switch format {
	case ManifestJSON:
		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case ManifestYAML:
		return yaml.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: manifest format %q", ErrNotSupported, format)
	}
}

// DecodeManifest parses a manifest written by Encode.
func DecodeManifest(data []byte, format ManifestFormat) (*Manifest, error) {
	m := &Manifest{}
	switch format {
	case ManifestJSON:
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
	case ManifestYAML:
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: manifest format %q", ErrNotSupported, format)
	}
	return m, nil
}

// WriteManifest stores m in dir on out. It does nothing for ManifestNone and
// returns the path written otherwise.
func WriteManifest(ctx context.Context, out FileWriter, dir string, m *Manifest, format ManifestFormat) (string, error) {
	name := format.FileName()
	if name == "" {
		return "", nil
	}

	data, err := m.Encode(format)
	if err != nil {
		return "", fmt.Errorf("encoding manifest: %w", err)
	}

	p := path.Join(dir, name)
	if err := out.Write(ctx, p, bytes.NewReader(data), WithContentType(contentTypeFor(format)), WithOverwrite(true)); err != nil {
		return "", err
	}
	return p, nil
}

func contentTypeFor(format ManifestFormat) string {
	if format == ManifestYAML {
		return "application/yaml"
	}
	return "application/json"
}
