package carvekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/gobeaver/carvekit/carve"
	"github.com/gobeaver/carvekit/medium"
)

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// Catalog is the signature table. Nil uses carve.DefaultCatalog().
	Catalog carve.Catalog

	// Types restricts carving to these extensions. Empty means all.
	Types []string

	// Workers bounds concurrent descriptor scans. Zero uses GOMAXPROCS.
	Workers int

	// Dir is the directory on the output filesystem results go under.
	Dir string

	Compression Compression
	Checksums   []ChecksumAlgorithm
	Manifest    ManifestFormat
	Overwrite   bool

	// Mmap maps local sources instead of reading them.
	Mmap bool

	// Selector picks sources in ScanLocation and Watch. Nil selects all.
	Selector FileSelector

	// WatchPattern is handed to CanWatch.Watch, relative to the scanned root.
	// Empty means "**".
	WatchPattern string

	// PollInterval is used by Watch when the source cannot notify changes.
	PollInterval time.Duration

	// DryRun logs candidates without writing anything.
	DryRun bool

	// Logger receives progress records. Nil uses slog.Default().
	Logger *slog.Logger
}

// Summary totals a scan run.
type Summary struct {
	Sources    int
	Candidates int
	Recovered  int
	Bytes      int64
	Manifests  []string
}

func (s *Summary) add(o *Summary) {
	s.Sources += o.Sources
	s.Candidates += o.Candidates
	s.Recovered += o.Recovered
	s.Bytes += o.Bytes
	s.Manifests = append(s.Manifests, o.Manifests...)
}

// Scanner runs the carving engine over sources and writes what it finds.
type Scanner struct {
	out    FileWriter
	cfg    ScannerConfig
	engine *carve.Engine
	logger *slog.Logger
}

// NewScanner creates a Scanner writing to out. out may be nil for dry runs.
func NewScanner(out FileWriter, cfg ScannerConfig) (*Scanner, error) {
	if cfg.Catalog == nil {
		cfg.Catalog = carve.DefaultCatalog()
	}
	if err := cfg.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	if out == nil && !cfg.DryRun {
		return nil, errors.New("output filesystem is required")
	}

	known := make(map[string]bool)
	for _, ext := range cfg.Catalog.Extensions() {
		known[ext] = true
	}
	for _, t := range cfg.Types {
		if !known[t] {
			return nil, fmt.Errorf("unknown file type %q", t)
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scanner{
		out: out,
		cfg: cfg,
		engine: &carve.Engine{
			Catalog: cfg.Catalog,
			Workers: cfg.Workers,
			Include: carve.IncludeExtensions(cfg.Types...),
		},
		logger: logger,
	}, nil
}

// NewScannerFromConfig builds a Scanner from environment configuration.
// Recovered files are written at the root of out, which may be nil when
// cfg.DryRun is set. With cfg.SealKey set, out is wrapped in a SealedWriter.
func NewScannerFromConfig(out FileWriter, cfg *Config, logger *slog.Logger) (*Scanner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var catalog carve.Catalog
	if cfg.CatalogFile != "" {
		var err error
		if catalog, err = carve.LoadCatalog(cfg.CatalogFile); err != nil {
			return nil, err
		}
	}

	compression, _ := ParseCompression(cfg.Compression)
	manifest, _ := ParseManifestFormat(cfg.Manifest)
	checksums, _ := ParseChecksumAlgorithms(cfg.Checksums)
	glob, _ := Glob(cfg.scanPattern())

	if cfg.SealKey != "" && out != nil {
		key, _ := ParseSealKey(cfg.SealKey)
		sealed, err := NewSealedWriter(out, key)
		if err != nil {
			return nil, err
		}
		out = sealed
	}

	return NewScanner(out, ScannerConfig{
		Catalog:      catalog,
		Types:        cfg.TypeList(),
		Workers:      cfg.Workers,
		Compression:  compression,
		Checksums:    checksums,
		Manifest:     manifest,
		Overwrite:    cfg.Overwrite,
		Mmap:         cfg.Mmap,
		Selector:     And(glob, MaxSize(cfg.MaxMediumSize)),
		PollInterval: time.Duration(cfg.PollInterval) * time.Second,
		DryRun:       cfg.DryRun,
		Logger:       logger,
	})
}

// Catalog returns the catalog in use.
func (s *Scanner) Catalog() carve.Catalog {
	return s.cfg.Catalog
}

// ScanFile carves a single local file into the output directory.
func (s *Scanner) ScanFile(ctx context.Context, filePath string) (*Summary, error) {
	m, err := medium.Open(filePath, s.cfg.Mmap)
	if err != nil {
		return nil, fmt.Errorf("loading medium: %w", err)
	}
	defer m.Close()

	return s.ScanMedium(ctx, m, s.cfg.Dir)
}

// ScanLocation carves every selected file below root of src. Results for
// root/a/b.img go to <dir>/a/b.img/. The source is only ever read. The run
// stops at the first I/O error.
func (s *Scanner) ScanLocation(ctx context.Context, src FileReader, root string) (*Summary, error) {
	return s.scanLocation(ctx, NewReadOnlyFileSystem(src), root, nil)
}

// sourceState identifies a version of a source file.
type sourceState struct {
	size    int64
	modTime time.Time
}

func (s *Scanner) scanLocation(ctx context.Context, src *ReadOnlyFileSystem, root string, seen map[string]sourceState) (*Summary, error) {
	selector, err := s.sourceSelector(src, root)
	if err != nil {
		return nil, err
	}
	files, err := ListWithSelector(ctx, src, root, selector, true)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", root, err)
	}

	// Watched sources may be truncated mid-scan, and a mapped file would
	// fault instead of failing the read.
	useMmap := s.cfg.Mmap && seen == nil

	total := &Summary{}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		state := sourceState{size: file.Size, modTime: file.ModTime}
		if seen != nil {
			if prev, ok := seen[file.Path]; ok && prev.size == state.size && prev.modTime.Equal(state.modTime) {
				continue
			}
		}

		m, err := medium.Load(ctx, src, file.Path, useMmap)
		if err != nil {
			return total, err
		}
		summary, err := s.ScanMedium(ctx, m, path.Join(s.cfg.Dir, relativePath(root, file.Path)))
		m.Close()
		if err != nil {
			return total, err
		}
		total.add(summary)

		if seen != nil {
			seen[file.Path] = state
		}
	}
	return total, nil
}

// ScanMedium carves one loaded medium and writes candidates and manifest to dir.
func (s *Scanner) ScanMedium(ctx context.Context, m *medium.Medium, dir string) (*Summary, error) {
	started := time.Now()
	s.logger.Info("scanning source", "source", m.Name, "size", m.Size(), "mapped", m.Mapped)

	records, err := s.engine.Carve(ctx, m.Data)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Sources: 1, Candidates: len(records), Bytes: m.Size()}

	if s.cfg.DryRun {
		for _, rec := range records {
			d := s.cfg.Catalog[rec.Index]
			s.logger.Info("candidate",
				"extension", d.Extension,
				"offset", rec.Offset,
				"length", rec.Length,
				"terminated", rec.Terminated,
				"name", RecoveredName(rec, d, s.cfg.Compression),
			)
		}
		return summary, nil
	}

	recoverer := NewRecoverer(s.out, s.cfg.Catalog, RecovererConfig{
		Dir:         dir,
		Compression: s.cfg.Compression,
		Checksums:   s.cfg.Checksums,
		Overwrite:   s.cfg.Overwrite,
		Logger:      s.logger,
	})
	files, err := recoverer.WriteAll(ctx, m.Data, records)
	summary.Recovered = len(files)
	if err != nil {
		return summary, err
	}

	manifest := &Manifest{
		Source:      m.Name,
		SourceSize:  m.Size(),
		CatalogSize: len(s.cfg.Catalog),
		Started:     started.UTC(),
		Finished:    time.Now().UTC(),
		Files:       files,
	}
	manifestPath, err := WriteManifest(ctx, s.out, dir, manifest, s.cfg.Manifest)
	if err != nil {
		return summary, err
	}
	if manifestPath != "" {
		summary.Manifests = append(summary.Manifests, manifestPath)
	}

	s.logger.Info("source done",
		"source", m.Name,
		"candidates", len(records),
		"recovered", len(files),
		"duration", time.Since(started),
	)
	return summary, nil
}

// Watch scans root, then rescans new or changed sources each time src
// reports a change. Sources whose size and modification time are unchanged
// are skipped. Sources are always read, never mapped. Watch returns nil once ctx is cancelled, or the first scan
// error.
func (s *Scanner) Watch(ctx context.Context, src FileReader, root string) error {
	ro := NewReadOnlyFileSystem(src)
	seen := make(map[string]sourceState)

	for {
		// Arm the token before scanning so changes made during the scan
		// trigger another pass.
		token, stop, err := s.changeToken(ctx, ro, root)
		if err != nil {
			return err
		}

		summary, err := s.scanLocation(ctx, ro, root, seen)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if summary.Sources > 0 {
			s.logger.Info("watch pass done", "sources", summary.Sources, "candidates", summary.Candidates)
		}

		err = WaitForChange(ctx, token)
		stop()
		if err != nil {
			return nil
		}
	}
}

func (s *Scanner) changeToken(ctx context.Context, src *ReadOnlyFileSystem, root string) (ChangeToken, func(), error) {
	pattern := s.cfg.WatchPattern
	if pattern == "" {
		pattern = "**"
	}

	tokenCtx, cancel := context.WithCancel(ctx)
	if _, ok := src.Unwrap().(CanWatch); ok {
		token, err := src.Watch(tokenCtx, strings.TrimPrefix(path.Join(root, pattern), "/"))
		if err != nil {
			cancel()
			return nil, nil, err
		}
		return token, cancel, nil
	}

	baseline, err := s.fingerprint(tokenCtx, src, root)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	token := NewPollingChangeToken(tokenCtx, PollingConfig{
		Interval: s.cfg.PollInterval,
		CheckFunc: func() bool {
			current, err := s.fingerprint(tokenCtx, src, root)
			return err == nil && current != baseline
		},
	})
	return token, func() { token.Stop(); cancel() }, nil
}

// fingerprint summarizes the selected sources below root.
func (s *Scanner) fingerprint(ctx context.Context, src *ReadOnlyFileSystem, root string) (string, error) {
	selector, err := s.sourceSelector(src, root)
	if err != nil {
		return "", err
	}
	files, err := ListWithSelector(ctx, src, root, selector, true)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "%s|%d|%d\n", f.Path, f.Size, f.ModTime.UnixNano())
	}
	return b.String(), nil
}

// ErrOutputOverlap is returned when a scanned location lies inside the
// output directory.
var ErrOutputOverlap = errors.New("scan location is inside the output directory")

// sourceSelector returns the configured selector, narrowed so that an
// output directory below root is never listed as a source.
func (s *Scanner) sourceSelector(src *ReadOnlyFileSystem, root string) (FileSelector, error) {
	selector := s.cfg.Selector
	if selector == nil {
		selector = All()
	}
	if s.out == nil || s.cfg.DryRun {
		return selector, nil
	}

	excluded, ok, err := s.outputWithin(src, root)
	if err != nil || !ok {
		return selector, err
	}
	return And(selector, excludeTree(excluded)), nil
}

// outputWithin locates the output directory in the path space of src. ok is
// false when the two do not overlap.
func (s *Scanner) outputWithin(src *ReadOnlyFileSystem, root string) (string, bool, error) {
	root = cleanRelative(root)
	inner := src.Unwrap()
	out := s.out
	for {
		if sameFileSystem(inner, out) {
			return overlap(root, cleanRelative(s.cfg.Dir))
		}
		u, ok := out.(interface{ Unwrap() FileWriter })
		if !ok {
			break
		}
		out = u.Unwrap()
	}

	srcLocal, ok := inner.(CanLocalPath)
	if !ok {
		return "", false, nil
	}
	outLocal, ok := out.(CanLocalPath)
	if !ok {
		return "", false, nil
	}
	srcRoot, err := srcLocal.LocalPath(root)
	if err != nil {
		return "", false, nil
	}
	outDir, err := outLocal.LocalPath(cleanRelative(s.cfg.Dir))
	if err != nil {
		return "", false, nil
	}
	rel, err := filepath.Rel(srcRoot, outDir)
	if err != nil {
		return "", false, nil
	}
	rel = filepath.ToSlash(rel)
	if rel != ".." && !strings.HasPrefix(rel, "../") {
		return overlap(root, path.Join(root, rel))
	}
	// The output lies outside root; root may still lie inside the output.
	back, err := filepath.Rel(outDir, srcRoot)
	if err == nil && back != ".." && !strings.HasPrefix(filepath.ToSlash(back), "../") {
		return "", false, &PathError{Op: "scan", Path: root, Err: ErrOutputOverlap}
	}
	return "", false, nil
}

// overlap compares root and dir, both relative to one filesystem, and
// returns dir when it lies strictly below root.
func overlap(root, dir string) (string, bool, error) {
	dir = cleanRelative(dir)
	switch {
	case dir == root || dir == "" || strings.HasPrefix(root, dir+"/"):
		return "", false, &PathError{Op: "scan", Path: root, Err: ErrOutputOverlap}
	case root == "" || strings.HasPrefix(dir, root+"/"):
		return dir, true, nil
	default:
		return "", false, nil
	}
}

func sameFileSystem(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() || va.Kind() != reflect.Pointer {
		return false
	}
	return va.Pointer() == vb.Pointer()
}

func cleanRelative(p string) string {
	p = strings.Trim(path.Clean("/"+filepath.ToSlash(p)), "/")
	if p == "." {
		return ""
	}
	return p
}

// excludeTree skips dir and everything below it.
type excludeTree string

func (e excludeTree) inside(p string) bool {
	p = cleanRelative(p)
	return p == string(e) || strings.HasPrefix(p, string(e)+"/")
}

func (e excludeTree) Match(file *FileInfo) bool { return !e.inside(file.Path) }

func (e excludeTree) TraverseDescendants(file *FileInfo) bool { return !e.inside(file.Path) }

func relativePath(root, p string) string {
	root = strings.Trim(root, "/")
	p = strings.Trim(p, "/")
	if root != "" && root != "." && strings.HasPrefix(p, root+"/") {
		return p[len(root)+1:]
	}
	return p
}
