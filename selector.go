package carvekit

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// ============================================================================
// FileSelector Interface
// ============================================================================

// FileSelector filters files while a scan location is listed.
// Selectors compose with And and Not.
//
// Example:
//
//	images, _ := carvekit.Glob("**/*.img")
//	selector := carvekit.And(images, carvekit.MaxSize(64<<30))
//	files, err := carvekit.ListWithSelector(ctx, src, "cases", selector, true)
type FileSelector interface {
	// Match returns true if the file should be included in results.
	Match(file *FileInfo) bool

	// TraverseDescendants returns true if directory descendants should be traversed.
	// Only called for directories (file.IsDir == true).
	TraverseDescendants(file *FileInfo) bool
}

// ============================================================================
// ListWithSelector
// ============================================================================

// ListWithSelector lists files under dir matching the given selector.
// Directories are never returned. Set recursive to true for deep traversal.
func ListWithSelector(ctx context.Context, fs FileReader, dir string, selector FileSelector, recursive bool) ([]FileInfo, error) {
	if selector == nil {
		selector = All()
	}

	var results []FileInfo
	if err := listRecursive(ctx, fs, dir, selector, recursive, &results); err != nil {
		return nil, err
	}
	return results, nil
}

func listRecursive(ctx context.Context, fs FileReader, dir string, selector FileSelector, recursive bool, results *[]FileInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	files, err := fs.ListContents(ctx, dir, false)
	if err != nil {
		return err
	}

	for i := range files {
		file := &files[i]

		if file.IsDir {
			if recursive && selector.TraverseDescendants(file) {
				if err := listRecursive(ctx, fs, file.Path, selector, recursive, results); err != nil {
					return err
				}
			}
			continue
		}

		if selector.Match(file) {
			*results = append(*results, *file)
		}
	}

	return nil
}

// ============================================================================
// Built-in Selectors
// ============================================================================

// AllSelector matches all files and traverses all directories.
type AllSelector struct{}

func (s AllSelector) Match(file *FileInfo) bool               { return true }
func (s AllSelector) TraverseDescendants(file *FileInfo) bool { return true }

// All returns a selector that matches all files.
func All() FileSelector {
	return AllSelector{}
}

// ============================================================================
// Glob - Pattern matching
// ============================================================================

type globSelector struct {
	g        glob.Glob
	nameOnly bool
}

// Glob creates a selector from a glob pattern. '*' stops at '/', '**'
// crosses directories. A pattern without '/' is matched against the file
// name, otherwise against the slash-separated path.
//
// Examples:
//
//	Glob("**")              // everything
//	Glob("*.dd")            // raw images at any depth
//	Glob("case-*/**/*.img") // images below case directories
func Glob(pattern string) (FileSelector, error) {
	g, err := compileGlob(pattern)
	if err != nil {
		return nil, err
	}
	return &globSelector{g: g, nameOnly: !strings.Contains(pattern, "/")}, nil
}

func (s *globSelector) Match(file *FileInfo) bool {
	if s.nameOnly {
		return s.g.Match(file.Name)
	}
	return s.g.Match(cleanGlobPath(file.Path))
}

func (s *globSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

// MatchGlob reports whether name matches pattern using the same rules as
// Glob. Invalid patterns match nothing.
func MatchGlob(pattern, name string) bool {
	g, err := compileGlob(pattern)
	if err != nil {
		return false
	}
	name = cleanGlobPath(name)
	if !strings.Contains(pattern, "/") {
		return g.Match(path.Base(name))
	}
	return g.Match(name)
}

func compileGlob(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return g, nil
}

func cleanGlobPath(p string) string {
	return strings.TrimPrefix(strings.ReplaceAll(p, "\\", "/"), "/")
}

// ============================================================================
// MaxSize - Size limiting
// ============================================================================

type maxSizeSelector struct {
	limit int64
}

// MaxSize matches files no larger than limit bytes. A limit of zero or less
// matches everything.
func MaxSize(limit int64) FileSelector {
	return &maxSizeSelector{limit: limit}
}

func (s *maxSizeSelector) Match(file *FileInfo) bool {
	return s.limit <= 0 || file.Size <= s.limit
}

func (s *maxSizeSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

// ============================================================================
// Composable Selectors (And, Not)
// ============================================================================

type andSelector struct {
	selectors []FileSelector
}

// And matches only if ALL selectors match.
func And(selectors ...FileSelector) FileSelector {
	return &andSelector{selectors: selectors}
}

func (s *andSelector) Match(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.Match(file) {
			return false
		}
	}
	return true
}

func (s *andSelector) TraverseDescendants(file *FileInfo) bool {
	for _, sel := range s.selectors {
		if !sel.TraverseDescendants(file) {
			return false
		}
	}
	return true
}

type notSelector struct {
	selector FileSelector
}

// Not inverts a selector's match result.
func Not(selector FileSelector) FileSelector {
	return &notSelector{selector: selector}
}

func (s *notSelector) Match(file *FileInfo) bool {
	return !s.selector.Match(file)
}

func (s *notSelector) TraverseDescendants(file *FileInfo) bool {
	return true
}

// ============================================================================
// FuncSelector - Custom logic
// ============================================================================

type funcSelector struct {
	matchFn func(*FileInfo) bool
}

// FuncSelector creates a selector from a custom function.
//
// Example:
//
//	FuncSelector(func(f *carvekit.FileInfo) bool {
//	    return !strings.HasPrefix(f.Name, ".")
//	})
func FuncSelector(fn func(*FileInfo) bool) FileSelector {
	return &funcSelector{matchFn: fn}
}

func (s *funcSelector) Match(file *FileInfo) bool               { return s.matchFn(file) }
func (s *funcSelector) TraverseDescendants(file *FileInfo) bool { return true }
