package carve

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Record is one carved candidate. Index and Offset together identify it
// uniquely within a scan.
type Record struct {
	// Index is the position of the matching descriptor in the catalog.
	Index int

	// Offset is the position of the header's first byte in the buffer.
	Offset int

	// Length is the resolved candidate length.
	Length int

	// Terminated reports whether the descriptor's footer was found.
	Terminated bool
}

// End returns the offset one past the candidate's last byte.
func (r Record) End() int {
	return r.Offset + r.Length
}

// Carve scans buf with every descriptor of catalog, in catalog order, and
// returns one record per header occurrence.
func Carve(buf []byte, catalog Catalog) []Record {
	var records []Record
	for i := range catalog {
		records = scanDescriptor(records, buf, i, catalog[i])
	}
	return records
}

// scanDescriptor appends the records of a single descriptor to dst.
func scanDescriptor(dst []Record, buf []byte, index int, d Descriptor) []Record {
	for _, offset := range FindAll(buf, d.Header) {
		extent := Resolve(buf, offset, d)
		dst = append(dst, Record{
			Index:      index,
			Offset:     offset,
			Length:     extent.Length,
			Terminated: extent.Terminated,
		})
	}
	return dst
}

// Engine carves buffers with descriptor scans running in parallel.
// An Engine holds no state between calls and may be shared.
type Engine struct {
	// Catalog is the ordered descriptor list.
	Catalog Catalog

	// Workers bounds the number of concurrent descriptor scans.
	// Zero or less uses GOMAXPROCS.
	Workers int

	// Include, when set, skips descriptors for which it returns false.
	// Skipped descriptors keep their index so record indices stay
	// comparable across filtered and unfiltered runs.
	Include func(Descriptor) bool
}

// NewEngine creates an engine over catalog using GOMAXPROCS workers.
func NewEngine(catalog Catalog) *Engine {
	return &Engine{Catalog: catalog}
}

func (e *Engine) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Carve scans buf with every included descriptor. Each descriptor writes
// only its own result slot, and slots are concatenated in catalog order,
// so the output equals the sequential Carve over the included descriptors.
//
// Cancellation is checked before each descriptor scan starts; a scan in
// progress runs to completion. The only error returned is ctx.Err().
func (e *Engine) Carve(ctx context.Context, buf []byte) ([]Record, error) {
	slots := make([][]Record, len(e.Catalog))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers())

	for i, d := range e.Catalog {
		if e.Include != nil && !e.Include(d) {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots[i] = scanDescriptor(nil, buf, i, d)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := 0
	for _, slot := range slots {
		total += len(slot)
	}
	if total == 0 {
		return nil, nil
	}
	records := make([]Record, 0, total)
	for _, slot := range slots {
		records = append(records, slot...)
	}
	return records, nil
}

// IncludeExtensions returns an Include filter accepting only the given
// extensions. An empty list accepts everything.
func IncludeExtensions(exts ...string) func(Descriptor) bool {
	if len(exts) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[ext] = true
	}
	return func(d Descriptor) bool {
		return allowed[d.Extension]
	}
}
