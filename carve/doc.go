// Package carve implements signature-based file carving over an in-memory
// byte buffer.
//
// A [Catalog] is an ordered list of [Descriptor] values, each naming a file
// type by its header bytes, an optional footer and a size bound. Carving a
// buffer walks the catalog, finds every occurrence of each header with
// [FindAll], resolves the extent of every occurrence with [Resolve] and
// reports one [Record] per occurrence. Nothing is deduplicated: two
// descriptors matching the same bytes produce two records.
//
// # Basic Usage
//
//	catalog := carve.DefaultCatalog()
//	records := carve.Carve(data, catalog)
//	for _, rec := range records {
//	    d := catalog[rec.Index]
//	    fmt.Printf("%s at %d (%d bytes)\n", d.Extension, rec.Offset, rec.Length)
//	}
//
// # Concurrency
//
// Descriptor scans are independent, so [Engine] runs them on a bounded pool
// of goroutines sharing the read-only buffer. Results are merged in catalog
// order and are identical to [Carve]:
//
//	engine := &carve.Engine{Catalog: carve.DefaultCatalog(), Workers: 4}
//	records, err := engine.Carve(ctx, data)
//
// The buffer is never modified. The functions in this package never read
// outside the buffer and never fail on short or empty input; a header that
// does not fit simply does not match.
package carve
