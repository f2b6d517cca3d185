// Package carvekit recovers files from raw media by signature carving.
//
// A medium (a disk image, memory dump or any other byte blob) is searched
// for the header signatures of a catalog of file types. Every header
// occurrence becomes a candidate whose length is decided by the type's
// footer, when found, or by its size bound. Candidates are written out as
// recovered files next to a manifest describing where each one came from.
//
// The matching engine lives in the carve package and works on plain byte
// slices. This package wraps it with the pieces a recovery run needs:
// loading media, writing results through a pluggable file system, and
// hashing, compressing and cataloguing what was recovered.
//
// # File Systems
//
// Sources are read through [FileReader]; results are written through
// [FileWriter]. Drivers register themselves by name when imported:
//
//   - Local disk (github.com/gobeaver/carvekit/driver/local)
//   - In-memory (github.com/gobeaver/carvekit/driver/memory)
//   - ZIP archive (github.com/gobeaver/carvekit/driver/zip)
//   - Amazon S3 and compatible stores (github.com/gobeaver/carvekit/driver/s3)
//   - Google Cloud Storage (github.com/gobeaver/carvekit/driver/gcs)
//   - Azure Blob Storage (github.com/gobeaver/carvekit/driver/azure)
//   - SFTP (github.com/gobeaver/carvekit/driver/sftp)
//
// Drivers holding a connection or an open archive implement io.Closer.
//
// Sources are always wrapped in [ReadOnlyFileSystem] so a scan can never
// modify the evidence it reads. Drivers expose optional capabilities through
// [CanLocalPath], [CanChecksum] and [CanWatch].
//
// # Basic Usage
//
//	import "github.com/gobeaver/carvekit/driver/local"
//
//	out, err := local.New("./recovered")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	scanner, err := carvekit.NewScanner(out, carvekit.ScannerConfig{
//	    Mmap:      true,
//	    Checksums: []carvekit.ChecksumAlgorithm{carvekit.ChecksumSHA256},
//	    Manifest:  carvekit.ManifestJSON,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	summary, err := scanner.ScanFile(ctx, "disk.img")
//
// # Configuration
//
// [Config] is loaded from BEAVER_CARVEKIT_* environment variables:
//
//	cfg, err := carvekit.GetConfig()
//	out, err := carvekit.New(cfg)
//	scanner, err := carvekit.NewScannerFromConfig(out, cfg, logger)
//
// Use [WithPrefix] to load the same settings under another prefix.
//
// # Sealed Output
//
// [SealedWriter] encrypts every file written through it with AES-256-GCM.
// [Unseal] reverses it given the same key.
//
// # Watching
//
// [Scanner.Watch] scans a location and then rescans new or changed sources
// whenever the source file system reports a change, falling back to polling
// when it cannot.
package carvekit
