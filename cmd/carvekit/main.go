// carvekit recovers files from a raw disk image or a directory of images by
// searching for known file signatures.
//
// Two input modes, exactly one of which must be given:
//
// Single file (--input-file): the image is memory-mapped where possible and
// every candidate is written directly under the output directory.
//
// Scan location (--scan-dir): every file below the directory that matches
// --pattern is carved into <output>/<relative path>/. With --watch the
// directory is rescanned whenever files are added or changed. With
// --source-driver s3, gcs, azure or sftp the directory is a path inside the
// bucket, container or server configured through the matching CARVEKIT_S3_*,
// CARVEKIT_GCS_*, CARVEKIT_AZURE_* or CARVEKIT_SFTP_* variables. With --source-driver zip it is a ZIP bundle of images, scanned
// without unpacking it.
//
// Every setting can also come from BEAVER_CARVEKIT_* environment variables;
// flags take precedence. When BEAVER_CARVEKIT_SEAL_KEY is set, everything
// written is encrypted; --unseal decrypts one such file to stdout.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/gobeaver/carvekit"
	"github.com/gobeaver/carvekit/carve"
	"github.com/gobeaver/carvekit/driver/local"
	_ "github.com/gobeaver/carvekit/driver/azure"
	_ "github.com/gobeaver/carvekit/driver/gcs"
	_ "github.com/gobeaver/carvekit/driver/memory"
	_ "github.com/gobeaver/carvekit/driver/s3"
	_ "github.com/gobeaver/carvekit/driver/sftp"
	zipdriver "github.com/gobeaver/carvekit/driver/zip"
	"github.com/gobeaver/carvekit/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

// usageError is a command-line mistake; it exits with status 2.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }
func (e *usageError) ExitCode() int { return 2 }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

type options struct {
	inputFile      string
	scanDir        string
	outputDir      string
	driver         string
	sourceDriver   string
	catalog        string
	types          string
	workers        int
	checksums      string
	compression    string
	manifest       string
	noMmap         bool
	pattern        string
	watch          bool
	dryRun         bool
	unseal         string
	listSignatures bool
	logLevel       string
	logJSON        bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (retErr error) {
	var opts options

	flagSet := pflag.NewFlagSet("carvekit", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.inputFile, "input-file", "i", "", "raw image to carve")
	flagSet.StringVarP(&opts.scanDir, "scan-dir", "d", "", "directory whose files are carved one by one")
	flagSet.StringVarP(&opts.outputDir, "output-directory", "o", "", "directory recovered files are written to (default ./recovered)")
	flagSet.StringVar(&opts.driver, "driver", "", "output driver: local, memory, zip, s3, gcs, azure or sftp (default local)")
	flagSet.StringVar(&opts.sourceDriver, "source-driver", "local", "where --scan-dir lives: local, zip, s3, gcs, azure or sftp")
	flagSet.StringVar(&opts.catalog, "catalog", "", "YAML signature catalog replacing the built-in one")
	flagSet.StringVar(&opts.types, "types", "", "comma-separated extensions to carve (default all)")
	flagSet.IntVar(&opts.workers, "workers", 0, "concurrent signature scans (default GOMAXPROCS)")
	flagSet.StringVar(&opts.checksums, "checksum", "", "checksums recorded per file: md5,sha1,sha256,sha512,blake3,crc32,xxhash or none")
	flagSet.StringVar(&opts.compression, "compress", "", "compress recovered files: none, zstd or lz4")
	flagSet.StringVar(&opts.manifest, "manifest", "", "manifest format: json, yaml or none")
	flagSet.BoolVar(&opts.noMmap, "no-mmap", false, "read images into memory instead of mapping them")
	flagSet.StringVar(&opts.pattern, "pattern", "", "glob selecting files in --scan-dir (default **)")
	flagSet.BoolVar(&opts.watch, "watch", false, "keep rescanning --scan-dir as files appear")
	flagSet.BoolVar(&opts.dryRun, "dry-run", false, "log candidates without writing anything")
	flagSet.StringVar(&opts.unseal, "unseal", "", "decrypt a sealed file to stdout using BEAVER_CARVEKIT_SEAL_KEY")
	flagSet.BoolVar(&opts.listSignatures, "list-signatures", false, "print the signature catalog and exit")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.BoolVar(&opts.logJSON, "log-json", false, "write logs as JSON")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stderr, flagSet)
			return nil
		}
		return usagef("%v", err)
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(stderr, flagSet)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return usagef("unexpected argument: %s", rest[0])
	}

	cfg, err := carvekit.GetConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlags(cfg, flagSet, &opts)
	if err := cfg.Validate(); err != nil {
		return usagef("%v", err)
	}

	if opts.listSignatures {
		return listSignatures(stdout, cfg.CatalogFile)
	}
	if opts.unseal != "" {
		return unseal(stdout, cfg.SealKey, opts.unseal)
	}

	if (opts.inputFile == "") == (opts.scanDir == "") {
		return usagef("exactly one of --input-file or --scan-dir is required")
	}
	if opts.watch && opts.scanDir == "" {
		return usagef("--watch requires --scan-dir")
	}
	switch opts.sourceDriver {
	case "local":
	case "zip", "s3", "gcs", "azure", "sftp":
		if opts.scanDir == "" {
			return usagef("--source-driver %s requires --scan-dir", opts.sourceDriver)
		}
	default:
		return usagef("unknown source driver: %s", opts.sourceDriver)
	}

	logger := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)

	var out carvekit.FileWriter
	if !cfg.DryRun {
		fs, err := carvekit.New(cfg)
		if err != nil {
			return err
		}
		out = fs
		defer closeAll(&retErr, "output", fs)
	}

	scanner, err := carvekit.NewScannerFromConfig(out, cfg, logger)
	if err != nil {
		return err
	}

	var summary *carvekit.Summary
	switch {
	case opts.inputFile != "":
		summary, err = scanner.ScanFile(ctx, opts.inputFile)
	case opts.watch:
		src, root, err := openSource(cfg, opts.sourceDriver, opts.scanDir)
		if err != nil {
			return err
		}
		defer closeAll(&retErr, "source", src)
		logger.Info("watching", "dir", opts.scanDir, "driver", opts.sourceDriver)
		return scanner.Watch(ctx, src, root)
	default:
		var src carvekit.FileReader
		var root string
		if src, root, err = openSource(cfg, opts.sourceDriver, opts.scanDir); err != nil {
			return err
		}
		defer closeAll(&retErr, "source", src)
		summary, err = scanner.ScanLocation(ctx, src, root)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "%d candidates, %d recovered from %d sources\n",
		summary.Candidates, summary.Recovered, summary.Sources)
	return nil
}

// applyFlags overrides environment configuration with flags given on the
// command line.
func applyFlags(cfg *carvekit.Config, flagSet *pflag.FlagSet, opts *options) {
	changed := flagSet.Changed
	if changed("driver") {
		cfg.Driver = opts.driver
	}
	if changed("output-directory") {
		cfg.OutputDir = opts.outputDir
	}
	if changed("catalog") {
		cfg.CatalogFile = opts.catalog
	}
	if changed("types") {
		cfg.Types = opts.types
	}
	if changed("workers") {
		cfg.Workers = opts.workers
	}
	if changed("checksum") {
		cfg.Checksums = opts.checksums
	}
	if changed("compress") {
		cfg.Compression = opts.compression
	}
	if changed("manifest") {
		cfg.Manifest = opts.manifest
	}
	if opts.noMmap {
		cfg.Mmap = false
	}
	if changed("pattern") {
		cfg.ScanPattern = opts.pattern
	}
	if opts.dryRun {
		cfg.DryRun = true
	}
	if changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if opts.logJSON {
		cfg.LogFormat = "json"
	}
}

// closeAll closes v when it holds a connection or an open archive and
// reports the failure through errp unless an earlier error is pending.
func closeAll(errp *error, what string, v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil && *errp == nil {
		*errp = fmt.Errorf("closing %s: %w", what, err)
	}
}

// openSource returns the scan source and the root to scan within it. A
// local directory becomes the source itself; remote drivers are created
// from cfg and scanned below dir.
func openSource(cfg *carvekit.Config, driver, dir string) (carvekit.FileReader, string, error) {
	if driver == "zip" {
		bundle, err := zipdriver.Open(dir)
		if err != nil {
			return nil, "", err
		}
		return bundle, "", nil
	}
	if driver != "local" {
		srcCfg := *cfg
		srcCfg.Driver = driver
		src, err := carvekit.CreateDriver(&srcCfg)
		if err != nil {
			return nil, "", fmt.Errorf("opening %s source: %w", driver, err)
		}
		return src, dir, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, "", err
	}
	if !info.IsDir() {
		return nil, "", fmt.Errorf("%s is not a directory", dir)
	}
	src, err := local.New(dir)
	if err != nil {
		return nil, "", err
	}
	return src, "", nil
}

func unseal(w io.Writer, hexKey, file string) error {
	if hexKey == "" {
		return usagef("--unseal requires BEAVER_CARVEKIT_SEAL_KEY")
	}
	key, err := carvekit.ParseSealKey(hexKey)
	if err != nil {
		return usagef("%v", err)
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := carvekit.Unseal(w, f, key); err != nil {
		return fmt.Errorf("unsealing %s: %w", file, err)
	}
	return nil
}

func listSignatures(w io.Writer, catalogFile string) error {
	catalog := carve.DefaultCatalog()
	if catalogFile != "" {
		var err error
		if catalog, err = carve.LoadCatalog(catalogFile); err != nil {
			return err
		}
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tEXT\tMAX SIZE\tHEADER\tFOOTER")
	for i, d := range catalog {
		maxSize := "unbounded"
		if d.MaxSize != carve.Unbounded {
			maxSize = strconv.Itoa(d.MaxSize)
		}
		footer := d.Footer.Mode.String()
		if d.Footer.Mode != carve.FooterNone {
			footer += " " + hex.EncodeToString(d.Footer.Pattern)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i, d.Extension, maxSize, hex.EncodeToString(d.Header), footer)
	}
	return tw.Flush()
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `carvekit recovers files from raw media by signature carving.

Usage:
  carvekit --input-file IMAGE [--output-directory DIR] [flags]
  carvekit --scan-dir DIR [--output-directory DIR] [--watch] [flags]
  carvekit --list-signatures [--catalog FILE]
  carvekit --unseal FILE > plain

Examples:
  # Carve a disk image into ./recovered
  carvekit -i disk.dd

  # Carve only jpg and png, compressing output
  carvekit -i disk.dd -o out --types jpg,png --compress zstd

  # Carve every .img below a directory and keep watching it
  carvekit -d evidence --pattern '*.img' --watch

  # Carve images stored in S3 (bucket from BEAVER_CARVEKIT_S3_BUCKET)
  carvekit --source-driver s3 -d cases/42 -o out

  # Write recovered files to Azure (container from BEAVER_CARVEKIT_AZURE_CONTAINER)
  carvekit -i disk.dd --driver azure -o cases/42

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
