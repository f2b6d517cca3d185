package carvekit

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/gobeaver/carvekit/internal/logging"
)

type Config struct {
	// Output driver to use (local, memory, zip, s3, gcs, azure, sftp)
	Driver string `env:"CARVEKIT_DRIVER,default:local"`

	// Root directory recovered files are written under
	OutputDir string `env:"CARVEKIT_OUTPUT_DIR,default:./recovered"`

	// YAML catalog replacing the built-in signature table
	CatalogFile string `env:"CARVEKIT_CATALOG_FILE"`

	// Extensions to carve, comma-separated; empty means all
	Types string `env:"CARVEKIT_TYPES"`

	// Concurrent descriptor scans; 0 uses GOMAXPROCS
	Workers int `env:"CARVEKIT_WORKERS,default:0"`

	// Checksums recorded for every recovered file, comma-separated
	Checksums string `env:"CARVEKIT_CHECKSUMS,default:sha256"`

	// Compression of recovered files (none, zstd, lz4)
	Compression string `env:"CARVEKIT_COMPRESSION,default:none"`

	// Manifest format written per source (json, yaml, none)
	Manifest string `env:"CARVEKIT_MANIFEST,default:json"`

	// Memory-map sources on the local disk instead of reading them
	Mmap bool `env:"CARVEKIT_MMAP,default:true"`

	// Replace recovered files left by a previous run
	Overwrite bool `env:"CARVEKIT_OVERWRITE,default:true"`

	// Glob selecting sources in scan-location mode
	ScanPattern string `env:"CARVEKIT_SCAN_PATTERN,default:**"`

	// Log candidates without writing anything
	DryRun bool `env:"CARVEKIT_DRY_RUN,default:false"`

	// Hex encoded 256-bit key; when set every written file is sealed
	SealKey string `env:"CARVEKIT_SEAL_KEY"`

	// Seconds between polls when watching a source without change events
	PollInterval int `env:"CARVEKIT_POLL_INTERVAL,default:30"`

	// Largest source scanned in scan-location mode, in bytes; 0 means no limit
	MaxMediumSize int64 `env:"CARVEKIT_MAX_MEDIUM_SIZE,default:0"`

	// Logging; format is text, json or auto
	LogLevel  string `env:"CARVEKIT_LOG_LEVEL,default:info"`
	LogFormat string `env:"CARVEKIT_LOG_FORMAT,default:text"`

	// Bytes the memory driver may hold; 0 means no limit
	MemoryLimit int64 `env:"CARVEKIT_MEMORY_LIMIT,default:0"`

	// Archive recovered files are written to by the zip driver
	ZipArchive string `env:"CARVEKIT_ZIP_ARCHIVE,default:./recovered.zip"`

	// S3 specific configuration
	S3Region          string `env:"CARVEKIT_S3_REGION,default:us-east-1"`
	S3Bucket          string `env:"CARVEKIT_S3_BUCKET"`
	S3Prefix          string `env:"CARVEKIT_S3_PREFIX"`
	S3Endpoint        string `env:"CARVEKIT_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"CARVEKIT_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"CARVEKIT_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"CARVEKIT_S3_FORCE_PATH_STYLE,default:false"`

	// Google Cloud Storage; credentials default to the application default chain
	GCSBucket          string `env:"CARVEKIT_GCS_BUCKET"`
	GCSPrefix          string `env:"CARVEKIT_GCS_PREFIX"`
	GCSCredentialsFile string `env:"CARVEKIT_GCS_CREDENTIALS_FILE"`

	// Azure Blob Storage; a connection string replaces account name and key
	AzureAccountName      string `env:"CARVEKIT_AZURE_ACCOUNT_NAME"`
	AzureAccountKey       string `env:"CARVEKIT_AZURE_ACCOUNT_KEY"`
	AzureContainer        string `env:"CARVEKIT_AZURE_CONTAINER"`
	AzureConnectionString string `env:"CARVEKIT_AZURE_CONNECTION_STRING"`
	AzureEndpoint         string `env:"CARVEKIT_AZURE_ENDPOINT"`
	AzurePrefix           string `env:"CARVEKIT_AZURE_PREFIX"`

	// SFTP specific configuration
	SFTPHost       string `env:"CARVEKIT_SFTP_HOST"`
	SFTPPort       int    `env:"CARVEKIT_SFTP_PORT,default:22"`
	SFTPUsername   string `env:"CARVEKIT_SFTP_USERNAME"`
	SFTPPassword   string `env:"CARVEKIT_SFTP_PASSWORD"`
	SFTPPrivateKey string `env:"CARVEKIT_SFTP_PRIVATE_KEY"`
	SFTPKnownHosts string `env:"CARVEKIT_SFTP_KNOWN_HOSTS"`
	SFTPBasePath   string `env:"CARVEKIT_SFTP_BASE_PATH"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if c.Driver == "" {
		return errors.New("driver is required")
	}
	switch c.Driver {
	case "local":
		if c.OutputDir == "" {
			return errors.New("output directory is required for local driver")
		}
	case "memory":
		if c.MemoryLimit < 0 {
			return fmt.Errorf("memory limit must not be negative: %d", c.MemoryLimit)
		}
	case "zip":
		if c.ZipArchive == "" {
			return errors.New("archive path is required for zip driver")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3 bucket is required for s3 driver")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return errors.New("GCS bucket is required for gcs driver")
		}
	case "azure":
		if c.AzureContainer == "" {
			return errors.New("Azure container is required for azure driver")
		}
		if c.AzureConnectionString == "" && (c.AzureAccountName == "" || c.AzureAccountKey == "") {
			return errors.New("Azure connection string or account name and key are required for azure driver")
		}
	case "sftp":
		if c.SFTPHost == "" {
			return errors.New("SFTP host is required for sftp driver")
		}
		if c.SFTPPassword == "" && c.SFTPPrivateKey == "" {
			return errors.New("SFTP password or private key is required for sftp driver")
		}
	default:
		return fmt.Errorf("unknown driver: %s", c.Driver)
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative: %d", c.Workers)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll interval must not be negative: %d", c.PollInterval)
	}
	if c.MaxMediumSize < 0 {
		return fmt.Errorf("max medium size must not be negative: %d", c.MaxMediumSize)
	}
	if _, err := ParseCompression(c.Compression); err != nil {
		return err
	}
	if _, err := ParseManifestFormat(c.Manifest); err != nil {
		return err
	}
	if _, err := ParseChecksumAlgorithms(c.Checksums); err != nil {
		return err
	}
	if c.SealKey != "" {
		if _, err := ParseSealKey(c.SealKey); err != nil {
			return err
		}
	}
	if _, err := Glob(c.scanPattern()); err != nil {
		return err
	}
	if err := logging.ValidateFormat(c.LogFormat); err != nil {
		return err
	}
	return nil
}

// TypeList returns the configured extensions, without dots or blanks.
func (c *Config) TypeList() []string {
	var types []string
	for _, t := range strings.Split(c.Types, ",") {
		t = strings.TrimPrefix(strings.TrimSpace(t), ".")
		if t != "" {
			types = append(types, t)
		}
	}
	return types
}

func (c *Config) scanPattern() string {
	if c.ScanPattern == "" {
		return "**"
	}
	return c.ScanPattern
}
