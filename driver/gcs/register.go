package gcs

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/gobeaver/carvekit"
)

func init() {
	carvekit.RegisterDriver("gcs", createGCSFileSystem)
}

// createGCSFileSystem uses CARVEKIT_GCS_CREDENTIALS_FILE when set and the
// application default credentials otherwise.
func createGCSFileSystem(cfg *carvekit.Config) (carvekit.FileSystem, error) {
	var clientOpts []option.ClientOption
	if cfg.GCSCredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.GCSCredentialsFile))
	}
	client, err := storage.NewClient(context.Background(), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	opts := []AdapterOption{WithPollInterval(time.Duration(cfg.PollInterval) * time.Second)}
	if cfg.GCSPrefix != "" {
		opts = append(opts, WithPrefix(cfg.GCSPrefix))
	}
	return New(NewClient(client), cfg.GCSBucket, opts...), nil
}
