package azure

import (
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/gobeaver/carvekit"
)

func init() {
	carvekit.RegisterDriver("azure", createAzureFileSystem)
}

func createAzureFileSystem(cfg *carvekit.Config) (carvekit.FileSystem, error) {
	client, err := createAzureClient(cfg)
	if err != nil {
		return nil, err
	}

	opts := []AdapterOption{WithPollInterval(time.Duration(cfg.PollInterval) * time.Second)}
	if cfg.AzurePrefix != "" {
		opts = append(opts, WithPrefix(cfg.AzurePrefix))
	}
	return New(client, cfg.AzureContainer, opts...), nil
}

// createAzureClient prefers a connection string over an account name and
// shared key. The endpoint defaults to the public blob service.
func createAzureClient(cfg *carvekit.Config) (*azblob.Client, error) {
	if cfg.AzureConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.AzureConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create azure client: %w", err)
		}
		return client, nil
	}

	if cfg.AzureAccountName == "" || cfg.AzureAccountKey == "" {
		return nil, fmt.Errorf("azure account name and key are required")
	}
	serviceURL := cfg.AzureEndpoint
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AzureAccountName)
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AzureAccountName, cfg.AzureAccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure credential: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create azure client: %w", err)
	}
	return client, nil
}
