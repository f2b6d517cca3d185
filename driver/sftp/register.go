package sftp

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gobeaver/carvekit"
)

func init() {
	carvekit.RegisterDriver("sftp", func(cfg *carvekit.Config) (carvekit.FileSystem, error) {
		if cfg.SFTPHost == "" {
			return nil, errors.New("SFTP host is required")
		}

		sftpConfig := Config{
			Host:       cfg.SFTPHost,
			Port:       cfg.SFTPPort,
			Username:   cfg.SFTPUsername,
			Password:   cfg.SFTPPassword,
			KnownHosts: cfg.SFTPKnownHosts,
			BasePath:   cfg.SFTPBasePath,
		}

		if cfg.SFTPPrivateKey != "" {
			keyData, err := os.ReadFile(cfg.SFTPPrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to read private key: %w", err)
			}
			sftpConfig.PrivateKey = keyData
		}

		return New(sftpConfig, WithPollInterval(time.Duration(cfg.PollInterval)*time.Second))
	})
}
