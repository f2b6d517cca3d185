package zip

import (
	"github.com/gobeaver/carvekit"
)

func init() {
	carvekit.RegisterDriver("zip", func(cfg *carvekit.Config) (carvekit.FileSystem, error) {
		return Create(cfg.ZipArchive)
	})
}
