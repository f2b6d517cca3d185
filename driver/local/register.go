package local

import "github.com/gobeaver/carvekit"

func init() {
	carvekit.RegisterDriver("local", func(cfg *carvekit.Config) (carvekit.FileSystem, error) {
		return New(cfg.OutputDir)
	})
}
