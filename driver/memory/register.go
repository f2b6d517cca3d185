package memory

import "github.com/gobeaver/carvekit"

func init() {
	carvekit.RegisterDriver("memory", func(cfg *carvekit.Config) (carvekit.FileSystem, error) {
		return New(Config{Limit: cfg.MemoryLimit}), nil
	})
}
