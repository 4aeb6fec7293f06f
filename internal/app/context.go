package app

import (
	"fmt"

	"stepline/internal/catalog"
	"stepline/internal/config"
)

// ResolveCatalog loads stepline.yml from the workspace and builds the runtime
// catalog. When no config file exists the built-in default catalog is used, so
// a fresh workspace is usable without ceremony.
func ResolveCatalog(workspace string) (*config.Config, *catalog.Catalog, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default("default")
	}
	cat, err := cfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build catalog: %w", err)
	}
	return cfg, cat, nil
}
