package config

import (
	"context"
	"errors"

	"stepline/internal/catalog"
	"stepline/internal/domain"
	"stepline/internal/repo"
)

// Build turns the declared steps into a runtime catalog. Every configured
// step uses the default handler; visible_after lists become conditions that
// require each referenced step to be completed at its current version.
func (c *Config) Build() (*catalog.Catalog, error) {
	versions := make(map[string]int, len(c.Steps))
	for _, s := range c.Steps {
		versions[s.ID] = s.Version
	}
	steps := make([]catalog.Step, 0, len(c.Steps))
	for _, s := range c.Steps {
		step := catalog.Step{
			ID:          s.ID,
			Version:     s.Version,
			Required:    s.Required,
			OptIn:       s.OptIn,
			Description: s.Description,
			Args:        buildArgSpec(s.Args),
		}
		if len(s.VisibleAfter) > 0 {
			step.Condition = visibleAfter(s.VisibleAfter, versions)
		}
		steps = append(steps, step)
	}
	return catalog.New(steps...)
}

func buildArgSpec(args map[string]ArgConfig) catalog.ArgSpec {
	if len(args) == 0 {
		return nil
	}
	spec := make(catalog.ArgSpec, len(args))
	for name, a := range args {
		spec[name] = catalog.ArgField{Kind: catalog.ArgKind(a.Type), Required: a.Required}
	}
	return spec
}

// visibleAfter hides a step until every listed step is completed at the
// version it currently carries. Outdated or skipped completions do not count.
func visibleAfter(deps []string, versions map[string]int) catalog.Condition {
	return func(ctx context.Context, q catalog.Querier, entityID string) (bool, error) {
		for _, dep := range deps {
			rec, err := repo.GetRecordQ(ctx, q, entityID, dep)
			if errors.Is(err, repo.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			if rec.State != domain.StateCompleted || rec.Version != versions[dep] {
				return false, nil
			}
		}
		return true, nil
	}
}
