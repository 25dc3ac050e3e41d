package providers

import (
	"context"
	"slices"
)

// aliased decorates a Provider's catalog with operator-configured aliases.
type aliased struct {
	Provider
	aliases map[string][]string
}

// WithAliases returns p with extra aliases attached to models p already
// registers. Aliases for models p does not serve are ignored, so one alias
// table can be applied to the whole pool.
func WithAliases(p Provider, aliases map[string][]string) Provider {
	if len(aliases) == 0 {
		return p
	}
	return &aliased{Provider: p, aliases: aliases}
}

func (a *aliased) RegisteredModels(ctx context.Context) (map[string]ModelInfo, error) {
	models, err := a.Provider.RegisteredModels(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ModelInfo, len(models))
	for name, info := range models {
		if extra, ok := a.aliases[name]; ok {
			merged := slices.Clone(info.Aliases)
			for _, al := range extra {
				if !slices.Contains(merged, al) {
					merged = append(merged, al)
				}
			}
			info.Aliases = merged
		}
		out[name] = info
	}
	return out, nil
}
