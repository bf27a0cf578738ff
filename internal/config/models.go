package config

import (
	"maps"

	"github.com/basket/smolclaw/internal/hormone"
)

// HormoneModelAliases merges the configured model_aliases over the
// built-in tier names. Unknown tiers are ignored.
func (c Config) HormoneModelAliases() map[hormone.ModelTier]string {
	out := maps.Clone(hormone.DefaultModelAliases)
	for tier, model := range c.ModelAliases {
		switch t := hormone.ModelTier(tier); t {
		case hormone.TierCheap, hormone.TierStandard:
			if model != "" {
				out[t] = model
			}
		}
	}
	return out
}
