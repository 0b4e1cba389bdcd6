package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// TiersFile: формат файла тарифов.
//
//	default_tier: free
//	tiers:
//	  - id: free
//	    quotas:
//	      requests: {daily: 1000, monthly: 20000}
//	    warning_threshold: 80
type TiersFile struct {
	DefaultTier string `yaml:"default_tier"`
	Tiers       []Tier `yaml:"tiers"`
}

func LoadTiersFile(path string) (TiersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TiersFile{}, fmt.Errorf("quota: read tiers: %w", err)
	}
	var f TiersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return TiersFile{}, fmt.Errorf("quota: parse tiers: %w", err)
	}
	return f, nil
}

// Apply регистрирует все тарифы файла в трекере.
func (f TiersFile) Apply(t *Tracker) error {
	for _, tier := range f.Tiers {
		if err := t.AddTier(tier); err != nil {
			return err
		}
	}
	if f.DefaultTier != "" {
		if _, ok := t.tierByID(f.DefaultTier); !ok {
			return fmt.Errorf("quota: %w: %s", ErrUnknownTier, f.DefaultTier)
		}
		t.mu.Lock()
		t.defaultTier = f.DefaultTier
		t.mu.Unlock()
	}
	return nil
}

func (t *Tracker) tierByID(id string) (Tier, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tier, ok := t.tiers[id]
	return tier, ok
}
