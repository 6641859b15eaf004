package store

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is the optional bootstrap file format. Entries only apply where
// the store has nothing yet, so a seed never clobbers runtime edits.
type Seed struct {
	Providers []struct {
		Name    string `yaml:"name"`
		APIKey  string `yaml:"api_key"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"providers"`
	Models map[string]struct {
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
	} `yaml:"models"`
	Admins        []int64 `yaml:"admins"`
	WhitelistMode string  `yaml:"whitelist_mode"`
}

// ImportSeed loads a YAML seed file. A missing file is not an error.
func (s *Store) ImportSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store: read seed %s: %w", path, err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("store: parse seed %s: %w", path, err)
	}

	for _, p := range seed.Providers {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" || strings.TrimSpace(p.APIKey) == "" {
			continue
		}
		s.mu.Lock()
		_, exists := s.data.Providers[name]
		s.mu.Unlock()
		if exists {
			continue
		}
		if err := s.SetProvider(name, p.APIKey, p.BaseURL); err != nil {
			return err
		}
	}

	for kindName, b := range seed.Models {
		kind := Kind(strings.ToLower(strings.TrimSpace(kindName)))
		if !kind.Valid() || strings.TrimSpace(b.Model) == "" {
			continue
		}
		if _, err := s.Model(kind); err == nil {
			continue
		}
		if err := s.SetModel(kind, b.Provider, b.Model); err != nil {
			return err
		}
	}

	s.SeedAdmins(seed.Admins)
	if mode := WhitelistMode(strings.TrimSpace(seed.WhitelistMode)); mode != "" {
		if err := s.SetWhitelistMode(mode); err != nil {
			return err
		}
	}
	return nil
}
