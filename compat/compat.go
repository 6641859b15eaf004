// Package compat maps a (provider, model) pair to one of the three
// vendor families every endpoint is normalized into. Resolution order:
// confirmed catalog entry, per-provider override, name heuristics,
// OpenAI fallback.
package compat

import (
	"regexp"
	"strings"
	"sync"
)

// Family identifies a vendor request/response shape.
type Family string

const (
	FamilyOpenAI Family = "openai"
	FamilyGemini Family = "gemini"
	FamilyClaude Family = "claude"
)

func (f Family) Valid() bool {
	switch f {
	case FamilyOpenAI, FamilyGemini, FamilyClaude:
		return true
	}
	return false
}

var (
	claudePattern = regexp.MustCompile(`\bclaude\b|anthropic`)
	geminiPattern = regexp.MustCompile(`\bgemini\b|(^gemini-)|image-generation`)
	openaiPattern = regexp.MustCompile(`(^gpt-|gpt-4o|gpt-image|dall-e|^tts-1\b)`)
)

type Resolver struct {
	mu sync.RWMutex
	// catalog holds confirmed model -> family mappings, keyed by
	// lowercased model name. Populated via Remember, kept for the
	// process lifetime.
	catalog map[string]Family
	// overrides are admin-configured per-provider mappings.
	overrides map[string]map[string]Family
}

func NewResolver() *Resolver {
	return &Resolver{
		catalog:   make(map[string]Family),
		overrides: make(map[string]map[string]Family),
	}
}

// Resolve determines the vendor family for model on provider. It is
// pure apart from reads of the catalog and override tables.
func (r *Resolver) Resolve(provider, model string) Family {
	m := strings.ToLower(strings.TrimSpace(model))

	r.mu.RLock()
	if fam, ok := r.catalog[m]; ok {
		r.mu.RUnlock()
		return fam
	}
	if byModel, ok := r.overrides[strings.ToLower(strings.TrimSpace(provider))]; ok {
		if fam, ok := byModel[m]; ok {
			r.mu.RUnlock()
			return fam
		}
	}
	r.mu.RUnlock()

	switch {
	case claudePattern.MatchString(m):
		return FamilyClaude
	case geminiPattern.MatchString(m):
		return FamilyGemini
	case openaiPattern.MatchString(m):
		return FamilyOpenAI
	}
	return FamilyOpenAI
}

// Remember records a confirmed model -> family mapping in the catalog.
func (r *Resolver) Remember(model string, fam Family) {
	if !fam.Valid() {
		return
	}
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return
	}
	r.mu.Lock()
	r.catalog[m] = fam
	r.mu.Unlock()
}

// SetOverride pins (provider, model) to a family regardless of what the
// heuristics would say. The catalog still wins over overrides.
func (r *Resolver) SetOverride(provider, model string, fam Family) {
	if !fam.Valid() {
		return
	}
	p := strings.ToLower(strings.TrimSpace(provider))
	m := strings.ToLower(strings.TrimSpace(model))
	if p == "" || m == "" {
		return
	}
	r.mu.Lock()
	if r.overrides[p] == nil {
		r.overrides[p] = make(map[string]Family)
	}
	r.overrides[p][m] = fam
	r.mu.Unlock()
}

// Catalog returns a copy of the confirmed mappings, for persistence.
func (r *Resolver) Catalog() map[string]Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Family, len(r.catalog))
	for k, v := range r.catalog {
		out[k] = v
	}
	return out
}

// Overrides returns a copy of the override tables, for persistence.
func (r *Resolver) Overrides() map[string]map[string]Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]map[string]Family, len(r.overrides))
	for p, byModel := range r.overrides {
		cp := make(map[string]Family, len(byModel))
		for m, fam := range byModel {
			cp[m] = fam
		}
		out[p] = cp
	}
	return out
}

// Restore loads previously persisted catalog and override snapshots.
func (r *Resolver) Restore(catalog map[string]Family, overrides map[string]map[string]Family) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for m, fam := range catalog {
		if fam.Valid() {
			r.catalog[strings.ToLower(m)] = fam
		}
	}
	for p, byModel := range overrides {
		lp := strings.ToLower(p)
		for m, fam := range byModel {
			if !fam.Valid() {
				continue
			}
			if r.overrides[lp] == nil {
				r.overrides[lp] = make(map[string]Family)
			}
			r.overrides[lp][strings.ToLower(m)] = fam
		}
	}
}
