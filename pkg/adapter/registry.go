package adapter

import (
	"fmt"
	"sort"
)

// AliasResolver maps a user-facing model name to a canonical one.
type AliasResolver interface {
	Resolve(modelOrAlias string) string
}

// Registry maps canonical model identifiers to the adapter serving them.
type Registry struct {
	aliases  AliasResolver
	adapters map[Provider]Adapter
	models   map[string]Adapter
}

// NewRegistry indexes the models of every adapter. A model claimed by two
// adapters is a wiring bug and reported as an error.
func NewRegistry(aliases AliasResolver, adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		aliases:  aliases,
		adapters: make(map[Provider]Adapter, len(adapters)),
		models:   make(map[string]Adapter),
	}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		r.adapters[a.Provider()] = a
		for _, model := range a.Models() {
			if existing, ok := r.models[model]; ok {
				return nil, fmt.Errorf("model %q served by both %s and %s", model, existing.Provider(), a.Provider())
			}
			r.models[model] = a
		}
	}
	return r, nil
}

// Resolve returns the adapter and canonical model for a requested model.
// Unknown models yield a *ConfigurationError.
func (r *Registry) Resolve(model string) (Adapter, string, error) {
	canonical := model
	if r.aliases != nil {
		canonical = r.aliases.Resolve(model)
	}
	a, ok := r.models[canonical]
	if !ok {
		return nil, "", &ConfigurationError{Model: model}
	}
	return a, canonical, nil
}

// Adapter returns the adapter registered for a provider tag.
func (r *Registry) Adapter(provider Provider) (Adapter, bool) {
	a, ok := r.adapters[provider]
	return a, ok
}

// List returns every registered model sorted by provider order, then id.
func (r *Registry) List() []ModelInfo {
	order := make(map[Provider]int)
	for i, p := range Providers() {
		order[p] = i
	}
	infos := make([]ModelInfo, 0, len(r.models))
	for model, a := range r.models {
		infos = append(infos, ModelInfo{ID: model, Provider: a.Provider()})
	}
	sort.Slice(infos, func(i, j int) bool {
		oi, oj := order[infos[i].Provider], order[infos[j].Provider]
		if oi != oj {
			return oi < oj
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}
