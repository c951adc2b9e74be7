// Package router implements provider and key selection: given a client
// model alias, it picks a provider then a key within that provider by
// least-usage. The selection honors the colon form
// "providerName:modelName", which forces a specific provider and passes
// modelName upstream unchanged.
//
// Selection runs as a single atomic critical section per candidate set —
// a separate read-then-write pair of locks would leave a race window
// where two concurrent selections both observe the same minimum and both
// increment it.
package router

import (
	"fmt"
	"strings"

	"github.com/TnZzZHlp/ai-forward/internal/config"
	"github.com/TnZzZHlp/ai-forward/internal/usage"
)

// Selection is the outcome of routing one model alias.
type Selection struct {
	Provider   config.Provider
	Key        string
	RealModel  string
	Think      bool
}

// Router selects providers and keys by least usage.
type Router struct {
	counters *usage.Counters
}

// New creates a Router backed by the given usage counters.
func New(counters *usage.Counters) *Router {
	return &Router{counters: counters}
}

// Select resolves model (plain alias or "provider:model" colon form)
// against the given provider catalog and returns the chosen provider, key,
// and resolved upstream model name.
func (r *Router) Select(providers []config.Provider, model string) (Selection, error) {
	colonForm := false
	var forcedRealModel string
	alias := model
	if providerName, realModel, ok := strings.Cut(model, ":"); ok {
		colonForm = true
		forcedRealModel = realModel
		alias = providerName // repurposed below as the exact provider name to match
	}

	var candidates []config.Provider
	if colonForm {
		for _, p := range providers {
			if p.Name == alias {
				candidates = append(candidates, p)
				break
			}
		}
	} else {
		for _, p := range providers {
			for _, m := range p.Models {
				if m.Alias == model {
					candidates = append(candidates, p)
					break
				}
			}
		}
	}
	if len(candidates) == 0 {
		return Selection{}, fmt.Errorf("no provider handles this model")
	}

	names := make([]string, len(candidates))
	for i, p := range candidates {
		names[i] = p.Name
	}
	chosenName := r.counters.SelectMinProvider(names)

	var chosen config.Provider
	for _, p := range candidates {
		if p.Name == chosenName {
			chosen = p
			break
		}
	}

	key, err := r.selectKey(chosen)
	if err != nil {
		return Selection{}, err
	}

	if colonForm {
		return Selection{Provider: chosen, Key: key, RealModel: forcedRealModel}, nil
	}

	var realModel string
	var think bool
	for _, m := range chosen.Models {
		if m.Alias == model {
			realModel = m.Model
			think = m.Think
			break
		}
	}

	return Selection{Provider: chosen, Key: key, RealModel: realModel, Think: think}, nil
}

func (r *Router) selectKey(p config.Provider) (string, error) {
	if len(p.Keys) == 0 {
		return "", fmt.Errorf("provider %q has no available keys", p.Name)
	}
	return r.counters.SelectMinKey(p.Keys), nil
}
