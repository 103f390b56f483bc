package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vnmchuo/genroute/internal/provider"
)

// Strategy orders candidate providers.
type Strategy string

const (
	StrategyCheapest  Strategy = "cheapest"
	StrategyFastest   Strategy = "fastest"
	StrategySpecified Strategy = "specified"
)

var ValidStrategies = []Strategy{StrategyCheapest, StrategyFastest, StrategySpecified}

func ParseStrategy(s string) (Strategy, error) {
	for _, v := range ValidStrategies {
		if Strategy(s) == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid routing strategy %q (valid: %v)", s, ValidStrategies)
}

// Descriptor is the static metadata the router ranks providers by.
type Descriptor struct {
	Name             string        `yaml:"name" json:"name"`
	Kind             provider.Kind `yaml:"kind" json:"kind"`
	Model            string        `yaml:"model" json:"model"`
	BaseURL          string        `yaml:"base_url,omitempty" json:"-"`
	CostPerMTokenIn  float64       `yaml:"cost_per_mtoken_in" json:"cost_per_mtoken_in"`
	CostPerMTokenOut float64       `yaml:"cost_per_mtoken_out" json:"cost_per_mtoken_out"`
	TypicalLatencyMs int64         `yaml:"typical_latency_ms" json:"typical_latency_ms"`
	Capabilities     []string      `yaml:"capabilities" json:"capabilities"`
	Configured       bool          `yaml:"-" json:"configured"`
}

func (d Descriptor) Pricing() provider.Pricing {
	return provider.Pricing{InputPerMTok: d.CostPerMTokenIn, OutputPerMTok: d.CostPerMTokenOut}
}

func (d Descriptor) HasCapability(c string) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Registry holds an immutable snapshot of descriptors. Reload swaps the whole
// snapshot; request traffic never mutates it.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Descriptor
	order  []string
}

func New(descs []Descriptor) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(descs); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) Reload(descs []Descriptor) error {
	byName := make(map[string]Descriptor, len(descs))
	order := make([]string, 0, len(descs))
	for _, d := range descs {
		if d.Name == "" {
			return fmt.Errorf("provider descriptor missing name")
		}
		if !d.Kind.Valid() {
			return fmt.Errorf("provider %s: unknown kind %q", d.Name, d.Kind)
		}
		if d.CostPerMTokenIn < 0 || d.CostPerMTokenOut < 0 || d.TypicalLatencyMs < 0 {
			return fmt.Errorf("provider %s: costs and latency must be non-negative", d.Name)
		}
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("duplicate provider descriptor %s", d.Name)
		}
		d.Capabilities = append([]string(nil), d.Capabilities...)
		byName[d.Name] = d
		order = append(order, d.Name)
	}

	r.mu.Lock()
	r.byName = byName
	r.order = order
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) All() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.byName[n])
	}
	return out
}

func (r *Registry) Configured() []Descriptor {
	var out []Descriptor
	for _, d := range r.All() {
		if d.Configured {
			out = append(out, d)
		}
	}
	return out
}

// Rank returns configured providers ordered by strategy, skipping exclude.
// StrategySpecified ranks like StrategyCheapest. Ties break on name.
func (r *Registry) Rank(strategy Strategy, exclude ...string) []Descriptor {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}

	var out []Descriptor
	for _, d := range r.Configured() {
		if !skip[d.Name] {
			out = append(out, d)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch strategy {
		case StrategyFastest:
			if a.TypicalLatencyMs != b.TypicalLatencyMs {
				return a.TypicalLatencyMs < b.TypicalLatencyMs
			}
		default:
			ca := a.CostPerMTokenIn + a.CostPerMTokenOut
			cb := b.CostPerMTokenIn + b.CostPerMTokenOut
			if ca != cb {
				return ca < cb
			}
		}
		return a.Name < b.Name
	})
	return out
}
