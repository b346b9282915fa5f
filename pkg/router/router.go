// Package router resolves a stage's selection criteria to a concrete
// adapter and model.
package router

import (
	"fmt"
	"sort"

	"github.com/zen-systems/storyloom/pkg/adapter"
	"github.com/zen-systems/storyloom/pkg/config"
)

// Decision captures how a criteria string was resolved.
type Decision struct {
	Criteria string `json:"criteria"`
	TaskType string `json:"task_type"`
	Adapter  string `json:"adapter"`
	Model    string `json:"model"`
	Source   string `json:"source"` // "exact", "trigger", or "default"
}

// RouteInfo describes a routing rule for listings.
type RouteInfo struct {
	TaskType      string
	Triggers      []string
	Adapter       string
	Model         string // May be alias
	ResolvedModel string // Canonical model name
}

// Router resolves selection criteria against configured task types. All
// adapter names a config references must exist at construction time;
// resolution never fails at run time.
type Router struct {
	adapters map[string]adapter.Adapter
	aliases  *config.ModelAliases
	rules    *RuleSet
	config   *config.RoutingConfig
}

// Option configures a Router.
type Option func(*Router)

// WithAliases sets the model aliases for the router.
func WithAliases(aliases *config.ModelAliases) Option {
	return func(r *Router) {
		r.aliases = aliases
	}
}

// New creates a router over the given adapters and routing config.
func New(adapters map[string]adapter.Adapter, cfg *config.RoutingConfig, opts ...Option) (*Router, error) {
	if cfg == nil {
		cfg = config.DefaultRoutingConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Router{
		adapters: adapters,
		rules:    NewRuleSet(cfg),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, tt := range cfg.TaskTypes {
		if _, ok := adapters[tt.Adapter]; !ok {
			return nil, fmt.Errorf("task type %q: adapter %q not configured", name, tt.Adapter)
		}
	}
	if _, ok := adapters[cfg.Default.Adapter]; !ok {
		return nil, fmt.Errorf("default route: adapter %q not configured", cfg.Default.Adapter)
	}
	return r, nil
}

// Resolve maps a criteria string to an adapter and canonical model. An
// empty criteria resolves to the default route.
func (r *Router) Resolve(criteria string) (adapter.Adapter, string, *Decision) {
	decision := &Decision{Criteria: criteria}

	switch {
	case criteria == "":
		decision.TaskType = "default"
		decision.Adapter = r.config.Default.Adapter
		decision.Model = r.config.Default.Model
		decision.Source = "default"
	default:
		if tt, ok := r.config.TaskTypes[criteria]; ok {
			decision.TaskType = criteria
			decision.Adapter = tt.Adapter
			decision.Model = tt.Model
			decision.Source = "exact"
			break
		}
		taskType, adapterName, model, matched := r.rules.Match(criteria)
		decision.TaskType = taskType
		decision.Adapter = adapterName
		decision.Model = model
		if matched {
			decision.Source = "trigger"
		} else {
			decision.Source = "default"
		}
	}

	decision.Model = r.resolveModel(decision.Model)
	return r.adapters[decision.Adapter], decision.Model, decision
}

// Adapter returns an adapter by name.
func (r *Router) Adapter(name string) (adapter.Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// AdapterNames returns the configured adapter names, sorted.
func (r *Router) AdapterNames() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Routes returns all configured routing rules, sorted by task type.
func (r *Router) Routes() []RouteInfo {
	routes := make([]RouteInfo, 0, len(r.config.TaskTypes))
	for name, taskType := range r.config.TaskTypes {
		routes = append(routes, RouteInfo{
			TaskType:      name,
			Triggers:      taskType.Triggers,
			Adapter:       taskType.Adapter,
			Model:         taskType.Model,
			ResolvedModel: r.resolveModel(taskType.Model),
		})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].TaskType < routes[j].TaskType })
	return routes
}

// Aliases returns the model aliases, if configured.
func (r *Router) Aliases() *config.ModelAliases {
	return r.aliases
}

// resolveModel resolves a model alias to its canonical name.
func (r *Router) resolveModel(model string) string {
	if r.aliases != nil {
		return r.aliases.Resolve(model)
	}
	return model
}
