package flow

import (
	"fmt"
	"sync"

	"migrateiq/backend/pkg/models"
)

// FlowTypeConfig holds the static phase sequence for one flow type: the
// ordered phase definitions and the set of early phases that block creation
// of a second flow of the same type for a tenant.
type FlowTypeConfig struct {
	Type           models.FlowType
	Phases         []models.PhaseDefinition
	BlockingPhases map[string]bool

	phaseIndex map[string]int
}

// NewFlowTypeConfig validates the phase sequence (unique names, contiguous
// order indices starting at 0) and builds the lookup index.
func NewFlowTypeConfig(t models.FlowType, phases []models.PhaseDefinition, blocking []string) (*FlowTypeConfig, error) {
	if len(phases) == 0 {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("flow type %q has no phases", t)}
	}

	index := make(map[string]int, len(phases))
	seen := make(map[int]bool, len(phases))
	for _, p := range phases {
		if p.Name == "" {
			return nil, &ConfigurationError{Detail: fmt.Sprintf("flow type %q has an unnamed phase", t)}
		}
		if _, dup := index[p.Name]; dup {
			return nil, &ConfigurationError{Detail: fmt.Sprintf("flow type %q duplicates phase %q", t, p.Name)}
		}
		if p.Order < 0 || p.Order >= len(phases) || seen[p.Order] {
			return nil, &ConfigurationError{Detail: fmt.Sprintf("flow type %q order indices are not contiguous from 0", t)}
		}
		seen[p.Order] = true
		index[p.Name] = p.Order
	}

	blockingSet := make(map[string]bool, len(blocking))
	for _, name := range blocking {
		if _, ok := index[name]; !ok {
			return nil, &ConfigurationError{Detail: fmt.Sprintf("flow type %q blocking phase %q is not in the sequence", t, name)}
		}
		blockingSet[name] = true
	}

	// Keep phases addressable by order index.
	ordered := make([]models.PhaseDefinition, len(phases))
	for _, p := range phases {
		ordered[p.Order] = p
	}

	return &FlowTypeConfig{
		Type:           t,
		Phases:         ordered,
		BlockingPhases: blockingSet,
		phaseIndex:     index,
	}, nil
}

// IndexOf returns the order index of the named phase.
func (c *FlowTypeConfig) IndexOf(name string) (int, bool) {
	i, ok := c.phaseIndex[name]
	return i, ok
}

// PhaseAt returns the definition at the given order index.
func (c *FlowTypeConfig) PhaseAt(i int) (models.PhaseDefinition, error) {
	if i < 0 || i >= len(c.Phases) {
		return models.PhaseDefinition{}, &ConfigurationError{Detail: fmt.Sprintf("flow type %q has no phase at index %d", c.Type, i)}
	}
	return c.Phases[i], nil
}

// Phase returns the definition of the named phase.
func (c *FlowTypeConfig) Phase(name string) (models.PhaseDefinition, error) {
	i, ok := c.phaseIndex[name]
	if !ok {
		return models.PhaseDefinition{}, &ConfigurationError{Detail: fmt.Sprintf("flow type %q has no phase %q", c.Type, name)}
	}
	return c.Phases[i], nil
}

// FirstPhase returns the phase at order index 0.
func (c *FlowTypeConfig) FirstPhase() models.PhaseDefinition {
	return c.Phases[0]
}

// FinalPhase returns the last phase of the sequence.
func (c *FlowTypeConfig) FinalPhase() models.PhaseDefinition {
	return c.Phases[len(c.Phases)-1]
}

// IsBlockingPhase reports whether a flow sitting in the named phase blocks
// creation of another flow of this type for the same tenant.
func (c *FlowTypeConfig) IsBlockingPhase(name string) bool {
	return c.BlockingPhases[name]
}

// Registry maps flow types to their phase sequence configuration. It is
// constructed once at process start and passed by injection to every
// handler; there is no module-level instance. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	configs map[models.FlowType]*FlowTypeConfig
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[models.FlowType]*FlowTypeConfig)}
}

// Register adds a flow type configuration. Re-registering a type replaces
// its configuration; sequences must only ever append phases so recorded
// flows stay resolvable.
func (r *Registry) Register(cfg *FlowTypeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[cfg.Type] = cfg
}

// Lookup returns the configuration for a flow type. Unknown types are a
// ConfigurationError, never a validation failure.
func (r *Registry) Lookup(t models.FlowType) (*FlowTypeConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[t]
	if !ok {
		return nil, &ConfigurationError{Detail: fmt.Sprintf("unknown flow type %q", t)}
	}
	return cfg, nil
}

// Types returns the registered flow types.
func (r *Registry) Types() []models.FlowType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]models.FlowType, 0, len(r.configs))
	for t := range r.configs {
		types = append(types, t)
	}
	return types
}

// DefaultRegistry builds the registry for the four engagement flow types.
// The retry policy is tenant-tunable configuration and applies to every
// phase unless a phase overrides it later.
func DefaultRegistry(retry models.RetryPolicy) (*Registry, error) {
	r := NewRegistry()

	type seq struct {
		flowType models.FlowType
		phases   []string
		// blocking marks the prefix of the sequence during which the
		// primary artifact is not yet materialized.
		blocking []string
	}

	sequences := []seq{
		{
			flowType: models.FlowTypeDiscovery,
			phases:   []string{"data_import", "field_mapping", "data_cleansing", "asset_inventory", "dependency_analysis", "finalization"},
			blocking: []string{"data_import", "field_mapping", "data_cleansing", "asset_inventory"},
		},
		{
			flowType: models.FlowTypeCollection,
			phases:   []string{"agent_deployment", "metric_collection", "baseline_capture", "validation"},
			blocking: []string{"agent_deployment", "metric_collection"},
		},
		{
			flowType: models.FlowTypeAssessment,
			phases:   []string{"readiness_scoring", "gap_analysis", "recommendation", "review"},
			blocking: []string{"readiness_scoring", "gap_analysis"},
		},
		{
			flowType: models.FlowTypePlanning,
			phases:   []string{"wave_grouping", "schedule_draft", "approval", "publication"},
			blocking: []string{"wave_grouping"},
		},
	}

	for _, s := range sequences {
		defs := make([]models.PhaseDefinition, len(s.phases))
		for i, name := range s.phases {
			defs[i] = models.PhaseDefinition{
				Name:  name,
				Order: i,
				Retry: retry,
				// The final phase commits the flow's artifact and cannot
				// be parked halfway.
				CanPause: i != len(s.phases)-1,
			}
		}
		cfg, err := NewFlowTypeConfig(s.flowType, defs, s.blocking)
		if err != nil {
			return nil, err
		}
		r.Register(cfg)
	}

	return r, nil
}
