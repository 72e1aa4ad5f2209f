package store

import "sort"

// MutualDataProcessor derives the relationship payload written for one
// mutual during reconciliation. desiredIDs is the full desired-id list from
// the triggering event; mutual carries both entity snapshots;
// customContext is the accumulated context forwarded by prejoin chains.
type MutualDataProcessor func(desiredIDs []string, mutual *Mutual, customContext map[string]any) map[string]any

// ToMutualIDs extracts the desired-id list from a mutual field's raw
// payload value.
type ToMutualIDs func(value any) []string

// MutualField declares one relationship field on an entity type.
type MutualField struct {
	// EntityType is the related type the field links to.
	EntityType string

	// MutualDataProcessor computes mutualData for each linked pair.
	// Nil means an empty payload.
	MutualDataProcessor MutualDataProcessor

	// ToMutualIDs converts the field's payload value into ids. Nil means
	// the value already is a []string.
	ToMutualIDs ToMutualIDs
}

// PrejoinHopProcessor transforms the mutuals resolved at one hop and may
// fold values into the context object carried across hops. Returning nil
// items keeps the resolved mutuals unchanged.
type PrejoinHopProcessor func(items []*Mutual, context map[string]any) ([]*Mutual, map[string]any)

// PrejoinHop is one step in a prejoin chain.
type PrejoinHop struct {
	EntityType string
	// SkipCache forces the hop to re-resolve even when a previous chain
	// already resolved this entity type.
	SkipCache bool
	Processor PrejoinHopProcessor
}

// Prejoin declares a materialized transitive relationship: walking
// EntityPaths from the triggering entity yields the desired ids for
// MutualField on TargetEntityType.
type Prejoin struct {
	MutualField      string
	TargetEntityType string
	EntityPaths      []PrejoinHop
}

// Subscription declares interest in relationship changes of another type.
type Subscription struct {
	EntityType string
}

// TagValue is one (group, sortValue) slot an entity occupies under a tag.
type TagValue struct {
	Group     string
	SortValue string
}

// TagProcessor recomputes the tag slots for an entity from its current
// state.
type TagProcessor func(entity *Entity) ([]TagValue, error)

// TagConfig declares one recomputable tag on an entity type.
type TagConfig struct {
	Name      string
	Processor TagProcessor
}

// EntityTypeConfig is the per-type configuration the core consumes. It is
// authored by the external configuration registry and loaded at startup.
type EntityTypeConfig struct {
	UniqueFields     []string
	SearchableFields []string

	// EmailAuth enables the email pointer copy on create.
	EmailAuth bool

	MutualFields map[string]MutualField
	Prejoins     []Prejoin
	Subscribes   []Subscription
	Tags         []TagConfig
}

// Registry holds the entity-type configuration map. It is built once at
// process start and read-only afterwards.
type Registry struct {
	configs map[string]EntityTypeConfig
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]EntityTypeConfig)}
}

// Register adds or replaces the configuration for an entity type.
func (r *Registry) Register(entityType string, cfg EntityTypeConfig) {
	r.configs[entityType] = cfg
}

// Config returns the configuration for an entity type and whether the type
// is known.
func (r *Registry) Config(entityType string) (EntityTypeConfig, bool) {
	cfg, ok := r.configs[entityType]
	return cfg, ok
}

// EntityTypes returns all registered types in stable order.
func (r *Registry) EntityTypes() []string {
	out := make([]string, 0, len(r.configs))
	for t := range r.configs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// MutualField looks up one mutual field definition.
func (r *Registry) MutualField(entityType, field string) (MutualField, bool) {
	cfg, ok := r.configs[entityType]
	if !ok {
		return MutualField{}, false
	}
	mf, ok := cfg.MutualFields[field]
	return mf, ok
}

// Subscribers returns the types that declared a subscription to
// changes of byEntityType, in stable order.
func (r *Registry) Subscribers(byEntityType string) []string {
	var out []string
	for _, t := range r.EntityTypes() {
		for _, sub := range r.configs[t].Subscribes {
			if sub.EntityType == byEntityType {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// SubscribesTo reports whether entityType subscribes to changes of
// relatedType.
func (r *Registry) SubscribesTo(entityType, relatedType string) bool {
	cfg, ok := r.configs[entityType]
	if !ok {
		return false
	}
	for _, sub := range cfg.Subscribes {
		if sub.EntityType == relatedType {
			return true
		}
	}
	return false
}
