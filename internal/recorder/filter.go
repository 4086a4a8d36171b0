package recorder

import "strings"

// Filter decides which entities get recorded.
//
// Precedence, most specific first: excluded entity, included entity,
// excluded domain, included domain. When any include rule exists the
// filter is allow-listed: entities matching no rule are rejected.
// An empty filter records everything.
type Filter struct {
	includeDomains  map[string]struct{}
	includeEntities map[string]struct{}
	excludeDomains  map[string]struct{}
	excludeEntities map[string]struct{}
}

// NewFilter builds a filter from include/exclude rule lists.
//
// Parameters:
//   - includeDomains: Domains to allow
//   - includeEntities: Entity ids to allow
//   - excludeDomains: Domains to reject
//   - excludeEntities: Entity ids to reject
//
// Returns:
//   - *Filter: Compiled filter
func NewFilter(includeDomains, includeEntities, excludeDomains, excludeEntities []string) *Filter {
	return &Filter{
		includeDomains:  toSet(includeDomains),
		includeEntities: toSet(includeEntities),
		excludeDomains:  toSet(excludeDomains),
		excludeEntities: toSet(excludeEntities),
	}
}

// Allows reports whether events for the entity should be recorded.
func (f *Filter) Allows(entityID string) bool {
	if _, excluded := f.excludeEntities[entityID]; excluded {
		return false
	}
	if _, included := f.includeEntities[entityID]; included {
		return true
	}

	domain, _, _ := strings.Cut(entityID, ".")
	if _, excluded := f.excludeDomains[domain]; excluded {
		return false
	}
	if len(f.includeDomains) > 0 || len(f.includeEntities) > 0 {
		_, included := f.includeDomains[domain]
		return included
	}
	return true
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
