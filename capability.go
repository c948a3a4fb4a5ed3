package kernel

import "sort"

// CapabilityConflictPolicy decides whether a set of manifests may coexist
// given the capabilities they declare. The policy is pluggable; the
// registry runs it on every registration and hot reload.
type CapabilityConflictPolicy interface {
	// Check returns a *CapabilityConflictError when the manifests violate
	// the policy, nil otherwise.
	Check(manifests []*ModuleManifest) error
}

// ExclusiveCapabilityPolicy treats a configured set of capability tags as
// single-holder: at most one registered module may declare each. Tags
// outside the set are unrestricted.
type ExclusiveCapabilityPolicy struct {
	exclusive map[string]bool
}

// NewExclusiveCapabilityPolicy builds a policy over the given exclusive
// tags.
func NewExclusiveCapabilityPolicy(tags ...string) *ExclusiveCapabilityPolicy {
	p := &ExclusiveCapabilityPolicy{exclusive: make(map[string]bool, len(tags))}
	for _, tag := range tags {
		p.exclusive[tag] = true
	}
	return p
}

// Check implements CapabilityConflictPolicy.
func (p *ExclusiveCapabilityPolicy) Check(manifests []*ModuleManifest) error {
	holders := make(map[string][]string)
	for _, m := range manifests {
		for _, cap := range m.Capabilities {
			if p.exclusive[cap] {
				holders[cap] = append(holders[cap], m.Name)
			}
		}
	}
	for cap, names := range holders {
		if len(names) > 1 {
			sort.Strings(names)
			return &CapabilityConflictError{Capability: cap, Holders: names}
		}
	}
	return nil
}

// NoConflictPolicy accepts every capability combination. Used when the
// host does not configure exclusivity.
type NoConflictPolicy struct{}

// Check implements CapabilityConflictPolicy.
func (NoConflictPolicy) Check([]*ModuleManifest) error { return nil }

// ValidateCapabilities runs policy over manifests, defaulting to
// NoConflictPolicy when policy is nil.
func ValidateCapabilities(manifests []*ModuleManifest, policy CapabilityConflictPolicy) error {
	if policy == nil {
		policy = NoConflictPolicy{}
	}
	return policy.Check(manifests)
}
