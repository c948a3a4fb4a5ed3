package kernel

import (
	"sort"

	"github.com/Masterminds/semver/v3"
)

// DependencyGraph is a directed graph over module names, derived on demand
// from a manifest set. Edge A -> B means A depends on B. It is never
// stored; callers rebuild it whenever the manifest set changes.
type DependencyGraph struct {
	// dependencies maps each module to the modules it depends on.
	dependencies map[string][]string
	// dependents is the reverse adjacency: modules that depend on the key.
	dependents map[string][]string
}

// NewDependencyGraph builds the graph for the given manifests. Edges to
// unregistered modules are included; Resolve rejects them separately.
func NewDependencyGraph(manifests []*ModuleManifest) *DependencyGraph {
	g := &DependencyGraph{
		dependencies: make(map[string][]string, len(manifests)),
		dependents:   make(map[string][]string),
	}
	for _, m := range manifests {
		deps := m.DependencyNames()
		g.dependencies[m.Name] = deps
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], m.Name)
		}
	}
	return g
}

// DependenciesOf returns the modules name directly depends on.
func (g *DependencyGraph) DependenciesOf(name string) []string {
	return g.dependencies[name]
}

// DependentsOf returns the modules that directly depend on name.
func (g *DependencyGraph) DependentsOf(name string) []string {
	return g.dependents[name]
}

// TransitiveDependentsOf returns every module that depends on name
// directly or through intermediaries, in breadth-first order.
func (g *DependencyGraph) TransitiveDependentsOf(name string) []string {
	seen := map[string]bool{name: true}
	queue := append([]string(nil), g.dependents[name]...)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, g.dependents[next]...)
	}
	return out
}

// Resolve computes a valid load order for the manifest set, or reports why
// none exists. It is pure and side-effect-free: the registry calls it from
// scratch after every registration and hot reload.
//
// When several manifests share a name (candidate versions of one module),
// the highest version satisfying every requirer's constraint is selected;
// if none qualifies the resolution fails with a *VersionConflictError
// naming every conflicting requirer. Missing dependencies fail with a
// *MissingDependencyError, cycles with a *CyclicDependencyError carrying
// the full cycle path. Ties among ready modules break by ascending name so
// the order is deterministic.
func Resolve(manifests []*ModuleManifest) ([]string, error) {
	selected, err := selectVersions(manifests)
	if err != nil {
		return nil, err
	}

	// Missing dependency check before sorting so the error names the
	// requirer.
	for _, m := range selected {
		for _, dep := range m.Dependencies {
			if _, ok := selected[dep.Name]; !ok {
				return nil, &MissingDependencyError{Name: dep.Name, RequiredBy: m.Name}
			}
		}
	}

	return kahnSort(selected)
}

// selectVersions picks, per module name, the manifest whose version
// satisfies every constraint declared against that name.
func selectVersions(manifests []*ModuleManifest) (map[string]*ModuleManifest, error) {
	candidates := make(map[string][]*ModuleManifest)
	for _, m := range manifests {
		candidates[m.Name] = append(candidates[m.Name], m)
	}

	// Collect constraints per target name across all requirers.
	type requirement struct {
		requirer   string
		expr       string
		constraint *semver.Constraints
	}
	requirements := make(map[string][]requirement)
	for _, m := range manifests {
		for _, dep := range m.Dependencies {
			if dep.Constraint == "" {
				continue
			}
			c, err := semver.NewConstraint(dep.Constraint)
			if err != nil {
				return nil, &ManifestInvalidError{Name: m.Name, Reason: "invalid constraint " + dep.Constraint + " on " + dep.Name}
			}
			requirements[dep.Name] = append(requirements[dep.Name], requirement{m.Name, dep.Constraint, c})
		}
	}

	selected := make(map[string]*ModuleManifest, len(candidates))
	for name, versions := range candidates {
		// Highest version first.
		sort.Slice(versions, func(i, j int) bool {
			vi, erri := versions[i].SemVer()
			vj, errj := versions[j].SemVer()
			if erri != nil || errj != nil {
				return versions[i].Version > versions[j].Version
			}
			return vi.GreaterThan(vj)
		})

		var pick *ModuleManifest
		for _, candidate := range versions {
			v, err := candidate.SemVer()
			if err != nil {
				return nil, err
			}
			ok := true
			for _, req := range requirements[name] {
				if !req.constraint.Check(v) {
					ok = false
					break
				}
			}
			if ok {
				pick = candidate
				break
			}
		}
		if pick == nil {
			conflict := &VersionConflictError{
				Name:        name,
				Constraints: make(map[string]string, len(requirements[name])),
			}
			for _, candidate := range versions {
				conflict.Available = append(conflict.Available, candidate.Version)
			}
			for _, req := range requirements[name] {
				conflict.Constraints[req.requirer] = req.expr
			}
			return nil, conflict
		}
		selected[name] = pick
	}
	return selected, nil
}

// kahnSort runs Kahn's algorithm over the selected manifests. Among
// modules whose dependencies are all satisfied, the lexicographically
// smallest name is emitted first.
func kahnSort(selected map[string]*ModuleManifest) ([]string, error) {
	indegree := make(map[string]int, len(selected))
	dependents := make(map[string][]string)
	for name, m := range selected {
		indegree[name] += 0
		for _, dep := range m.Dependencies {
			indegree[name]++
			dependents[dep.Name] = append(dependents[dep.Name], name)
		}
	}

	var ready []string
	for name, deg := range indegree {
		if deg == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(selected))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		var unlocked []string
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(selected) {
		return nil, &CyclicDependencyError{Cycle: findCycle(selected, order)}
	}
	return order, nil
}

// findCycle locates one full cycle among the modules Kahn's algorithm
// could not order, returned as a closed path ([A B A]). The failure is
// actionable only with the path, so "a cycle exists" is never reported
// bare.
func findCycle(selected map[string]*ModuleManifest, ordered []string) []string {
	resolved := make(map[string]bool, len(ordered))
	for _, name := range ordered {
		resolved[name] = true
	}

	// Deterministic starting point: smallest unresolved name.
	var remaining []string
	for name := range selected {
		if !resolved[name] {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)

	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(remaining))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		state[name] = inStack
		stack = append(stack, name)
		deps := append([]string(nil), selected[name].DependencyNames()...)
		sort.Strings(deps)
		for _, dep := range deps {
			if resolved[dep] || selected[dep] == nil {
				continue
			}
			switch state[dep] {
			case inStack:
				// Close the loop from its first occurrence on the stack.
				for i, on := range stack {
					if on == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range remaining {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}
