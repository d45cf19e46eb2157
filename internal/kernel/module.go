package kernel

import "fmt"

// Module is the capability abstraction behind loadable units of
// functionality: whatever loads it (Go code building a Module value
// directly, such as stdblocks.RampModule, or the wasmer-backed loader in
// pkg/wasmmodule) just needs to populate this struct.
type Module struct {
	ID           string
	Version      VersionTriple
	License      string
	Dependencies []DependencySpec

	// Init registers this module's types and prototype blocks with
	// node. A module whose Init fails must leave the node unchanged —
	// Node.ModuleLoad calls the module's Cleanup to roll back anything
	// it registered before the failure.
	Init func(node *Node) error
	// Cleanup deregisters exactly what Init registered.
	Cleanup func(node *Node)
}

// VersionTriple is a module's semantic version.
type VersionTriple struct {
	Major, Minor, Patch uint8
}

func (v VersionTriple) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// DependencySpec names a module dependency with a version range: a
// plain struct since modules register themselves directly, rather than
// being parsed out of a serialized table.
type DependencySpec struct {
	ModuleID string
	MinVer   VersionTriple
	MaxVer   VersionTriple
	Optional bool
}

func versionInRange(v, min, max VersionTriple) bool {
	return !versionLess(v, min) && !versionLess(max, v)
}

func versionLess(a, b VersionTriple) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	if a.Minor != b.Minor {
		return a.Minor < b.Minor
	}
	return a.Patch < b.Patch
}

// dependencyOrder topologically sorts modules so each is loaded after
// its dependencies, using Kahn's algorithm.
func dependencyOrder(mods map[string]*Module) ([]string, error) {
	inDegree := make(map[string]int, len(mods))
	graph := make(map[string][]string, len(mods))
	for id := range mods {
		inDegree[id] = 0
		graph[id] = nil
	}

	for id, m := range mods {
		for _, dep := range m.Dependencies {
			depMod, exists := mods[dep.ModuleID]
			if !exists {
				if dep.Optional {
					continue
				}
				return nil, newErr("module_load", KindModuleInitFailed,
					fmt.Errorf("module %q requires %q which is not loaded", id, dep.ModuleID))
			}
			if !versionInRange(depMod.Version, dep.MinVer, dep.MaxVer) {
				return nil, newErr("module_load", KindModuleInitFailed,
					fmt.Errorf("module %q requires %q@%s..%s but found %s", id, dep.ModuleID, dep.MinVer, dep.MaxVer, depMod.Version))
			}
			graph[dep.ModuleID] = append(graph[dep.ModuleID], id)
			inDegree[id]++
		}
	}

	var queue, order []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range graph[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(mods) {
		return nil, newErr("module_load", KindModuleInitFailed, fmt.Errorf("circular module dependency"))
	}
	return order, nil
}
