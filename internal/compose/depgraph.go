package compose

import (
	"fmt"
	"sort"
	"strings"
)

// containerNode is the minimal shape the dependency graph needs from a
// container.Summary: a name, its labels, and its network mode.
type containerNode struct {
	Name        string
	Labels      map[string]string
	NetworkMode string
}

// depGraph is a directed graph of "depends on" edges between the
// containers of one externally-created stack, built from
// com.docker.compose.depends_on labels and container: network mode.
type depGraph struct {
	adj map[string][]string
	all map[string]bool
}

// parseDependsOn extracts the dependency list from a container's compose
// labels. Only the compose-assigned label is honored here; the stack's
// containers are user-authored and carry no harborctl-specific ordering
// label of their own.
func parseDependsOn(labels map[string]string) []string {
	v, ok := labels["com.docker.compose.depends_on"]
	if !ok || v == "" {
		return nil
	}
	var deps []string
	for _, entry := range strings.Split(v, ",") {
		// entry is "service:condition:restart" or just "service"
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if name := strings.TrimSpace(parts[0]); name != "" {
			deps = append(deps, name)
		}
	}
	return deps
}

// parseNetworkDependency extracts the container name a "container:NAME"
// network mode is attached to, or "" if NetworkMode names no container.
func parseNetworkDependency(networkMode string) string {
	if strings.HasPrefix(networkMode, "container:") {
		return strings.TrimPrefix(networkMode, "container:")
	}
	return ""
}

// buildDepGraph builds the dependency graph for one stack's containers.
func buildDepGraph(nodes []containerNode) *depGraph {
	g := &depGraph{adj: make(map[string][]string), all: make(map[string]bool)}
	for _, n := range nodes {
		g.all[n.Name] = true
	}
	for _, n := range nodes {
		var deps []string
		for _, dep := range parseDependsOn(n.Labels) {
			if g.all[dep] {
				deps = append(deps, dep)
			}
		}
		if netDep := parseNetworkDependency(n.NetworkMode); netDep != "" && g.all[netDep] {
			deps = append(deps, netDep)
		}
		if len(deps) > 0 {
			g.adj[n.Name] = deps
		}
	}
	return g
}

// topoOrder returns container names with dependencies before dependents
// (the order to bring a stack up or restart it), using Kahn's algorithm,
// and whether every container was placed by the algorithm itself (false
// means a label cycle forced the deterministic name-sorted fallback for
// the unordered remainder).
func (g *depGraph) topoOrder() ([]string, bool) {
	inDegree := make(map[string]int, len(g.all))
	reverse := make(map[string][]string)
	for name := range g.all {
		inDegree[name] = 0
	}
	for name, deps := range g.adj {
		for _, dep := range deps {
			inDegree[name]++
			reverse[dep] = append(reverse[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		dependents := reverse[node]
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(result) != len(g.all) {
		var remaining []string
		seen := make(map[string]bool, len(result))
		for _, name := range result {
			seen[name] = true
		}
		for name := range g.all {
			if !seen[name] {
				remaining = append(remaining, name)
			}
		}
		sort.Strings(remaining)
		result = append(result, remaining...)
		return result, false
	}
	return result, true
}

// reversed returns names in the opposite order, used to stop a stack
// dependents-first instead of dependencies-first.
func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}

// cycleWarning describes a dependency cycle found among a stack's
// containers, for logging; the caller still proceeds using the
// deterministic fallback order topoOrder already applied.
func cycleWarning(stack string) string {
	return fmt.Sprintf("stack %q: container depends_on labels form a cycle, falling back to name order for the unresolved remainder", stack)
}
