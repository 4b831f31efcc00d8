package graph

import (
	"fmt"
	"sort"
	"sync"

	"loom/internal/artifact"
	"loom/internal/services"
)

// Graph is the DAG of artifact nodes and their dependency edges.
//
// Topology mutation (AddNode, AddEdge) happens during construction and is
// guarded by the graph lock; traversal is safe concurrently afterwards.
// Node status writes go through WithNode, which serializes on a per-node
// lease so writers to unrelated nodes never contend.
type Graph struct {
	mu       sync.RWMutex
	nodes    map[artifact.ID]*artifact.Node
	leases   map[artifact.ID]*sync.Mutex
	incoming map[artifact.ID][]artifact.ID // what a node depends on
	outgoing map[artifact.ID][]artifact.ID // what depends on a node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[artifact.ID]*artifact.Node),
		leases:   make(map[artifact.ID]*sync.Mutex),
		incoming: make(map[artifact.ID][]artifact.ID),
		outgoing: make(map[artifact.ID][]artifact.ID),
	}
}

// AddNode inserts a node if absent. Re-adding an identical ID is a no-op;
// the original node is kept.
func (g *Graph) AddNode(node *artifact.Node) error {
	if node == nil || node.ID == "" {
		return services.Wrap(services.ErrValidation, "graph", "add node", "node id required", nil)
	}
	if node.Level < 1 {
		return services.Wrap(services.ErrValidation, "graph", "add node",
			fmt.Sprintf("node %s has invalid level %d", node.ID, node.Level), nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.nodes[node.ID]; exists {
		return nil
	}
	if node.Status == "" {
		node.Status = artifact.StatusPending
	}
	g.nodes[node.ID] = node
	g.leases[node.ID] = &sync.Mutex{}
	return nil
}

// AddEdge records that `to` depends on `from`. It fails with a cycle error
// when `to` is already reachable from `from`'s dependencies, and with a
// validation error when the edge would break level monotonicity
// (a dependency's level must not exceed its dependent's).
func (g *Graph) AddEdge(from, to artifact.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	src, ok := g.nodes[from]
	if !ok {
		return services.Wrap(services.ErrValidation, "graph", "add edge",
			fmt.Sprintf("unknown node %s", from), nil)
	}
	dst, ok := g.nodes[to]
	if !ok {
		return services.Wrap(services.ErrValidation, "graph", "add edge",
			fmt.Sprintf("unknown node %s", to), nil)
	}
	if from == to {
		return services.Wrap(services.ErrCycle, "graph", "add edge",
			fmt.Sprintf("self-loop on %s", from), nil)
	}
	if src.Level > dst.Level {
		return services.Wrap(services.ErrValidation, "graph", "add edge",
			fmt.Sprintf("dependency %s (level %d) outranks dependent %s (level %d)",
				from, src.Level, to, dst.Level), nil)
	}

	for _, existing := range g.outgoing[from] {
		if existing == to {
			return nil
		}
	}

	reachable, err := g.reachableLocked(to, from)
	if err != nil {
		return err
	}
	if reachable {
		return services.Wrap(services.ErrCycle, "graph", "add edge",
			fmt.Sprintf("%s -> %s would close a cycle", from, to), nil)
	}

	g.outgoing[from] = insertSorted(g.outgoing[from], to)
	g.incoming[to] = insertSorted(g.incoming[to], from)
	return nil
}

// Node returns the node for id.
func (g *Graph) Node(id artifact.ID) (*artifact.Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	return node, ok
}

// Nodes returns every node, sorted by (level, id) for deterministic iteration.
func (g *Graph) Nodes() []*artifact.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*artifact.Node, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, node)
	}
	sortNodes(out)
	return out
}

// Dependencies returns the direct predecessors of id (what it depends on).
func (g *Graph) Dependencies(id artifact.ID) []artifact.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyIDs(g.incoming[id])
}

// Dependents returns the direct successors of id (what depends on it).
func (g *Graph) Dependents(id artifact.ID) []artifact.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return copyIDs(g.outgoing[id])
}

// TransitiveDependents returns every node reachable from id along dependency
// edges, excluding id itself. The result is sorted by (level, id).
func (g *Graph) TransitiveDependents(id artifact.ID) ([]artifact.ID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closureLocked(id, g.outgoing)
}

// TransitiveDependencies returns every node id transitively depends on,
// excluding id itself. The result is sorted by (level, id).
func (g *Graph) TransitiveDependencies(id artifact.ID) ([]artifact.ID, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.closureLocked(id, g.incoming)
}

// WithNode runs fn against the node for id while holding that node's lease.
// This is the serialized critical section for status transitions: exactly
// one writer per node at a time, with no contention across nodes.
func (g *Graph) WithNode(id artifact.ID, fn func(*artifact.Node)) bool {
	g.mu.RLock()
	node, ok := g.nodes[id]
	lease := g.leases[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	lease.Lock()
	defer lease.Unlock()
	fn(node)
	return true
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) closureLocked(start artifact.ID, edges map[artifact.ID][]artifact.ID) ([]artifact.ID, error) {
	if _, ok := g.nodes[start]; !ok {
		return nil, services.Wrap(services.ErrValidation, "graph", "closure",
			fmt.Sprintf("unknown node %s", start), nil)
	}

	visited := map[artifact.ID]struct{}{start: {}}
	frontier := []artifact.ID{start}
	var out []artifact.ID

	// The graph is acyclic by construction, so traversal visits each node at
	// most once. The step bound trips only on corrupted adjacency data and
	// turns a would-be hang into a fatal error.
	maxSteps := len(g.nodes) * len(g.nodes)
	steps := 0

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, next := range edges[current] {
			steps++
			if steps > maxSteps {
				return nil, services.Wrap(services.ErrCorruption, "graph", "closure",
					fmt.Sprintf("traversal from %s exceeded %d steps", start, maxSteps), nil)
			}
			if _, seen := visited[next]; seen {
				continue
			}
			if _, ok := g.nodes[next]; !ok {
				return nil, services.Wrap(services.ErrCorruption, "graph", "closure",
					fmt.Sprintf("edge references unknown node %s", next), nil)
			}
			visited[next] = struct{}{}
			frontier = append(frontier, next)
			out = append(out, next)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := g.nodes[out[i]], g.nodes[out[j]]
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (g *Graph) reachableLocked(from, target artifact.ID) (bool, error) {
	closure, err := g.closureLocked(from, g.outgoing)
	if err != nil {
		return false, err
	}
	for _, id := range closure {
		if id == target {
			return true, nil
		}
	}
	return false, nil
}

func insertSorted(ids []artifact.ID, id artifact.ID) []artifact.ID {
	idx := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	ids = append(ids, "")
	copy(ids[idx+1:], ids[idx:])
	ids[idx] = id
	return ids
}

func copyIDs(ids []artifact.ID) []artifact.ID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]artifact.ID, len(ids))
	copy(out, ids)
	return out
}

func sortNodes(nodes []*artifact.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].ID < nodes[j].ID
	})
}
