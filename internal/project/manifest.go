package project

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"loom/internal/artifact"
	"loom/internal/graph"
	"loom/internal/store"
)

//go:embed sample_project.toml
var sampleManifest string

// ManifestFileName is the project definition file looked up in the project
// directory.
const ManifestFileName = "project.toml"

// NodeSpec is one artifact declaration in the manifest.
type NodeSpec struct {
	ID        string            `toml:"id"`
	Kind      string            `toml:"kind"`
	Level     int               `toml:"level"`
	Output    string            `toml:"output,omitempty"`
	Params    map[string]string `toml:"params,omitempty"`
	DependsOn []string          `toml:"depends_on,omitempty"`
}

// Manifest declares the artifact graph of a project.
type Manifest struct {
	Name  string     `toml:"name"`
	Nodes []NodeSpec `toml:"nodes"`
}

// DefaultManifestPath returns the manifest location inside projectDir.
func DefaultManifestPath(projectDir string) string {
	return filepath.Join(projectDir, ManifestFileName)
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer file.Close()

	var manifest Manifest
	decoder := toml.NewDecoder(file)
	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(manifest.Nodes) == 0 {
		return nil, fmt.Errorf("manifest %s declares no nodes", path)
	}
	return &manifest, nil
}

// WriteSample writes the annotated sample manifest to path. It refuses to
// overwrite an existing file.
func WriteSample(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create project directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("manifest already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(sampleManifest), 0o644); err != nil {
		return fmt.Errorf("write sample manifest: %w", err)
	}
	return nil
}

// Build assembles the artifact graph the manifest declares. Node declarations
// are added first, then dependency edges, so edge validation sees the full
// node set.
func (m *Manifest) Build() (*graph.Graph, error) {
	g := graph.New()
	for _, spec := range m.Nodes {
		kind, ok := artifact.ParseKind(spec.Kind)
		if !ok {
			return nil, fmt.Errorf("node %s: unknown kind %q", spec.ID, spec.Kind)
		}
		node := &artifact.Node{
			ID:     artifact.ID(strings.TrimSpace(spec.ID)),
			Kind:   kind,
			Level:  spec.Level,
			Params: spec.Params,
			Status: artifact.StatusStale,
		}
		switch strings.TrimSpace(spec.Output) {
		case "", string(artifact.OutputOpaque):
			node.Output = artifact.OutputOpaque
		case string(artifact.OutputCategorical):
			node.Output = artifact.OutputCategorical
		case string(artifact.OutputNumeric):
			node.Output = artifact.OutputNumeric
		default:
			return nil, fmt.Errorf("node %s: unknown output kind %q", spec.ID, spec.Output)
		}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}
	for _, spec := range m.Nodes {
		for _, dep := range spec.DependsOn {
			if err := g.AddEdge(artifact.ID(strings.TrimSpace(dep)), artifact.ID(strings.TrimSpace(spec.ID))); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// Rehydrate recomputes fingerprints in level order and marks every node whose
// payload is already cached as valid. It returns how many nodes were restored
// from the cache.
func Rehydrate(ctx context.Context, g *graph.Graph, st *store.Store) (int, error) {
	// graph.Nodes is level-ordered, so dependencies are always visited first.
	nodes := g.Nodes()
	restored := 0
	for _, node := range nodes {
		depIDs := g.Dependencies(node.ID)
		depFingerprints := make([]artifact.Fingerprint, 0, len(depIDs))
		complete := true
		for _, depID := range depIDs {
			dep, ok := g.Node(depID)
			if !ok || dep.Status != artifact.StatusValid {
				complete = false
				break
			}
			depFingerprints = append(depFingerprints, dep.Fingerprint)
		}
		if !complete {
			continue
		}

		fingerprint := artifact.ComputeFingerprint(node.Kind, node.Params, depFingerprints)
		ref, found, err := st.GetPayload(ctx, fingerprint)
		if err != nil {
			return restored, err
		}
		if !found {
			g.WithNode(node.ID, func(n *artifact.Node) {
				n.Fingerprint = fingerprint
			})
			continue
		}
		g.WithNode(node.ID, func(n *artifact.Node) {
			n.Fingerprint = fingerprint
			n.PayloadRef = ref
			n.Status = artifact.StatusValid
			n.Producer = "cache"
		})
		restored++
	}
	return restored, nil
}
