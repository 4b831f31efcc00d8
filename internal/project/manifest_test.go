package project

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"loom/internal/artifact"
	"loom/internal/testsupport"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ManifestFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestSampleManifestBuilds(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestFileName)
	if err := WriteSample(path); err != nil {
		t.Fatalf("WriteSample: %v", err)
	}
	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	g, err := manifest.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Len() != 5 {
		t.Fatalf("nodes = %d, want 5", g.Len())
	}
	node, ok := g.Node("shots-act1")
	if !ok {
		t.Fatal("shots-act1 missing")
	}
	if node.Output != artifact.OutputCategorical {
		t.Fatalf("shots-act1 output = %s, want categorical", node.Output)
	}
	if deps := g.Dependencies("shots-act1"); len(deps) != 2 {
		t.Fatalf("shots-act1 deps = %v, want story and char-mei", deps)
	}
}

func TestWriteSampleRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), ManifestFileName)
	if err := WriteSample(path); err != nil {
		t.Fatalf("first WriteSample: %v", err)
	}
	if err := WriteSample(path); err == nil {
		t.Fatal("second WriteSample should fail")
	}
}

func TestBuildRejectsUnknownKind(t *testing.T) {
	path := writeManifest(t, `
name = "bad"

[[nodes]]
id = "a"
kind = "screenplay"
level = 1
`)
	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if _, err := manifest.Build(); err == nil {
		t.Fatal("Build should reject unknown kind")
	}
}

func TestBuildRejectsLevelInversion(t *testing.T) {
	path := writeManifest(t, `
name = "bad"

[[nodes]]
id = "low"
kind = "script"
level = 1
depends_on = ["high"]

[[nodes]]
id = "high"
kind = "frame"
level = 5
`)
	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if _, err := manifest.Build(); err == nil {
		t.Fatal("Build should reject a dependency above the dependent's level")
	}
}

func TestRehydrateRestoresCachedNodes(t *testing.T) {
	path := writeManifest(t, `
name = "mini"

[[nodes]]
id = "story"
kind = "script"
level = 1

[nodes.params]
title = "t"

[[nodes]]
id = "frame"
kind = "frame"
level = 5
depends_on = ["story"]
`)
	manifest, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	g, err := manifest.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	storyFingerprint := artifact.ComputeFingerprint(artifact.KindScript, map[string]string{"title": "t"}, nil)
	if _, err := st.PutPayload(ctx, storyFingerprint, artifact.KindScript, []byte("draft")); err != nil {
		t.Fatalf("PutPayload: %v", err)
	}

	restored, err := Rehydrate(ctx, g, st)
	if err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	if restored != 1 {
		t.Fatalf("restored = %d, want 1", restored)
	}
	story, _ := g.Node("story")
	if story.Status != artifact.StatusValid || story.PayloadRef == "" {
		t.Fatalf("story = %s/%q, want valid with a payload ref", story.Status, story.PayloadRef)
	}
	frame, _ := g.Node("frame")
	if frame.Status != artifact.StatusStale {
		t.Fatalf("frame status = %s, want stale", frame.Status)
	}
	if frame.Fingerprint == "" {
		t.Fatal("frame fingerprint should be recomputed even without a cached payload")
	}
}
