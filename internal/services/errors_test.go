package services_test

import (
	"errors"
	"strings"
	"testing"

	"loom/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrStorage, "store", "put payload", "write failed", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrStorage) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"store", "put payload", "write failed"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "consensus", "sample", "", errors.New("rate limited"))
	if !services.IsTransient(err) {
		t.Fatalf("expected transient marker, got %v", err)
	}
}

func TestIsFatal(t *testing.T) {
	if !services.IsFatal(services.Wrap(services.ErrCorruption, "graph", "walk", "visited twice", nil)) {
		t.Fatal("corruption should be fatal")
	}
	if !services.IsFatal(services.Wrap(services.ErrCycle, "graph", "add edge", "", nil)) {
		t.Fatal("cycle should be fatal")
	}
	if services.IsFatal(services.Wrap(services.ErrQuorum, "consensus", "resolve", "", nil)) {
		t.Fatal("quorum failure should not be fatal")
	}
}
