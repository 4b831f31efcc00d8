package artifact

import "testing"

func TestComputeFingerprintStableAcrossOrdering(t *testing.T) {
	params := map[string]string{"prompt": "wide shot", "seed": "42"}
	a := ComputeFingerprint(KindFrame, params, []Fingerprint{"aa", "bb"})
	b := ComputeFingerprint(KindFrame, params, []Fingerprint{"bb", "aa"})
	if a != b {
		t.Fatalf("fingerprint depends on dependency order: %s vs %s", a, b)
	}
}

func TestComputeFingerprintChangesWithInputs(t *testing.T) {
	base := ComputeFingerprint(KindFrame, map[string]string{"seed": "42"}, nil)
	changed := ComputeFingerprint(KindFrame, map[string]string{"seed": "43"}, nil)
	if base == changed {
		t.Fatal("fingerprint unchanged after parameter edit")
	}
	withDep := ComputeFingerprint(KindFrame, map[string]string{"seed": "42"}, []Fingerprint{"dep"})
	if base == withDep {
		t.Fatal("fingerprint unchanged after dependency change")
	}
}

func TestComputeFingerprintNamespacedByKind(t *testing.T) {
	params := map[string]string{"prompt": "character sheet"}
	ref := ComputeFingerprint(KindReference, params, []Fingerprint{"dep"})
	frame := ComputeFingerprint(KindFrame, params, []Fingerprint{"dep"})
	if ref == frame {
		t.Fatal("fingerprints for different kinds must not collide")
	}
}

func TestParseKind(t *testing.T) {
	if kind, ok := ParseKind(" Frame "); !ok || kind != KindFrame {
		t.Fatalf("ParseKind(Frame) = %q, %v", kind, ok)
	}
	if _, ok := ParseKind("storyboard"); ok {
		t.Fatal("unexpected kind accepted")
	}
}
