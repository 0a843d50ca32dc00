package version

import "testing"

func TestHistoryNewestFirst(t *testing.T) {
	h := History()
	if len(h) == 0 {
		t.Fatalf("empty history")
	}
	for i := 1; i < len(h); i++ {
		if compare(h[i-1].Version, h[i].Version) <= 0 {
			t.Fatalf("history out of order at %d: %s before %s", i, h[i-1].Version, h[i].Version)
		}
	}
	if h[0].Version != Version {
		t.Fatalf("newest release %s does not match Version %s", h[0].Version, Version)
	}
}

func TestLookup(t *testing.T) {
	if _, ok := Lookup("v2.0.0"); !ok {
		t.Fatalf("expected v2.0.0 to be found")
	}
	if _, ok := Lookup("9.9.9"); ok {
		t.Fatalf("unexpected release found")
	}
}

func TestCompare(t *testing.T) {
	if compare("2.10.0", "2.9.1") <= 0 {
		t.Fatalf("numeric compare failed")
	}
	if compare("1.0", "1.0.0") != 0 {
		t.Fatalf("missing components should compare as zero")
	}
}
