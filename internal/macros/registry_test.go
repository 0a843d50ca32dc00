package macros

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/danmuck/tftbridge/internal/testutil/testlog"
)

func staticLister(names ...string) Lister {
	return ListerFunc(func(context.Context) ([]string, error) {
		return names, nil
	})
}

func TestResolveFailsClosedBeforeRefresh(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	if r.Ready() {
		t.Fatalf("new registry should not be ready")
	}
	if name, ok := r.Resolve([]string{"LOAD_FILAMENT"}); ok {
		t.Fatalf("unexpected resolution before refresh: %q", name)
	}
	if r.Lookup("LOAD_FILAMENT").Exists {
		t.Fatalf("lookup should report absent before refresh")
	}
}

func TestResolvePicksFirstPresentCandidate(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	if err := r.Refresh(context.Background(), staticLister("load_filament", "TFT_UNLOAD_FILAMENT")); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	name, ok := r.Resolve([]string{"TFT_LOAD_FILAMENT", "LOAD_FILAMENT"})
	if !ok || name != "LOAD_FILAMENT" {
		t.Fatalf("unexpected resolution: %q %v", name, ok)
	}
	name, ok = r.Resolve([]string{"UNLOAD_FILAMENT", "TFT_UNLOAD_FILAMENT"})
	if !ok || name != "TFT_UNLOAD_FILAMENT" {
		t.Fatalf("unexpected fallback resolution: %q %v", name, ok)
	}
	if _, ok := r.Resolve([]string{"PARK"}); ok {
		t.Fatalf("absent candidate should not resolve")
	}
}

func TestRefreshReplacesWholeSet(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	ctx := context.Background()
	if err := r.Refresh(ctx, staticLister("A", "B")); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := r.Refresh(ctx, staticLister("C")); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if r.Lookup("A").Exists || !r.Lookup("C").Exists {
		t.Fatalf("refresh did not replace the set: %v", r.Snapshot().Names())
	}
}

func TestRefreshErrorKeepsPreviousSet(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	ctx := context.Background()
	if err := r.Refresh(ctx, staticLister("PARK")); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	boom := errors.New("boom")
	err := r.Refresh(ctx, ListerFunc(func(context.Context) ([]string, error) { return nil, boom }))
	if !errors.Is(err, boom) {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Lookup("PARK").Exists {
		t.Fatalf("failed refresh should keep previous snapshot")
	}
}

func TestRefreshIdempotent(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	ctx := context.Background()
	lister := staticLister("LOAD_FILAMENT", "TFT_UNLOAD_FILAMENT", "PARK")
	candidates := [][]string{
		{"TFT_LOAD_FILAMENT", "LOAD_FILAMENT"},
		{"UNLOAD_FILAMENT", "TFT_UNLOAD_FILAMENT"},
		{"PARK"},
		{"NOPE"},
	}
	if err := r.Refresh(ctx, lister); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	type result struct {
		name string
		ok   bool
	}
	first := make([]result, len(candidates))
	for i, c := range candidates {
		first[i].name, first[i].ok = r.Resolve(c)
	}
	for round := 0; round < 5; round++ {
		if err := r.Refresh(ctx, lister); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		for i, c := range candidates {
			name, ok := r.Resolve(c)
			if name != first[i].name || ok != first[i].ok {
				t.Fatalf("round %d candidates %v changed: %q %v", round, c, name, ok)
			}
		}
	}
}

func TestResetFailsClosed(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	if err := r.Refresh(context.Background(), staticLister("PARK")); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	r.Reset()
	if _, ok := r.Resolve([]string{"PARK"}); ok {
		t.Fatalf("reset registry should fail closed")
	}
}

func TestConcurrentResolveDuringRefresh(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	ctx := context.Background()
	a := staticLister("A1", "A2")
	b := staticLister("B1", "B2")

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap := r.Snapshot()
			// a snapshot is either all A or all B
			if snap.Exists("A1") != snap.Exists("A2") || snap.Exists("B1") != snap.Exists("B2") {
				t.Errorf("observed partial snapshot: %v", snap.Names())
				return
			}
		}
	}()
	for i := 0; i < 200; i++ {
		lister := a
		if i%2 == 1 {
			lister = b
		}
		if err := r.Refresh(ctx, lister); err != nil {
			t.Fatalf("refresh: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestCategorize(t *testing.T) {
	testlog.Start(t)

	r := NewRegistry()
	if err := r.Refresh(context.Background(), staticLister("PARK", "LOAD_FILAMENT", "MY_THING", "BED_MESH_CALIBRATE", "AAA")); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	cats := Categorize(r.Snapshot())
	want := []string{"Filament", "Bed Leveling", "Maintenance", "Custom"}
	if len(cats) != len(want) {
		t.Fatalf("unexpected categories: %+v", cats)
	}
	for i, name := range want {
		if cats[i].Name != name {
			t.Fatalf("category %d got=%q want=%q", i, cats[i].Name, name)
		}
	}
	custom := cats[len(cats)-1].Macros
	if len(custom) != 2 || custom[0] != "AAA" || custom[1] != "MY_THING" {
		t.Fatalf("unexpected custom macros: %v", custom)
	}
	if got := Categorize(nil); len(got) != 0 {
		t.Fatalf("nil snapshot should categorize to nothing: %+v", got)
	}
}
