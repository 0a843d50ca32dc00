package supervisor

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Supervisor owns every supervised link of the process.
type Supervisor struct {
	mu    sync.RWMutex
	links []*Supervised
}

func New() *Supervisor {
	return &Supervisor{}
}

// Add registers link. It must be called before Run.
func (s *Supervisor) Add(link Link, cfg LinkConfig) (*Supervised, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, ErrLinkNameRequired
	}
	sup := newSupervised(link, cfg.withDefaults())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, sup)
	return sup, nil
}

func (s *Supervisor) Link(name string) (*Supervised, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.links {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Run drives every link on its own goroutine until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.RLock()
	links := make([]*Supervised, len(s.links))
	copy(links, s.links)
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range links {
		g.Go(func() error { return l.Run(gctx) })
	}
	return g.Wait()
}

func (s *Supervisor) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l.Snapshot())
	}
	return out
}

// Ready reports whether every link is usable.
func (s *Supervisor) Ready() bool {
	for _, snap := range s.Snapshots() {
		if !snap.State.Usable() {
			return false
		}
	}
	return true
}
