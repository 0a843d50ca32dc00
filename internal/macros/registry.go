// Package macros caches which named macros exist on the backend.
//
// The cache is an immutable snapshot swapped atomically by Refresh. Readers
// never observe a partially updated set.
package macros

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrNeverRefreshed = errors.New("macros: registry never refreshed")

// Lister enumerates the macro names currently defined on the backend.
type Lister interface {
	ListMacros(ctx context.Context) ([]string, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context) ([]string, error)

func (f ListerFunc) ListMacros(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// Entry is the cached knowledge about one macro.
type Entry struct {
	Name      string
	Exists    bool
	CheckedAt time.Time
}

// Snapshot is one complete refresh result.
type Snapshot struct {
	names     map[string]struct{}
	checkedAt time.Time
}

func (s *Snapshot) Exists(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.names[strings.ToUpper(name)]
	return ok
}

// Names returns the macro names in sorted order.
func (s *Snapshot) Names() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.names))
	for name := range s.names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) CheckedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.checkedAt
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Registry resolves macro candidates against the latest snapshot.
type Registry struct {
	current   atomic.Pointer[Snapshot]
	refreshMu sync.Mutex
	now       func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{now: time.Now}
}

// Snapshot returns the current set, or nil when the registry was never
// refreshed.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Ready() bool {
	return r.current.Load() != nil
}

// Lookup reports the cached entry for name. An unrefreshed registry reports
// every macro as absent.
func (r *Registry) Lookup(name string) Entry {
	snap := r.current.Load()
	name = strings.ToUpper(name)
	return Entry{Name: name, Exists: snap.Exists(name), CheckedAt: snap.CheckedAt()}
}

// Resolve returns the first candidate present in the current snapshot.
func (r *Registry) Resolve(candidates []string) (string, bool) {
	snap := r.current.Load()
	if snap == nil {
		return "", false
	}
	for _, name := range candidates {
		if snap.Exists(name) {
			return strings.ToUpper(name), true
		}
	}
	return "", false
}

// Refresh queries lister once and replaces the whole set. On error the
// previous snapshot is kept. Concurrent calls are serialized.
func (r *Registry) Refresh(ctx context.Context, lister Lister) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	names, err := lister.ListMacros(ctx)
	if err != nil {
		return fmt.Errorf("macros: refresh: %w", err)
	}
	next := &Snapshot{
		names:     make(map[string]struct{}, len(names)),
		checkedAt: r.now(),
	}
	for _, name := range names {
		name = strings.ToUpper(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		next.names[name] = struct{}{}
	}
	prev := r.current.Swap(next)
	log.Debug().Msgf("macros.Registry.Refresh count=%d previous=%d", next.Len(), prev.Len())
	return nil
}

// Reset discards the current set. Resolve fails closed until the next
// Refresh.
func (r *Registry) Reset() {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	r.current.Store(nil)
}
