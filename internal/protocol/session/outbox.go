package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingCall tracks one backend call from issue to completion or final
// failure.
type PendingCall struct {
	CallID    string
	Endpoint  string
	IssuedAt  time.Time
	Deadline  time.Time
	Retries   int
	Attempt   int
	LastError string
}

// CallOutbox stores in-flight calls by call id. Entries are removed when the
// call completes, fails for good, or is abandoned at its deadline.
type CallOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingCall
}

func NewCallOutbox() *CallOutbox {
	return &CallOutbox{
		items: make(map[string]PendingCall),
	}
}

func (o *CallOutbox) Upsert(item PendingCall) {
	key := strings.TrimSpace(item.CallID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

// MarkAttempt records the start of transport attempt n. Attempts after the
// first count as retries.
func (o *CallOutbox) MarkAttempt(callID string, attempt int, lastErr string) (PendingCall, bool) {
	key := strings.TrimSpace(callID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingCall{}, false
	}
	item.Attempt = attempt
	if attempt > 1 {
		item.Retries = attempt - 1
	}
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *CallOutbox) Remove(callID string) {
	key := strings.TrimSpace(callID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *CallOutbox) Get(callID string) (PendingCall, bool) {
	key := strings.TrimSpace(callID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *CallOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending calls ordered by issue time.
func (o *CallOutbox) List() []PendingCall {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingCall, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Expired returns calls whose deadline passed at now.
func (o *CallOutbox) Expired(now time.Time) []PendingCall {
	var out []PendingCall
	for _, item := range o.List() {
		if !item.Deadline.IsZero() && now.After(item.Deadline) {
			out = append(out, item)
		}
	}
	return out
}
