package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/tftbridge/internal/faults"
	"github.com/danmuck/tftbridge/internal/protocol/session"
	"github.com/danmuck/tftbridge/internal/testutil/testlog"
)

type fakeLink struct {
	mu        sync.Mutex
	failOpens int
	opens     int
	closes    int
	probeErr  error
}

func (l *fakeLink) Open(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opens++
	if l.failOpens > 0 {
		l.failOpens--
		return errors.New("device not present")
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closes++
	return nil
}

func (l *fakeLink) counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opens, l.closes
}

type probingLink struct {
	fakeLink
	probes atomic.Int32
}

func (l *probingLink) Probe(ctx context.Context) error {
	l.probes.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.probeErr
	l.probeErr = nil
	return err
}

func fastBackoff() session.BackoffConfig {
	return session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startSupervisor(t *testing.T, sup *Supervisor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("supervisor run: %v", err)
			}
		case <-time.After(3 * time.Second):
			t.Errorf("supervisor did not stop")
		}
	})
	return cancel
}

func TestCheckFailsFastBeforeConnect(t *testing.T) {
	testlog.Start(t)

	sup := New()
	link, err := sup.Add(&fakeLink{}, LinkConfig{Name: "serial"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	err = link.Check()
	if !errors.Is(err, faults.ErrTransportUnavailable) {
		t.Fatalf("expected transport unavailable, got %v", err)
	}
	if sup.Ready() {
		t.Fatalf("supervisor should not be ready")
	}
	if _, err := sup.Add(&fakeLink{}, LinkConfig{}); !errors.Is(err, ErrLinkNameRequired) {
		t.Fatalf("expected name required, got %v", err)
	}
}

func TestRetriesUntilConnected(t *testing.T) {
	testlog.Start(t)

	fl := &fakeLink{failOpens: 25}
	sup := New()
	link, err := sup.Add(fl, LinkConfig{Name: "serial", Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	startSupervisor(t, sup)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := link.WaitConnected(ctx); err != nil {
		t.Fatalf("wait connected: %v", err)
	}
	snap := link.Snapshot()
	if snap.State != Connected || snap.Connects != 1 || snap.Retries != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if opens, _ := fl.counts(); opens != 26 {
		t.Fatalf("unexpected opens: %d", opens)
	}
	if snap.LastError == "" {
		t.Fatalf("last error should be remembered")
	}
	if err := link.Check(); err != nil {
		t.Fatalf("check after connect: %v", err)
	}
}

func TestFaultReconnectsAndRerunsHook(t *testing.T) {
	testlog.Start(t)

	var hooks atomic.Int32
	var drops atomic.Int32
	fl := &fakeLink{}
	sup := New()
	link, err := sup.Add(fl, LinkConfig{
		Name:           "backend",
		Backoff:        fastBackoff(),
		OnConnected:    func(context.Context) error { hooks.Add(1); return nil },
		OnDisconnected: func() { drops.Add(1) },
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	startSupervisor(t, sup)

	waitFor(t, "first connect", func() bool { return link.Snapshot().State == Connected })
	for i := 2; i <= 4; i++ {
		link.ReportFault(errors.New("connection reset"))
		want := uint64(i)
		waitFor(t, "reconnect", func() bool {
			snap := link.Snapshot()
			return snap.State == Connected && snap.Connects == want
		})
	}
	if hooks.Load() != 4 {
		t.Fatalf("hook should run on every connect: %d", hooks.Load())
	}
	if drops.Load() != 3 {
		t.Fatalf("unexpected disconnect callbacks: %d", drops.Load())
	}
	if _, closes := fl.counts(); closes != 3 {
		t.Fatalf("unexpected closes: %d", closes)
	}
}

func TestHookFailureDegradesThenRecovers(t *testing.T) {
	testlog.Start(t)

	var calls atomic.Int32
	var sawDegraded atomic.Bool
	sup := New()
	link, err := sup.Add(&fakeLink{}, LinkConfig{
		Name:    "backend",
		Backoff: fastBackoff(),
		OnConnected: func(context.Context) error {
			if calls.Add(1) <= 2 {
				return errors.New("macro query failed")
			}
			return nil
		},
		OnTransition: func(prev, next Snapshot) {
			if next.State == Degraded {
				sawDegraded.Store(true)
			}
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	startSupervisor(t, sup)

	waitFor(t, "recovery", func() bool { return link.Snapshot().State == Connected })
	if !sawDegraded.Load() {
		t.Fatalf("expected a degraded phase")
	}
	if calls.Load() != 3 {
		t.Fatalf("unexpected hook calls: %d", calls.Load())
	}
	if link.Snapshot().Connects != 1 {
		t.Fatalf("hook retry should not reopen the link")
	}
}

func TestDegradedLinkIsUsable(t *testing.T) {
	testlog.Start(t)

	sup := New()
	link, err := sup.Add(&fakeLink{}, LinkConfig{
		Name:        "backend",
		Backoff:     session.BackoffConfig{InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour},
		OnConnected: func(context.Context) error { return errors.New("still failing") },
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	startSupervisor(t, sup)

	waitFor(t, "degraded", func() bool { return link.Snapshot().State == Degraded })
	if err := link.Check(); err != nil {
		t.Fatalf("degraded link should accept calls: %v", err)
	}
}

func TestProbeFailureReconnects(t *testing.T) {
	testlog.Start(t)

	pl := &probingLink{}
	pl.probeErr = errors.New("printer info timeout")
	sup := New()
	link, err := sup.Add(pl, LinkConfig{Name: "backend", Backoff: fastBackoff(), ProbeInterval: 2 * time.Millisecond})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	startSupervisor(t, sup)

	waitFor(t, "reconnect after probe failure", func() bool {
		snap := link.Snapshot()
		return snap.State == Connected && snap.Connects >= 2
	})
	if pl.probes.Load() == 0 {
		t.Fatalf("probe never ran")
	}
}

func TestTransitionsAreSerialized(t *testing.T) {
	testlog.Start(t)

	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var mu sync.Mutex
	var seq []State

	fl := &fakeLink{failOpens: 3}
	sup := New()
	link, err := sup.Add(fl, LinkConfig{
		Name:    "serial",
		Backoff: fastBackoff(),
		OnTransition: func(prev, next Snapshot) {
			if inFlight.Add(1) > 1 {
				overlapped.Store(true)
			}
			mu.Lock()
			seq = append(seq, next.State)
			mu.Unlock()
			inFlight.Add(-1)
		},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	startSupervisor(t, sup)

	// concurrent fault reports must not create concurrent transitions
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				link.ReportFault(errors.New("write failed"))
				time.Sleep(100 * time.Microsecond)
			}
		}()
	}
	wg.Wait()
	waitFor(t, "settle", func() bool { return link.Snapshot().State == Connected })

	if overlapped.Load() {
		t.Fatalf("transitions overlapped")
	}
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seq); i++ {
		if seq[i] == Connected && seq[i-1] == Disconnected {
			t.Fatalf("connected without connecting at %d: %v", i, seq)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)

	sup := New()
	link, err := sup.Add(&fakeLink{failOpens: 1 << 30}, LinkConfig{Name: "serial", Backoff: fastBackoff()})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	waitFor(t, "retrying", func() bool { return link.Snapshot().Retries > 3 })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
	if link.Snapshot().State != Disconnected {
		t.Fatalf("unexpected final state: %v", link.Snapshot().State)
	}
}
