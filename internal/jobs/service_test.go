package jobs

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"quotaq/internal/scheduler"
	logx "quotaq/pkg/logx"
)

type fakeSubmitter struct {
	mu          sync.Mutex
	submitted   []string
	paused      bool
	globalPause bool
}

func (f *fakeSubmitter) Submit(work scheduler.Work, priority scheduler.Priority, description string) (*scheduler.Ticket, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, description)
	f.mu.Unlock()
	if priority != scheduler.PrioritySystem {
		panic("jobs must submit at system priority")
	}
	return scheduler.ResolvedTicket("test", nil, nil), nil
}

func (f *fakeSubmitter) Paused() bool       { f.mu.Lock(); defer f.mu.Unlock(); return f.paused }
func (f *fakeSubmitter) GlobalPaused() bool { f.mu.Lock(); defer f.mu.Unlock(); return f.globalPause }

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}

type fakeSource struct{}

func (fakeSource) FetchWork(path string, params url.Values) scheduler.Work {
	return func(ctx context.Context) (any, error) { return path, nil }
}

type fakeActivity struct{ active map[string]bool }

func (f fakeActivity) IsPageActive(page string) bool { return f.active[page] }

func TestRegisterRejectsBadSpec(t *testing.T) {
	t.Parallel()
	svc := New(&fakeSubmitter{}, fakeSource{}, nil, logx.Nop())
	if err := svc.Register(Definition{Name: "bad", Schedule: "not a cron spec", Path: "/p"}); err == nil {
		t.Fatal("expected parse error")
	}
	if err := svc.Register(Definition{Name: "ok", Schedule: "@every 1m", Path: "/p"}); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
}

func TestFireSkipsWhenPaused(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{paused: true}
	svc := New(sub, fakeSource{}, nil, logx.Nop())
	svc.fire(Definition{Name: "quotes", Schedule: "@hourly", Path: "/quote"})
	if sub.count() != 0 {
		t.Fatalf("submitted %d, want 0 while paused", sub.count())
	}

	sub.mu.Lock()
	sub.paused, sub.globalPause = false, true
	sub.mu.Unlock()
	svc.fire(Definition{Name: "quotes", Schedule: "@hourly", Path: "/quote"})
	if sub.count() != 0 {
		t.Fatalf("submitted %d, want 0 during global pause", sub.count())
	}
}

func TestFireRespectsPageActivity(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	act := fakeActivity{active: map[string]bool{"dashboard": true}}
	svc := New(sub, fakeSource{}, act, logx.Nop())

	svc.fire(Definition{Name: "a", Page: "dashboard", Path: "/quote"})
	svc.fire(Definition{Name: "b", Page: "reports", Path: "/report"})
	svc.fire(Definition{Name: "c", Path: "/always"})

	if got := sub.count(); got != 2 {
		t.Fatalf("submitted %d, want 2 (inactive page skipped)", got)
	}
}

func TestCronTriggersSubmit(t *testing.T) {
	t.Parallel()
	sub := &fakeSubmitter{}
	svc := New(sub, fakeSource{}, nil, logx.Nop())
	if err := svc.Register(Definition{Name: "fast", Schedule: "@every 1s", Path: "/tick"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	svc.Start()
	defer svc.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sub.count() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cron never fired")
}

func TestStopReleasesTicketWaiters(t *testing.T) {
	t.Parallel()
	svc := New(&fakeSubmitter{}, fakeSource{}, nil, logx.Nop())
	svc.Start()
	svc.Stop(context.Background())

	// Waiters on tickets the scheduler never resolves must still exit.
	select {
	case <-svc.waitCtx.Done():
	default:
		t.Fatal("waiter context not cancelled by Stop")
	}
}
