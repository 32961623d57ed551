package activity

import (
	"context"
	"fmt"
	"testing"
	"time"

	logx "quotaq/pkg/logx"
)

func TestIsPageActiveWithinWindow(t *testing.T) {
	t.Parallel()
	tr := New(Config{ActiveWindow: 50 * time.Millisecond}, nil, logx.Nop())

	if tr.IsPageActive("dashboard") {
		t.Fatal("unseen page reported active")
	}
	tr.MarkSeen(context.Background(), "dashboard")
	if !tr.IsPageActive("dashboard") {
		t.Fatal("page not active right after heartbeat")
	}

	time.Sleep(80 * time.Millisecond)
	if tr.IsPageActive("dashboard") {
		t.Fatal("page still active past the window")
	}
}

func TestMarkSeenIgnoresEmptyPage(t *testing.T) {
	t.Parallel()
	tr := New(Config{}, nil, logx.Nop())
	tr.MarkSeen(context.Background(), "")
	if pages := tr.ActivePages(); len(pages) != 0 {
		t.Fatalf("active pages = %v, want none", pages)
	}
}

func TestTrackerStaysBounded(t *testing.T) {
	t.Parallel()
	tr := New(Config{ActiveWindow: time.Hour}, nil, logx.Nop())
	for i := 0; i < maxTrackedPages+50; i++ {
		tr.MarkSeen(context.Background(), fmt.Sprintf("page-%d", i))
	}
	tr.mu.Lock()
	n := len(tr.lastSeen)
	tr.mu.Unlock()
	if n > maxTrackedPages {
		t.Fatalf("tracked pages = %d, want <= %d", n, maxTrackedPages)
	}
}
