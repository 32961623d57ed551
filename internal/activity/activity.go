// Package activity tracks which page types currently have viewers, so
// periodic jobs can skip refreshing data nobody is looking at.
package activity

import (
	"context"
	"sync"
	"time"

	"quotaq/internal/storage"
	logx "quotaq/pkg/logx"
)

const (
	defaultActiveWindow = 5 * time.Minute
	maxTrackedPages     = 256
)

// Tracker is the page-activity oracle. A page counts as active while its
// last heartbeat is within the active window.
type Tracker struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
	window   time.Duration

	store storage.Store
	log   logx.Logger
}

type Config struct {
	// ActiveWindow is how long a page stays active after its last heartbeat.
	ActiveWindow time.Duration
}

// New creates the tracker. store may be nil; when set, heartbeats are
// persisted so recent activity survives a restart.
func New(cfg Config, store storage.Store, log logx.Logger) *Tracker {
	window := cfg.ActiveWindow
	if window <= 0 {
		window = defaultActiveWindow
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Tracker{
		lastSeen: make(map[string]time.Time),
		window:   window,
		store:    store,
		log:      log,
	}
	t.restore()
	return t
}

func (t *Tracker) restore() {
	if t.store == nil {
		return
	}
	seen, err := t.store.LoadPageSeen(context.Background())
	if err != nil {
		t.log.Warn("activity restore failed", logx.Err(err))
		return
	}
	now := time.Now()
	t.mu.Lock()
	for page, at := range seen {
		if now.Sub(at) <= t.window {
			t.lastSeen[page] = at
		}
	}
	n := len(t.lastSeen)
	t.mu.Unlock()
	if n > 0 {
		t.log.Debug("activity restored", logx.Int("pages", n))
	}
}

// MarkSeen records a viewer heartbeat for page.
func (t *Tracker) MarkSeen(ctx context.Context, page string) {
	if page == "" {
		return
	}
	now := time.Now()
	t.mu.Lock()
	t.lastSeen[page] = now
	t.pruneLocked(now)
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.PutPageSeen(ctx, page, now); err != nil {
			t.log.Warn("activity persist failed", logx.String("page", page), logx.Err(err))
		}
	}
}

// IsPageActive reports whether page had a viewer within the active window.
func (t *Tracker) IsPageActive(page string) bool {
	now := time.Now()
	t.mu.Lock()
	at, ok := t.lastSeen[page]
	t.mu.Unlock()
	return ok && now.Sub(at) <= t.window
}

// ActivePages returns all currently active page types.
func (t *Tracker) ActivePages() []string {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	var pages []string
	for page, at := range t.lastSeen {
		if now.Sub(at) <= t.window {
			pages = append(pages, page)
		}
	}
	return pages
}

// pruneLocked drops stale entries so the map stays bounded even with
// adversarial page names.
func (t *Tracker) pruneLocked(now time.Time) {
	for page, at := range t.lastSeen {
		if now.Sub(at) > t.window {
			delete(t.lastSeen, page)
		}
	}
	if len(t.lastSeen) <= maxTrackedPages {
		return
	}
	// Still over the cap: drop the oldest entries.
	for len(t.lastSeen) > maxTrackedPages {
		var oldestPage string
		var oldestAt time.Time
		for page, at := range t.lastSeen {
			if oldestPage == "" || at.Before(oldestAt) {
				oldestPage, oldestAt = page, at
			}
		}
		delete(t.lastSeen, oldestPage)
	}
}
