package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "quotaq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.dispatch.jsonl         (append-only JSON Lines)
//   - <prefix>.activity.snapshot.json (periodic snapshot)
//   - <prefix>.activity.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	dispatchFile *os.File

	activitySnapshotPath string
	activityJournalFile  *os.File
	pageSeen             map[string]int64 // unix milli

	activityWrites int
}

type pageSeenRecord struct {
	Page string `json:"page"`
	At   int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	dispatchPath := prefix + ".dispatch.jsonl"
	snapPath := prefix + ".activity.snapshot.json"
	journalPath := prefix + ".activity.journal.jsonl"

	df, err := os.OpenFile(dispatchPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load page activity from snapshot + journal.
	seen := map[string]int64{}
	_ = loadActivitySnapshot(snapPath, seen)
	_ = replayActivityJournal(journalPath, seen)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:                  log,
		dispatchFile:         df,
		activitySnapshotPath: snapPath,
		activityJournalFile:  jf,
		pageSeen:             seen,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.dispatchFile != nil {
		err1 = s.dispatchFile.Close()
		s.dispatchFile = nil
	}
	if s.activityJournalFile != nil {
		err2 = s.activityJournalFile.Close()
		s.activityJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDispatch(ctx context.Context, e DispatchEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dispatchFile == nil {
		return errors.New("dispatch log closed")
	}
	return json.NewEncoder(s.dispatchFile).Encode(e)
}

func (s *fileStore) PutPageSeen(ctx context.Context, page string, at time.Time) error {
	_ = ctx
	page = strings.TrimSpace(page)
	if page == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activityJournalFile == nil {
		return errors.New("activity journal closed")
	}
	if s.pageSeen == nil {
		s.pageSeen = map[string]int64{}
	}
	s.pageSeen[page] = ms

	if err := json.NewEncoder(s.activityJournalFile).Encode(pageSeenRecord{Page: page, At: ms}); err != nil {
		return err
	}
	s.activityWrites++
	if s.activityWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("activity compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadPageSeen(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.pageSeen))
	for page, ms := range s.pageSeen {
		out[page] = time.UnixMilli(ms)
	}
	return out, nil
}

func (s *fileStore) compactLocked() error {
	if s.pageSeen == nil {
		return nil
	}

	tmp := s.activitySnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.pageSeen); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.activitySnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.activityJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.activityJournalFile.Seek(0, 2)
	return err
}

func loadActivitySnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayActivityJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r pageSeenRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Page == "" {
			continue
		}
		out[r.Page] = r.At
	}
	return sc.Err()
}
