package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "jobflow/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Runs are appended to <prefix>.runs.jsonl and mirrored in memory, capped
// per job. The journal is periodically rewritten from memory so it does not
// grow past the retained history.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	journalPath string
	journal     *os.File
	runs        map[string][]RunRecord // oldest first
	keep        int
	writes      int
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
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	journalPath := filepath.Join(dir, base) + ".runs.jsonl"

	s := &fileStore{
		log:         log,
		journalPath: journalPath,
		runs:        map[string][]RunRecord{},
		keep:        cfg.historySize(),
	}
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("run journal replay incomplete", logx.String("path", journalPath), logx.Err(err))
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = f
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if strings.TrimSpace(r.Job) == "" {
		return errors.New("run record without job")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("run journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.remember(r)

	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.runs[job]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]RunRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) remember(r RunRecord) {
	rs := append(s.runs[r.Job], r)
	if over := len(rs) - s.keep; over > 0 {
		rs = append([]RunRecord(nil), rs[over:]...)
	}
	s.runs[r.Job] = rs
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.journalPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Job == "" {
			continue
		}
		s.remember(r)
	}
	return sc.Err()
}

// compactLocked rewrites the journal with only the retained runs.
func (s *fileStore) compactLocked() error {
	all := make([]RunRecord, 0, len(s.runs)*s.keep)
	for _, rs := range s.runs {
		all = append(all, rs...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].FinishedAt.Before(all[j].FinishedAt) })

	tmp := s.journalPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range all {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.journal.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.journalPath); err != nil {
		return err
	}
	s.journal, err = os.OpenFile(s.journalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}
