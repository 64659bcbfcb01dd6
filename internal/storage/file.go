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

	logx "paceq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.runs.jsonl (append-only JSON Lines)
//
// The log is periodically compacted down to the in-memory tail so it does
// not grow without bound.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	path string
	file *os.File

	// tail holds the most recent records, oldest first.
	tail    []RunRecord
	maxTail int

	writes int
}

const (
	fileTailSize     = 1000
	fileCompactEvery = 5000
)

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
	runsPath := filepath.Join(dir, base+".runs.jsonl")

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	tail, _ := loadRunTail(runsPath, fileTailSize)

	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:     log,
		path:    runsPath,
		file:    f,
		tail:    tail,
		maxTail: fileTailSize,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("run log closed")
	}
	if err := json.NewEncoder(s.file).Encode(r); err != nil {
		return err
	}

	s.tail = append(s.tail, r)
	if len(s.tail) > s.maxTail {
		s.tail = s.tail[len(s.tail)-s.maxTail:]
	}

	s.writes++
	if s.writes%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("run log compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, n int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.tail) {
		n = len(s.tail)
	}
	out := make([]RunRecord, n)
	copy(out, s.tail[len(s.tail)-n:])
	return out, nil
}

// compactLocked rewrites the log so only the in-memory tail survives.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	// Reopen the live handle on the compacted file.
	if s.file != nil {
		_ = s.file.Close()
	}
	nf, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.file = nil
		return err
	}
	s.file = nf
	return nil
}

func loadRunTail(path string, keep int) ([]RunRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tail []RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		tail = append(tail, r)
		if len(tail) > keep*2 {
			tail = tail[len(tail)-keep:]
		}
	}
	if len(tail) > keep {
		tail = tail[len(tail)-keep:]
	}
	return tail, sc.Err()
}
