package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Store persists the last delivered sequence number to a file so a
// restart resumes where the previous process stopped instead of at the
// configured start.
type Store struct {
	mu   sync.Mutex
	file string
	last uint32
	ok   bool
}

// Open loads (or creates the directory for) a checkpoint backed by filePath.
func Open(filePath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	s := &Store{file: filePath}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	line := strings.TrimSpace(string(data))
	if line == "" {
		return s, nil
	}
	n, err := strconv.ParseUint(line, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse checkpoint %q: %w", line, err)
	}
	s.last = uint32(n)
	s.ok = true
	return s, nil
}

// Load returns the stored sequence number, if any.
func (s *Store) Load() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.ok
}

// Save writes seq through a temporary file and rename so a crash never
// leaves a truncated checkpoint behind.
func (s *Store) Save(seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ok && s.last == seq {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.file), filepath.Base(s.file)+".tmp*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	if _, err := fmt.Fprintln(tmp, seq); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.file); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	s.last = seq
	s.ok = true
	return nil
}
