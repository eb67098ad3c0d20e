package results

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/signalsfoundry/manet-harness/internal/scenario"
)

// FileStore appends reports to a JSON-lines file.
type FileStore struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenFile opens (or creates) path for appending.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	return &FileStore{path: path, f: f}, nil
}

// Save appends rep as one line.
func (s *FileStore) Save(_ context.Context, rep *scenario.Report) error {
	if err := checkReport(rep); err != nil {
		return err
	}
	line, err := json.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// List reads the file back, newest first. A later line with the same run
// id replaces an earlier one.
func (s *FileStore) List(ctx context.Context, scenarioName string, limit int) ([]scenario.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	var all []scenario.Report
	seen := make(map[string]int)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rep scenario.Report
		if err := json.Unmarshal(sc.Bytes(), &rep); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", s.path, line, err)
		}
		if scenarioName != "" && rep.Scenario != scenarioName {
			continue
		}
		if i, ok := seen[rep.RunID]; ok {
			all[i] = rep
			continue
		}
		seen[rep.RunID] = len(all)
		all = append(all, rep)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results file: %w", err)
	}

	slices.Reverse(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Close closes the file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
