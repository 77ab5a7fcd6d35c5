package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type recordFile struct {
	name    string
	path    string
	modTime time.Time
	size    int64
}

// Sweep runs the age phase and then the capacity phase. Concurrent callers
// share one in-flight sweep. Failures on individual records are logged and
// skipped; only failing to list the directory is returned as an error.
func (s *Store) Sweep(ctx context.Context) (SweepResult, error) {
	v, err, _ := s.sweeps.Do(sweepFlightID, func() (any, error) {
		return s.sweep(ctx)
	})
	result, _ := v.(SweepResult)
	return result, err
}

// Run sweeps every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("periodic cleanup sweep failed", "dir", s.dir, "err", err)
			}
		}
	}
}

func (s *Store) sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return result, fmt.Errorf("list storage directory: %w", err)
	}

	now := s.now()
	remaining := make([]recordFile, 0, len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if isTempName(name) {
			s.removeStaleTemp(entry)
			continue
		}
		if !isRecordName(name) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("stat email failed", "file", name, "err", err)
				result.Skipped++
			}
			continue
		}

		file := recordFile{
			name:    name,
			path:    filepath.Join(s.dir, name),
			modTime: info.ModTime(),
			size:    info.Size(),
		}

		storedAt, err := readStoredAt(file.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.logger.Warn("read email failed during sweep", "file", name, "err", err)
			result.Skipped++
			remaining = append(remaining, file)
			continue
		}

		if now.Sub(storedAt) > s.maxAge {
			removed, err := s.remove(file)
			if err != nil {
				result.Skipped++
				remaining = append(remaining, file)
				continue
			}
			if removed {
				result.Expired++
			}
			continue
		}

		remaining = append(remaining, file)
	}

	var total int64
	for _, file := range remaining {
		total += file.size
	}

	if total > s.maxSize {
		sort.Slice(remaining, func(i, j int) bool {
			if remaining[i].modTime.Equal(remaining[j].modTime) {
				return remaining[i].name < remaining[j].name
			}
			return remaining[i].modTime.Before(remaining[j].modTime)
		})

		kept := remaining[:0]
		for i, file := range remaining {
			if total <= s.maxSize {
				kept = append(kept, remaining[i:]...)
				break
			}
			if err := ctx.Err(); err != nil {
				return result, err
			}
			removed, err := s.remove(file)
			if err != nil {
				result.Skipped++
				kept = append(kept, file)
				continue
			}
			total -= file.size
			if removed {
				result.Evicted++
			}
		}
		remaining = kept
	}

	result.Remaining = len(remaining)
	result.RemainingBytes = total

	if result.Expired > 0 || result.Evicted > 0 {
		s.logger.Info("cleanup sweep finished", result.LogAttrs()...)
	} else {
		s.logger.Debug("cleanup sweep finished", result.LogAttrs()...)
	}

	return result, nil
}

// remove deletes a record file. A file that vanished since listing is not
// an error but does not count as removed by this sweep.
func (s *Store) remove(file recordFile) (bool, error) {
	if err := os.Remove(file.path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		s.logger.Warn("remove email failed", "file", file.name, "err", err)
		return false, err
	}
	return true, nil
}

func (s *Store) removeStaleTemp(entry fs.DirEntry) {
	info, err := entry.Info()
	if err != nil {
		return
	}
	if s.now().Sub(info.ModTime()) < staleTempAge {
		return
	}
	if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("remove stale temp file failed", "file", entry.Name(), "err", err)
	}
}

// readStoredAt decodes the record up to its storedAt field. The field is
// written before metadata and content, so the message body is never read.
func readStoredAt(path string) (time.Time, error) {
	file, err := os.Open(path)
	if err != nil {
		return time.Time{}, err
	}
	defer file.Close()
	return decodeStoredAt(file)
}

func decodeStoredAt(r io.Reader) (time.Time, error) {
	dec := json.NewDecoder(r)
	if tok, err := dec.Token(); err != nil {
		return time.Time{}, fmt.Errorf("decode record: %w", err)
	} else if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return time.Time{}, fmt.Errorf("decode record: not an object")
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return time.Time{}, fmt.Errorf("decode record: %w", err)
		}
		key, _ := tok.(string)
		if key != "storedAt" {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return time.Time{}, fmt.Errorf("decode record: %w", err)
			}
			continue
		}

		var storedAt time.Time
		if err := dec.Decode(&storedAt); err != nil {
			return time.Time{}, fmt.Errorf("decode storedAt: %w", err)
		}
		if storedAt.IsZero() {
			break
		}
		return storedAt, nil
	}
	return time.Time{}, fmt.Errorf("record has no storedAt")
}

func isTempName(name string) bool {
	return strings.HasPrefix(name, ".record-") && strings.HasSuffix(name, ".tmp")
}
