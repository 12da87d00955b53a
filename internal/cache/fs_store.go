package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultPollInterval = 500 * time.Millisecond

// Options tunes store construction.
type Options struct {
	// Logger receives prune/enumerate warnings. Defaults to a discard logger.
	Logger *logrus.Logger
	// PollInterval bounds how stale a WaitFor observation can be when the
	// fsnotify fast path is unavailable. Defaults to 500ms.
	PollInterval time.Duration
}

// New builds a directory-pair store rooted at basePath, creating the base,
// pending and active directories as needed. One instance is constructed at
// process start and shared by every consumer.
func New(basePath string, opts Options) (Store, error) {
	if basePath == "" {
		return nil, errors.New("cache base path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve cache path: %w", err)
	}

	s := &fileStore{
		baseDir:      abs,
		activeDir:    filepath.Join(abs, "active"),
		pendingDir:   filepath.Join(abs, "pending"),
		logger:       opts.Logger,
		pollInterval: opts.PollInterval,
	}
	if s.logger == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		s.logger = logger
	}
	if s.pollInterval <= 0 {
		s.pollInterval = defaultPollInterval
	}

	for _, dir := range []string{s.baseDir, s.pendingDir, s.activeDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}
	return s, nil
}

// fileStore owns the pending/active directory pair. It keeps no in-memory
// index: the directory listing is the source of truth, which is what lets
// multiple processes share one store.
type fileStore struct {
	baseDir      string
	activeDir    string
	pendingDir   string
	logger       *logrus.Logger
	pollInterval time.Duration
}

func (s *fileStore) activePath(id string) string  { return filepath.Join(s.activeDir, id) }
func (s *fileStore) pendingPath(id string) string { return filepath.Join(s.pendingDir, id) }

func (s *fileStore) Lookup(ctx context.Context, id string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	locations := []struct {
		path  string
		state State
	}{
		{s.activePath(id), StateActive},
		{s.pendingPath(id), StatePending},
	}
	for _, loc := range locations {
		entry, err := readEntry(loc.path, id, loc.state)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, ErrNotFound
}

func (s *fileStore) Create(ctx context.Context, id string, category Category, payload []byte) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateID(id); err != nil {
		return "", err
	}

	if fileExists(s.activePath(id)) {
		return CreateResultExisting, nil
	}

	temp, err := writeEntryTemp(s.pendingDir, category, payload)
	if err != nil {
		return "", err
	}
	defer os.Remove(temp)

	// link(2) fails with EEXIST when the pending record is already there,
	// collapsing the check-then-create race into one atomic outcome. The
	// loser's payload is discarded with its temp file.
	if err := os.Link(temp, s.pendingPath(id)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return CreateResultExisting, nil
		}
		return "", fmt.Errorf("create entry %s: %w", id, err)
	}

	// A promotion may have flipped the id active while we were writing the
	// temp file. Back out our pending record so the identifier keeps living
	// in exactly one directory.
	if fileExists(s.activePath(id)) {
		if err := os.Remove(s.pendingPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.WithFields(logrus.Fields{
				"action": "create",
				"entry":  id,
			}).Warn(err.Error())
		}
		return CreateResultExisting, nil
	}
	return CreateResultCreated, nil
}

func (s *fileStore) Promote(ctx context.Context, id string, category Category, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}

	pending := s.pendingPath(id)
	if !fileExists(pending) {
		if fileExists(s.activePath(id)) {
			return fmt.Errorf("promote %s: %w", id, ErrAlreadyActive)
		}
		return fmt.Errorf("promote %s: %w", id, ErrNotFound)
	}

	temp, err := writeEntryTemp(s.pendingDir, category, payload)
	if err != nil {
		return err
	}
	defer os.Remove(temp)

	// Replace the pending record with the final content, then flip it
	// active. The second rename is the single atomicity boundary: once it
	// returns, every lookup from any process observes the complete entry.
	if err := os.Rename(temp, pending); err != nil {
		return fmt.Errorf("promote %s: %w", id, err)
	}
	if err := os.Rename(pending, s.activePath(id)); err != nil {
		return fmt.Errorf("promote %s: %w", id, err)
	}
	return nil
}

func (s *fileStore) Prune(ctx context.Context, isExpired func(id string) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Collect the full removal set before deleting anything. The predicate
	// sees identifiers only; pruning is O(names) and never opens a file.
	var doomed []string
	for _, dir := range []string{s.pendingDir, s.activeDir} {
		names, err := listIDs(dir)
		if err != nil {
			return 0, fmt.Errorf("prune: %w", err)
		}
		for _, id := range names {
			if isExpired(id) {
				doomed = append(doomed, filepath.Join(dir, id))
			}
		}
	}

	removed := 0
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			// A concurrent sweep may have won the race; anything else is
			// logged and skipped so one bad file cannot stall the sweep.
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.WithFields(logrus.Fields{
					"action": "prune",
					"path":   path,
				}).Warn(err.Error())
			}
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *fileStore) Enumerate(ctx context.Context, state State) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := s.pendingDir
	if state == StateActive {
		dir = s.activeDir
	}
	ids, err := listIDs(dir)
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", state, err)
	}

	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := readEntry(filepath.Join(dir, id), id, state)
		if errors.Is(err, fs.ErrNotExist) {
			continue // pruned or promoted since the listing
		}
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"action": "enumerate",
				"entry":  id,
			}).Warn(err.Error())
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (s *fileStore) Counts(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}

	active, err := listIDs(s.activeDir)
	if err != nil {
		return Counts{}, err
	}
	pending, err := listIDs(s.pendingDir)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Active: len(active), Pending: len(pending)}, nil
}

// listIDs returns the identifiers present in dir, skipping temp files and
// stray subdirectories.
func listIDs(dir string) ([]string, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(dirents))
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, name)
	}
	return ids, nil
}

// validateID rejects identifiers that would escape the store directories.
func validateID(id string) error {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("invalid entry id %q: %w", id, ErrNotFound)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
