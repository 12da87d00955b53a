package cache

import (
	"context"
	"errors"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitFor blocks the calling goroutine until the entry leaves the pending
// state. Producer and consumer may be different processes sharing only the
// filesystem, so the primitive is a cooperative polling loop rather than an
// in-process condition variable. When the platform delivers filesystem
// events, a watcher on the active directory re-checks immediately after a
// promotion lands, cutting the latency well below the poll interval; the
// poll loop remains the correctness backstop.
//
// Outcomes:
//   - entry became active: the active entry is returned.
//   - entry absent with no pending record: ErrNotFound.
//   - timeout elapsed: the last observed pending entry with nil error.
//     A timeout is a result for the caller to map, not a failure.
func (s *fileStore) WaitFor(ctx context.Context, id string, timeout time.Duration) (*Entry, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// A nil events channel blocks forever, which degrades the select below
	// to pure polling when the watcher cannot be established.
	var events chan fsnotify.Event
	var watchErrs chan error
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		if err := watcher.Add(s.activeDir); err == nil {
			events = watcher.Events
			watchErrs = watcher.Errors
		}
		defer watcher.Close()
	}

	for {
		entry, err := s.Lookup(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, ErrNotFound
		case err != nil:
			return nil, err
		case entry.State == StateActive:
			return entry, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return entry, nil
		case <-ticker.C:
		case <-events:
		case <-watchErrs:
		}
	}
}
