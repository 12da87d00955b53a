// Package service orchestrates the cache lifecycle: request intake and
// deduplication, background render dispatch, promotion of results, startup
// recovery of interrupted renders, and periodic pruning. It owns no state
// beyond the injected collaborators; the store is the single source of
// truth.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kentik/kentik-image-cache/internal/cache"
	"github.com/kentik/kentik-image-cache/internal/fingerprint"
	"github.com/kentik/kentik-image-cache/internal/logging"
	"github.com/kentik/kentik-image-cache/internal/render"
)

// Options wires the service's collaborators.
type Options struct {
	Store    cache.Store
	Codec    *fingerprint.Codec
	Renderer render.Renderer
	Logger   *logrus.Logger
	// DefaultTTL applies when a request carries no ttl of its own.
	DefaultTTL time.Duration
	// WaitTimeout bounds how long GetImage blocks on a pending render.
	WaitTimeout time.Duration
	// FetchWorkers caps concurrent renders; additional dispatches queue.
	FetchWorkers int64
}

// Service is the single process-wide cache orchestrator, handed to every
// consumer (HTTP handlers, pruner, recovery) after construction.
type Service struct {
	store       cache.Store
	codec       *fingerprint.Codec
	renderer    render.Renderer
	logger      *logrus.Logger
	defaultTTL  time.Duration
	waitTimeout time.Duration
	workers     *semaphore.Weighted

	wg sync.WaitGroup
}

// New validates the wiring and returns a ready Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("fingerprint codec is required")
	}
	if opts.Renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.DefaultTTL <= 0 {
		return nil, fmt.Errorf("invalid default ttl: %v", opts.DefaultTTL)
	}
	if opts.WaitTimeout <= 0 {
		return nil, fmt.Errorf("invalid wait timeout: %v", opts.WaitTimeout)
	}
	if opts.FetchWorkers <= 0 {
		return nil, fmt.Errorf("invalid fetch worker count: %d", opts.FetchWorkers)
	}

	return &Service{
		store:       opts.Store,
		codec:       opts.Codec,
		renderer:    opts.Renderer,
		logger:      opts.Logger,
		defaultTTL:  opts.DefaultTTL,
		waitTimeout: opts.WaitTimeout,
		workers:     semaphore.NewWeighted(opts.FetchWorkers),
	}, nil
}

// CreateRequest fingerprints the query, creates the pending entry unless one
// already exists, and dispatches the render for fresh entries. The returned
// identifier is handed to the client for later retrieval either way.
func (s *Service) CreateRequest(ctx context.Context, query []byte, ttl time.Duration) (string, cache.CreateResult, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	// Compact the query so fingerprints are stable across clients that
	// format the same JSON differently.
	var buf bytes.Buffer
	if err := compactJSON(&buf, query); err != nil {
		return "", "", fmt.Errorf("invalid query: %w", err)
	}
	content := buf.Bytes()

	id := s.codec.Encode(content, ttl)
	result, err := s.store.Create(ctx, id, cache.CategoryRequest, content)
	if err != nil {
		return "", "", err
	}

	fields := logging.EntryFields("create", id)
	fields["ttl"] = ttl.String()
	fields["result"] = string(result)
	s.logger.WithFields(fields).Info("request registered")

	if result == cache.CreateResultCreated {
		s.dispatch(id, content)
	}
	return id, result, nil
}

// dispatch hands the render to the worker pool without blocking the caller.
// Promote is the only synchronization point between the worker and the rest
// of the system.
func (s *Service) dispatch(id string, query []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.workers.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer s.workers.Release(1)
		s.fetch(context.Background(), id, query)
	}()
}

// fetch executes one render and promotes the outcome, image or persisted
// failure, so subsequent reads never re-invoke the remote call.
func (s *Service) fetch(ctx context.Context, id string, query []byte) {
	s.logger.WithFields(logging.EntryFields("fetch", id)).Info("render started")
	started := time.Now()

	img, err := s.renderer.Render(ctx, query)
	if err != nil {
		upstream := classifyRenderError(err)
		fields := logging.EntryFields("fetch", id)
		fields["status_code"] = upstream.StatusCode
		s.logger.WithFields(fields).Error(err.Error())

		s.promote(ctx, id, cache.CategoryError, render.EncodeError(upstream))
		return
	}

	payload, err := render.EncodeImage(img)
	if err != nil {
		s.logger.WithFields(logging.EntryFields("fetch", id)).Error(err.Error())
		s.promote(ctx, id, cache.CategoryError, render.EncodeError(&render.UpstreamError{
			StatusCode: 500,
			Messages:   []string{"failed to encode rendered image"},
		}))
		return
	}

	fields := logging.EntryFields("fetch", id)
	fields["image_type"] = string(img.Type)
	fields["size"] = len(img.Data)
	fields["elapsed"] = time.Since(started).String()
	s.logger.WithFields(fields).Info("render complete")

	s.promote(ctx, id, cache.CategoryResult, payload)
}

func (s *Service) promote(ctx context.Context, id string, category cache.Category, payload []byte) {
	if err := s.store.Promote(ctx, id, category, payload); err != nil {
		// The entry may have expired and been pruned while the render was
		// in flight; nothing to deliver the result to.
		s.logger.WithFields(logging.EntryFields("promote", id)).Warn(err.Error())
	}
}

// classifyRenderError maps a render failure onto the persisted error shape:
// typed upstream failures pass through, timeouts become a 500 with the
// canonical message, anything else is reported as a 504.
func classifyRenderError(err error) *render.UpstreamError {
	var upstream *render.UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &render.UpstreamError{StatusCode: 500, Messages: []string{"Request timeout"}}
	}

	return &render.UpstreamError{StatusCode: 504, Messages: []string{err.Error()}}
}

// GetImage validates and resolves an identifier, waiting out an in-flight
// render up to the configured timeout. Expired or undecodable identifiers
// report ErrNotFound before touching the store. A still-pending entry comes
// back with State == StatePending for the transport layer to map.
func (s *Service) GetImage(ctx context.Context, id string) (*cache.Entry, error) {
	if _, err := fingerprint.Decode(id); err != nil {
		return nil, err
	}
	if s.codec.IsExpired(id) {
		return nil, cache.ErrNotFound
	}
	return s.store.WaitFor(ctx, id, s.waitTimeout)
}

// Prune removes every expired entry from both directories.
func (s *Service) Prune(ctx context.Context) (int, error) {
	removed, err := s.store.Prune(ctx, s.codec.IsExpired)
	if err != nil {
		return 0, err
	}
	counts, countErr := s.store.Counts(ctx)
	fields := logrus.Fields{"action": "prune", "removed": removed}
	if countErr == nil {
		fields["active"] = counts.Active
		fields["pending"] = counts.Pending
	}
	s.logger.WithFields(fields).Info("cache pruning complete")
	return removed, nil
}

// RecoverPending replays the render for every entry left pending by a
// previous process crash. The pending payload is the original request, so
// recovery needs no external input.
func (s *Service) RecoverPending(ctx context.Context) error {
	entries, err := s.store.Enumerate(ctx, cache.StatePending)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Category != cache.CategoryRequest {
			s.logger.WithFields(logging.EntryFields("recover", entry.ID)).
				Warnf("skipping pending entry with category %s", entry.Category)
			continue
		}
		s.logger.WithFields(logging.EntryFields("recover", entry.ID)).Info("restarting pending render")
		s.dispatch(entry.ID, entry.Payload)
	}
	return nil
}

// RunPruner sweeps the store once per period until ctx is canceled. The
// startup sweep is issued separately before the service accepts traffic.
func (s *Service) RunPruner(ctx context.Context, period time.Duration) {
	s.logger.WithFields(logrus.Fields{
		"action": "pruner",
		"period": period.String(),
	}).Info("scheduling periodic cache pruning")

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				s.logger.WithFields(logrus.Fields{"action": "prune"}).Error(err.Error())
			}
		}
	}
}

// Drain blocks until every dispatched render has finished, for shutdown and
// tests.
func (s *Service) Drain() {
	s.wg.Wait()
}

// compactJSON validates the raw query and writes its canonical (whitespace
// free) form into buf.
func compactJSON(buf *bytes.Buffer, raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty query")
	}
	return json.Compact(buf, raw)
}
