package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kentik/kentik-image-cache/internal/cache"
	"github.com/kentik/kentik-image-cache/internal/fingerprint"
	"github.com/kentik/kentik-image-cache/internal/render"
)

var testPNG = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// rendererFunc adapts a function to render.Renderer.
type rendererFunc func(ctx context.Context, query json.RawMessage) (*render.Image, error)

func (f rendererFunc) Render(ctx context.Context, query json.RawMessage) (*render.Image, error) {
	return f(ctx, query)
}

func okRenderer() rendererFunc {
	return func(context.Context, json.RawMessage) (*render.Image, error) {
		return &render.Image{Type: render.ImageTypePNG, Data: testPNG}, nil
	}
}

func newTestService(t *testing.T, renderer render.Renderer) *Service {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store, err := cache.New(t.TempDir(), cache.Options{Logger: logger, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	svc, err := New(Options{
		Store:        store,
		Codec:        fingerprint.NewCodec(),
		Renderer:     renderer,
		Logger:       logger,
		DefaultTTL:   time.Minute,
		WaitTimeout:  2 * time.Second,
		FetchWorkers: 4,
	})
	if err != nil {
		t.Fatalf("service error: %v", err)
	}
	return svc
}

func TestCreateRequestRendersAndPromotes(t *testing.T) {
	svc := newTestService(t, okRenderer())
	ctx := context.Background()

	id, result, err := svc.CreateRequest(ctx, []byte(`{"metric": "bytes"}`), 0)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	if result != cache.CreateResultCreated {
		t.Fatalf("expected created, got %s", result)
	}

	svc.Drain()

	entry, err := svc.GetImage(ctx, id)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if entry.State != cache.StateActive || entry.Category != cache.CategoryResult {
		t.Fatalf("unexpected entry: state=%s category=%s", entry.State, entry.Category)
	}

	img, err := render.DecodeImage(entry.Payload)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if !bytes.Equal(img.Data, testPNG) {
		t.Fatalf("image bytes mismatch: %v", img.Data)
	}
}

func TestCreateRequestDeduplicates(t *testing.T) {
	var renders atomic.Int32
	svc := newTestService(t, rendererFunc(func(context.Context, json.RawMessage) (*render.Image, error) {
		renders.Add(1)
		return &render.Image{Type: render.ImageTypePNG, Data: testPNG}, nil
	}))
	ctx := context.Background()

	// Formatting differences must not defeat deduplication.
	first, res1, err := svc.CreateRequest(ctx, []byte(`{"metric":"bytes"}`), time.Minute)
	if err != nil {
		t.Fatalf("first create error: %v", err)
	}
	svc.Drain()
	second, res2, err := svc.CreateRequest(ctx, []byte(` {"metric": "bytes"} `), time.Minute)
	if err != nil {
		t.Fatalf("second create error: %v", err)
	}
	svc.Drain()

	if first != second {
		t.Fatalf("equivalent queries produced different ids: %s vs %s", first, second)
	}
	if res1 != cache.CreateResultCreated || res2 != cache.CreateResultExisting {
		t.Fatalf("unexpected results: %s, %s", res1, res2)
	}
	if renders.Load() != 1 {
		t.Fatalf("existing entry must not re-render: %d renders", renders.Load())
	}
}

func TestCreateRequestRejectsInvalidJSON(t *testing.T) {
	svc := newTestService(t, okRenderer())
	if _, _, err := svc.CreateRequest(context.Background(), []byte(`{broken`), time.Minute); err == nil {
		t.Fatalf("invalid json should fail")
	}
	if _, _, err := svc.CreateRequest(context.Background(), nil, time.Minute); err == nil {
		t.Fatalf("empty query should fail")
	}
}

func TestUpstreamErrorIsPersisted(t *testing.T) {
	svc := newTestService(t, rendererFunc(func(context.Context, json.RawMessage) (*render.Image, error) {
		return nil, &render.UpstreamError{StatusCode: 403, Messages: []string{"forbidden"}}
	}))
	ctx := context.Background()

	id, _, err := svc.CreateRequest(ctx, []byte(`{"q":1}`), time.Minute)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	svc.Drain()

	entry, err := svc.GetImage(ctx, id)
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	if entry.Category != cache.CategoryError {
		t.Fatalf("expected error category, got %s", entry.Category)
	}

	upstream, err := render.DecodeError(entry.Payload)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if upstream.StatusCode != 403 || upstream.Messages[0] != "forbidden" {
		t.Fatalf("persisted failure mismatch: %+v", upstream)
	}
}

func TestClassifyRenderError(t *testing.T) {
	upstream := classifyRenderError(&render.UpstreamError{StatusCode: 429, Messages: []string{"slow down"}})
	if upstream.StatusCode != 429 {
		t.Fatalf("typed failure should pass through: %+v", upstream)
	}

	upstream = classifyRenderError(context.DeadlineExceeded)
	if upstream.StatusCode != 500 || upstream.Messages[0] != "Request timeout" {
		t.Fatalf("timeout mapping mismatch: %+v", upstream)
	}

	upstream = classifyRenderError(errors.New("connection refused"))
	if upstream.StatusCode != 504 {
		t.Fatalf("unknown failure should map to 504: %+v", upstream)
	}
}

func TestGetImageInvalidAndExpired(t *testing.T) {
	svc := newTestService(t, okRenderer())
	ctx := context.Background()

	if _, err := svc.GetImage(ctx, "not-a-valid-id"); !errors.Is(err, fingerprint.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := svc.GetImage(ctx, "deadbeef_1000000000.0"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expired id should report not found, got %v", err)
	}
}

func TestRecoverPendingReplaysRenders(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	dir := t.TempDir()
	store, err := cache.New(dir, cache.Options{Logger: logger, PollInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	// Simulate a crash: a pending request entry exists but no render is in
	// flight.
	codec := fingerprint.NewCodec()
	id := codec.Encode([]byte(`{"q":1}`), time.Minute)
	if _, err := store.Create(context.Background(), id, cache.CategoryRequest, []byte(`{"q":1}`)); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	var gotQuery atomic.Value
	svc, err := New(Options{
		Store: store,
		Codec: codec,
		Renderer: rendererFunc(func(_ context.Context, query json.RawMessage) (*render.Image, error) {
			gotQuery.Store(string(query))
			return &render.Image{Type: render.ImageTypePNG, Data: testPNG}, nil
		}),
		Logger:       logger,
		DefaultTTL:   time.Minute,
		WaitTimeout:  time.Second,
		FetchWorkers: 2,
	})
	if err != nil {
		t.Fatalf("service error: %v", err)
	}

	if err := svc.RecoverPending(context.Background()); err != nil {
		t.Fatalf("recover error: %v", err)
	}
	svc.Drain()

	if gotQuery.Load() != `{"q":1}` {
		t.Fatalf("stored request not replayed: %v", gotQuery.Load())
	}
	entry, err := store.Lookup(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if entry.State != cache.StateActive {
		t.Fatalf("recovered entry should be active, got %s", entry.State)
	}
}

func TestPruneRemovesExpired(t *testing.T) {
	svc := newTestService(t, okRenderer())
	ctx := context.Background()

	// An entry whose identifier-embedded expiry is already in the past.
	expired := fingerprint.EncodeAt([]byte("old"), time.Now().Add(-time.Minute))
	if _, err := svc.store.Create(ctx, expired, cache.CategoryRequest, []byte("old")); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	live, _, err := svc.CreateRequest(ctx, []byte(`{"fresh":true}`), time.Hour)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	svc.Drain()

	removed, err := svc.Prune(ctx)
	if err != nil {
		t.Fatalf("prune error: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removal, got %d", removed)
	}
	if _, err := svc.store.Lookup(ctx, expired); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expired entry survived prune: %v", err)
	}
	if _, err := svc.store.Lookup(ctx, live); err != nil {
		t.Fatalf("live entry removed by prune: %v", err)
	}
}

func TestInfoListsEntries(t *testing.T) {
	svc := newTestService(t, okRenderer())
	ctx := context.Background()

	id, _, err := svc.CreateRequest(ctx, []byte(`{"q":1}`), time.Hour)
	if err != nil {
		t.Fatalf("create error: %v", err)
	}
	svc.Drain()

	info, err := svc.Info(ctx)
	if err != nil {
		t.Fatalf("info error: %v", err)
	}
	if info.ActiveCount != 1 || info.PendingCount != 0 {
		t.Fatalf("unexpected counts: %+v", info)
	}
	entry := info.ActiveEntries[0]
	if entry.ID != id || entry.Type != string(cache.CategoryResult) {
		t.Fatalf("unexpected entry info: %+v", entry)
	}
	if entry.RemainingSeconds <= 0 || entry.RemainingSeconds > time.Hour.Seconds() {
		t.Fatalf("remaining ttl out of range: %f", entry.RemainingSeconds)
	}
}
