package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/kentik/kentik-image-cache/internal/cache"
	"github.com/kentik/kentik-image-cache/internal/fingerprint"
	"github.com/kentik/kentik-image-cache/internal/render"
	"github.com/kentik/kentik-image-cache/internal/service"
)

var testPNG = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

type fakeService struct {
	createID     string
	createResult cache.CreateResult
	createErr    error
	lastQuery    []byte
	lastTTL      time.Duration

	entry  *cache.Entry
	getErr error
	lastID string

	info    *service.Info
	infoErr error

	pruned   int
	pruneErr error
}

func (f *fakeService) CreateRequest(_ context.Context, query []byte, ttl time.Duration) (string, cache.CreateResult, error) {
	f.lastQuery = append([]byte(nil), query...)
	f.lastTTL = ttl
	return f.createID, f.createResult, f.createErr
}

func (f *fakeService) GetImage(_ context.Context, id string) (*cache.Entry, error) {
	f.lastID = id
	return f.entry, f.getErr
}

func (f *fakeService) Info(context.Context) (*service.Info, error) {
	return f.info, f.infoErr
}

func (f *fakeService) Prune(context.Context) (int, error) {
	return f.pruned, f.pruneErr
}

func newTestApp(t *testing.T, svc ImageService) *fiberTestApp {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{
		Logger:     logger,
		Service:    svc,
		ListenPort: 8000,
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return &fiberTestApp{t: t, app: app}
}

type fiberTestApp struct {
	t   *testing.T
	app *fiber.App
}

func (a *fiberTestApp) do(req *http.Request) *http.Response {
	a.t.Helper()
	resp, err := a.app.Test(req)
	if err != nil {
		a.t.Fatalf("app.Test: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
	return body
}

func TestCreateRequestReturnsID(t *testing.T) {
	svc := &fakeService{createID: "deadbeef_1000000000.000000", createResult: cache.CreateResultCreated}
	app := newTestApp(t, svc)

	req := httptest.NewRequest(http.MethodPost, "/requests",
		strings.NewReader(`{"api_query": {"queries": []}, "ttl": 120}`))
	req.Header.Set("Content-Type", "application/json")

	resp := app.do(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body := decodeBody(t, resp)
	if body["id"] != svc.createID {
		t.Errorf("id = %v, want %q", body["id"], svc.createID)
	}
	if svc.lastTTL != 120*time.Second {
		t.Errorf("ttl = %v, want 120s", svc.lastTTL)
	}
	if string(svc.lastQuery) != `{"queries": []}` {
		t.Errorf("query = %q", svc.lastQuery)
	}
}

func TestCreateRequestMissingQuery(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"absent", `{"ttl": 60}`},
		{"null", `{"api_query": null, "ttl": 60}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, &fakeService{})

			req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")

			resp := app.do(req)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
			}
			body := decodeBody(t, resp)
			if body["type"] != "invalid request" {
				t.Errorf("type = %v, want %q", body["type"], "invalid request")
			}
		})
	}
}

func TestCreateRequestMalformedBody(t *testing.T) {
	app := newTestApp(t, &fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/requests", strings.NewReader("not json"))
	req.Header.Set("Content-Type", "application/json")

	resp := app.do(req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
}

func TestGetImageServesResult(t *testing.T) {
	payload, err := render.EncodeImage(&render.Image{Type: render.ImageTypePNG, Data: testPNG})
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	svc := &fakeService{entry: &cache.Entry{
		ID:       "deadbeef_1000000000.000000",
		Category: cache.CategoryResult,
		State:    cache.StateActive,
		Payload:  payload,
	}}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodGet, "/image/deadbeef_1000000000.000000", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q, want image/png", ct)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(data, testPNG) {
		t.Errorf("body = %x, want %x", data, testPNG)
	}
}

func TestGetImagePendingTimesOut(t *testing.T) {
	svc := &fakeService{entry: &cache.Entry{
		ID:       "deadbeef_1000000000.000000",
		Category: cache.CategoryRequest,
		State:    cache.StatePending,
	}}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodGet, "/image/deadbeef_1000000000.000000", nil))
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusRequestTimeout)
	}
	body := decodeBody(t, resp)
	if body["type"] != "timeout" {
		t.Errorf("type = %v, want %q", body["type"], "timeout")
	}
}

func TestGetImageReplaysUpstreamError(t *testing.T) {
	payload := render.EncodeError(&render.UpstreamError{
		StatusCode: http.StatusForbidden,
		Messages:   []string{"API access denied"},
	})
	svc := &fakeService{entry: &cache.Entry{
		ID:       "deadbeef_1000000000.000000",
		Category: cache.CategoryError,
		State:    cache.StateActive,
		Payload:  payload,
	}}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodGet, "/image/deadbeef_1000000000.000000", nil))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	body := decodeBody(t, resp)
	msgs, ok := body["msg"].([]any)
	if !ok || len(msgs) != 1 || msgs[0] != "API access denied" {
		t.Errorf("msg = %v, want [API access denied]", body["msg"])
	}
}

func TestGetImageErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid id", fingerprint.ErrInvalidID, http.StatusBadRequest},
		{"not found", cache.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newTestApp(t, &fakeService{getErr: tc.err})

			resp := app.do(httptest.NewRequest(http.MethodGet, "/image/whatever", nil))
			if resp.StatusCode != tc.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.status)
			}
		})
	}
}

func TestInfoListsEntries(t *testing.T) {
	svc := &fakeService{info: &service.Info{
		ActiveCount:  1,
		PendingCount: 2,
		ActiveEntries: []service.EntryInfo{{
			ID:   "deadbeef_1000000000.000000",
			Type: string(cache.CategoryResult),
		}},
		PendingEntries: []service.EntryInfo{},
	}}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodGet, "/info", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["active_count"] != float64(1) {
		t.Errorf("active_count = %v, want 1", body["active_count"])
	}
	if body["pending_count"] != float64(2) {
		t.Errorf("pending_count = %v, want 2", body["pending_count"])
	}
}

func TestHealthzReportsCounts(t *testing.T) {
	svc := &fakeService{info: &service.Info{ActiveCount: 3, PendingCount: 0}}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["active_count"] != float64(3) {
		t.Errorf("active_count = %v, want 3", body["active_count"])
	}
}

func TestPruneReportsRemoved(t *testing.T) {
	svc := &fakeService{pruned: 4}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodPost, "/prune", nil))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	body := decodeBody(t, resp)
	if body["removed"] != float64(4) {
		t.Errorf("removed = %v, want 4", body["removed"])
	}
}

func TestRequestIDHeader(t *testing.T) {
	svc := &fakeService{info: &service.Info{}}
	app := newTestApp(t, svc)

	resp := app.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}
}
