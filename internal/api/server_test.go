package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/streamgazer/detection.report/internal/config"
	"github.com/streamgazer/detection.report/internal/notify"
	"github.com/streamgazer/detection.report/internal/testutil"
	"github.com/streamgazer/detection.report/internal/vi"
	"github.com/streamgazer/detection.report/internal/vi/aggregate"
	"github.com/streamgazer/detection.report/internal/vi/batch"
)

type mockIngester struct {
	mu    sync.Mutex
	calls []struct {
		key  vi.StreamKey
		dets []vi.Detection
	}
}

func (m *mockIngester) Ingest(key vi.StreamKey, dets []vi.Detection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, struct {
		key  vi.StreamKey
		dets []vi.Detection
	}{key, dets})
}

func (m *mockIngester) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (m *mockNotifier) Notify(msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return m.err
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

type mockLister struct {
	summaries []*aggregate.Summary
	err       error
	gotDays   int
}

func (m *mockLister) ListSummaries(days int) ([]*aggregate.Summary, error) {
	m.gotDays = days
	return m.summaries, m.err
}

func newTestServer() (*Server, *mockIngester, *mockNotifier, *mockLister) {
	ingester := &mockIngester{}
	notifier := &mockNotifier{}
	lister := &mockLister{}
	srv := NewServer(ingester, notifier, lister, config.EmptyTuningConfig())
	return srv, ingester, notifier, lister
}

func TestHealthCheck(t *testing.T) {
	srv, _, _, _ := newTestServer()

	req := testutil.NewTestRequest(http.MethodGet, "/health")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var body map[string]string
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&body))
	if body["status"] != "healthy" {
		t.Errorf("status = %q, want 'healthy'", body["status"])
	}
}

func TestWebhookLifecycleEvent(t *testing.T) {
	srv, ingester, notifier, _ := newTestServer()

	payload := `{
		"name": "stream.started",
		"timestamp": 1700000000000,
		"context": {"stream": "test", "app": "live", "vhost": "_defaultVHost_"}
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "success" {
		t.Errorf("status = %q, want 'success'", body["status"])
	}
	if notifier.count() != 1 {
		t.Errorf("got %d notifications, want 1", notifier.count())
	}
	if ingester.callCount() != 0 {
		t.Errorf("lifecycle events must not reach the batcher, got %d calls", ingester.callCount())
	}
}

func TestWebhookDetectionEventBatched(t *testing.T) {
	srv, ingester, notifier, _ := newTestServer()

	payload := `{
		"name": "video.intelligence.detection",
		"context": {"stream": "test", "app": "live"},
		"data": {"vi_data": [{"frame_id": 1, "detections": [
			{"class_name": "person", "confidence": 0.9, "bbox": {"x": 10, "y": 10, "w": 50, "h": 100}}
		]}]}
	}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	// Should NOT notify immediately (batched)
	if notifier.count() != 0 {
		t.Errorf("got %d notifications, want 0", notifier.count())
	}
	if ingester.callCount() != 1 {
		t.Fatalf("got %d ingest calls, want 1", ingester.callCount())
	}

	call := ingester.calls[0]
	if call.key != (vi.StreamKey{App: "live", Stream: "test"}) {
		t.Errorf("key = %+v", call.key)
	}
	if len(call.dets) != 1 || call.dets[0].ClassName != "person" || call.dets[0].FrameID != 1 {
		t.Errorf("detections = %+v", call.dets)
	}
}

func TestWebhookInvalidJSON(t *testing.T) {
	srv, _, _, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookEmptyPayload(t *testing.T) {
	srv, _, notifier, _ := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if notifier.count() != 0 {
		t.Error("empty payload should not notify")
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	srv, _, _, _ := newTestServer()

	req := testutil.NewTestRequest(http.MethodGet, "/webhook")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestWebhookNotifyFailureStill200(t *testing.T) {
	srv, _, notifier, _ := newTestServer()
	notifier.err = errors.New("slack down")

	payload := `{"name": "stream.stopped", "context": {"stream": "test", "app": "live"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	// Upstream webhook sender cannot retry usefully; stay 200.
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestListSummaries(t *testing.T) {
	srv, _, _, lister := newTestServer()
	lister.summaries = []*aggregate.Summary{
		{SummaryID: "sum_a", App: "live", Stream: "cam1", TotalDetections: 5},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/summaries?days=7", nil)
	rec := httptest.NewRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if lister.gotDays != 7 {
		t.Errorf("days = %d, want 7", lister.gotDays)
	}

	var got []*aggregate.Summary
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(got) != 1 || got[0].SummaryID != "sum_a" {
		t.Errorf("got %+v", got)
	}
}

func TestListSummariesDefaultDays(t *testing.T) {
	srv, _, _, lister := newTestServer()

	req := testutil.NewTestRequest(http.MethodGet, "/api/summaries")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	if lister.gotDays != 1 {
		t.Errorf("days = %d, want default 1", lister.gotDays)
	}
}

func TestListSummariesInvalidDays(t *testing.T) {
	srv, _, _, _ := newTestServer()

	for _, q := range []string{"days=abc", "days=0", "days=-3"} {
		req := testutil.NewTestRequest(http.MethodGet, "/api/summaries?"+q)
		rec := testutil.NewTestRecorder()
		srv.ServeMux().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestListSummariesStoreError(t *testing.T) {
	srv, _, _, lister := newTestServer()
	lister.err = errors.New("db locked")

	req := testutil.NewTestRequest(http.MethodGet, "/api/summaries")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)
}

func TestListSummariesNoStore(t *testing.T) {
	srv := NewServer(&mockIngester{}, &mockNotifier{}, nil, nil)

	req := testutil.NewTestRequest(http.MethodGet, "/api/summaries")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)
}

func TestShowConfig(t *testing.T) {
	srv, _, _, _ := newTestServer()

	req := testutil.NewTestRequest(http.MethodGet, "/api/config")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var cfg map[string]interface{}
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	if cfg["batch_window"] != "10s" {
		t.Errorf("batch_window = %v, want '10s'", cfg["batch_window"])
	}
	if cfg["max_batch_size"] != float64(1000) {
		t.Errorf("max_batch_size = %v, want 1000", cfg["max_batch_size"])
	}
	if cfg["iou_threshold"] != 0.3 {
		t.Errorf("iou_threshold = %v, want 0.3", cfg["iou_threshold"])
	}
}

type statsIngester struct {
	mockIngester
	stats batch.Stats
}

func (s *statsIngester) Stats() batch.Stats { return s.stats }

func TestShowConfigPipelineStats(t *testing.T) {
	ingester := &statsIngester{stats: batch.Stats{Flushes: 2, Summaries: 5}}
	srv := NewServer(ingester, &mockNotifier{}, nil, config.EmptyTuningConfig())

	req := testutil.NewTestRequest(http.MethodGet, "/api/config")
	rec := testutil.NewTestRecorder()
	srv.ServeMux().ServeHTTP(rec, req)

	var cfg map[string]interface{}
	testutil.AssertNoError(t, json.NewDecoder(rec.Body).Decode(&cfg))
	pipeline, ok := cfg["pipeline"].(map[string]interface{})
	if !ok {
		t.Fatalf("pipeline stats missing from config: %v", cfg)
	}
	if pipeline["flushes"] != float64(2) || pipeline["summaries"] != float64(5) {
		t.Errorf("pipeline = %v", pipeline)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	wrapped := LoggingMiddleware(handler)

	req := testutil.NewTestRequest(http.MethodGet, "/health")
	rec := testutil.NewTestRecorder()
	wrapped.ServeHTTP(rec, req)

	testutil.AssertStatusCode(t, rec.Code, http.StatusTeapot)
}
