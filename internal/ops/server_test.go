package ops

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"guardbridge/internal/config"
	"guardbridge/internal/model"
	"guardbridge/internal/pipeline"
)

type fakePipeline struct {
	mu       sync.Mutex
	enqueued []model.ObjectRef
	busy     bool
	ready    bool
	health   pipeline.Report
}

func (p *fakePipeline) Enqueue(ref model.ObjectRef) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return false
	}
	p.enqueued = append(p.enqueued, ref)
	return true
}

func (p *fakePipeline) Health() pipeline.Report { return p.health }

func (p *fakePipeline) Ready() bool { return p.ready }

func testServer(t *testing.T, pipe *fakePipeline) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Ops.Host = "127.0.0.1"
	cfg.Ops.Port = 9464
	cfg.Azure.ClientSecret = "hidden-secret"
	cfg.Source.Bucket = "findings"
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewServer(cfg, pipe, logger)
}

func notifyBody(keys ...string) string {
	var records []string
	for _, k := range keys {
		records = append(records, `{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"findings"},"object":{"key":"`+k+`","size":42,"eTag":"abc"}}}`)
	}
	return `{"Records":[` + strings.Join(records, ",") + `]}`
}

func TestNotifyEnqueuesObjects(t *testing.T) {
	pipe := &fakePipeline{ready: true}
	srv := testServer(t, pipe)

	req := httptest.NewRequest(http.MethodPost, "/v1/notify", strings.NewReader(notifyBody("AWSLogs/a.jsonl.gz", "AWSLogs/b.jsonl.gz")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(pipe.enqueued) != 2 {
		t.Fatalf("enqueued %d refs, want 2", len(pipe.enqueued))
	}
	if pipe.enqueued[0].Bucket != "findings" || pipe.enqueued[0].Key != "AWSLogs/a.jsonl.gz" {
		t.Errorf("unexpected ref %+v", pipe.enqueued[0])
	}
}

func TestNotifyDecodesURLEncodedKeys(t *testing.T) {
	pipe := &fakePipeline{ready: true}
	srv := testServer(t, pipe)

	req := httptest.NewRequest(http.MethodPost, "/v1/notify", strings.NewReader(notifyBody("AWSLogs%2F2026%2Ffindings+1.jsonl.gz")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d", w.Code)
	}
	if got := pipe.enqueued[0].Key; got != "AWSLogs/2026/findings 1.jsonl.gz" {
		t.Errorf("key = %q", got)
	}
}

func TestNotifyBusySignals429(t *testing.T) {
	pipe := &fakePipeline{busy: true}
	srv := testServer(t, pipe)

	req := httptest.NewRequest(http.MethodPost, "/v1/notify", strings.NewReader(notifyBody("k")))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
}

func TestNotifyRejectsMalformedPayload(t *testing.T) {
	srv := testServer(t, &fakePipeline{})
	for _, body := range []string{"not json", `{"Records":[]}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/notify", strings.NewReader(body))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestHealthzStatusCodes(t *testing.T) {
	pipe := &fakePipeline{health: pipeline.Report{Status: pipeline.StatusHealthy}}
	srv := testServer(t, pipe)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("healthy: status = %d", w.Code)
	}

	pipe.health.Status = pipeline.StatusUnhealthy
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d, want 503", w.Code)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("healthz payload not JSON: %v", err)
	}
	if payload["status"] != pipeline.StatusUnhealthy {
		t.Errorf("payload status = %v", payload["status"])
	}
}

func TestReadyz(t *testing.T) {
	pipe := &fakePipeline{ready: true}
	srv := testServer(t, pipe)

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("ready: status = %d", w.Code)
	}

	pipe.ready = false
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("draining: status = %d, want 503", w.Code)
	}
}

func TestConfigzRedacts(t *testing.T) {
	srv := testServer(t, &fakePipeline{})

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/configz?format=json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "hidden-secret") {
		t.Error("client secret leaked through /configz")
	}
	if !strings.Contains(body, "findings") {
		t.Error("non-secret config missing from /configz")
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := testServer(t, &fakePipeline{})
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("version payload: %v", err)
	}
	if payload["version"] == "" {
		t.Error("version missing")
	}
}
