package gateway

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xling/gateway/internal/balancer"
	"github.com/xling/gateway/internal/config"
	"github.com/xling/gateway/internal/eventstore"
)

func timeoutCh() <-chan time.Time {
	return time.After(3 * time.Second)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(providerURL string) *config.Config {
	cfg := &config.Config{
		Providers: []config.Provider{
			{
				Name:    "primary",
				BaseURL: providerURL,
				Models:  []string{"gpt-4o"},
				APIKeys: []string{"key-1"},
				Weight:  1,
			},
		},
		DefaultModel: "gpt-4o",
		Proxy: config.ProxyConfig{
			CaptureBodies: true,
			MaxRecords:    50,
			MaxBodyBytes:  8000,
			LoadBalance:   config.StrategyFailover,
		},
	}
	return cfg
}

func newTestGateway(t *testing.T, providerURL string) *Gateway {
	t.Helper()
	cfg := testConfig(providerURL)
	store := config.NewStore(cfg)
	bal := balancer.New(cfg.Providers, cfg.Proxy.LoadBalance)
	events := eventstore.New(eventstore.Options{
		CaptureBodies: cfg.Proxy.CaptureBodies,
		MaxRecords:    cfg.Proxy.MaxRecords,
		MaxBodyBytes:  cfg.Proxy.MaxBodyBytes,
	})
	return New(store, bal, events, Options{})
}

func TestHandleProxy_NonStreamingSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("unexpected upstream path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if parsed["id"] != "cmpl-1" {
		t.Fatalf("unexpected response body %v", parsed)
	}
}

func TestHandleProxy_UpstreamErrorForwardedVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model","type":"invalid_request_error"}}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "bad model") {
		t.Fatalf("expected upstream body forwarded verbatim, got %s", rec.Body.String())
	}
}

func TestHandleProxy_StreamingPipesChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for _, chunk := range []string{
			`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n",
			"data: [DONE]\n\n",
		} {
			w.Write([]byte(chunk))
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), `"content":"hi"`) {
		t.Fatalf("expected streamed delta chunk, got %s", rec.Body.String())
	}
}

func TestHandleProxy_AnthropicDialectTranslatesRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("anthropic request should translate to /v1/chat/completions, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-2","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi there"}}],"usage":{"prompt_tokens":5,"completion_tokens":3}}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","system":"be terse","max_tokens":100,"messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if parsed["type"] != "message" {
		t.Fatalf("expected Anthropic-shaped response, got %v", parsed)
	}
}

func TestHandleProxy_ResponsesPassthroughNeverInjectsUsage(t *testing.T) {
	const upstreamBody = `{"id":"resp-1","model":"gpt-4o","output":[{"type":"message","content":[{"type":"output_text","text":"hi"}]}]}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Fatalf("passthrough request should keep its own path, got %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(upstreamBody))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	cfg := g.store.Get()
	cfg.Proxy.PassthroughResponsesAPI = []string{"gpt-4o"}
	g.store.Swap(cfg)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","input":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/responses", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != upstreamBody {
		t.Fatalf("expected byte-for-byte passthrough body, got %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "usage") {
		t.Fatalf("passthrough response must not have a usage object injected, got %s", rec.Body.String())
	}
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:0")
	cfg := g.store.Get()
	cfg.Proxy.AccessKey = "secret-token"
	g.store.Swap(cfg)

	req := httptest.NewRequest(http.MethodGet, "/proxy/records", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_AcceptsBearerToken(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:0")
	cfg := g.store.Get()
	cfg.Proxy.AccessKey = "secret-token"
	g.store.Swap(cfg)

	req := httptest.NewRequest(http.MethodGet, "/proxy/records", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:0")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if parsed["status"] != "ok" {
		t.Fatalf("unexpected health body %v", parsed)
	}
}

func TestCORSMiddleware_PreflightShortCircuits(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:0")
	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	g.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestHandleRecords_ReturnsFinalizedRecord(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), req)

	recReq := httptest.NewRequest(http.MethodGet, "/proxy/records", nil)
	recRec := httptest.NewRecorder()
	router.ServeHTTP(recRec, recReq)

	var parsed struct {
		Records []eventstore.Record `json:"records"`
	}
	if err := json.Unmarshal(recRec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(parsed.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(parsed.Records))
	}
	if parsed.Records[0].Status != http.StatusOK {
		t.Fatalf("expected finalized status 200, got %d", parsed.Records[0].Status)
	}
}

func TestHandleExport_HARFormat(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(httptest.NewRecorder(), req)

	exportReq := httptest.NewRequest(http.MethodGet, "/proxy/export?format=har", nil)
	exportRec := httptest.NewRecorder()
	router.ServeHTTP(exportRec, exportReq)

	if exportRec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", exportRec.Code, exportRec.Body.String())
	}
	var parsed map[string]any
	if err := json.Unmarshal(exportRec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	log, ok := parsed["log"].(map[string]any)
	if !ok {
		t.Fatalf("expected a HAR log object, got %v", parsed)
	}
	entries, _ := log["entries"].([]any)
	if len(entries) != 1 {
		t.Fatalf("expected 1 HAR entry, got %d", len(entries))
	}
	entry := entries[0].(map[string]any)
	ext, ok := entry["_xling"].(map[string]any)
	if !ok || ext["model"] != "gpt-4o" {
		t.Fatalf("expected _xling extension block carrying model, got %v", entry)
	}
}

func TestHandleStream_EmitsRecordEvent(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream.URL)
	router := g.Router()

	srv := httptest.NewServer(router)
	defer srv.Close()

	streamResp, err := http.Get(srv.URL + "/proxy/stream")
	if err != nil {
		t.Fatalf("GET /proxy/stream: %v", err)
	}
	defer streamResp.Body.Close()

	done := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(streamResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				done <- line
				return
			}
		}
	}()

	body := strings.NewReader(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`)
	proxyReq, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/chat/completions", body)
	proxyReq.Header.Set("Content-Type", "application/json")
	proxyResp, err := http.DefaultClient.Do(proxyReq)
	if err != nil {
		t.Fatalf("proxy request: %v", err)
	}
	proxyResp.Body.Close()

	select {
	case line := <-done:
		if !strings.Contains(line, "gpt-4o") {
			t.Fatalf("expected record event to mention the model, got %s", line)
		}
	case <-timeoutCh():
		t.Fatal("timed out waiting for stream event")
	}
}
