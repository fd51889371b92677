package gateway

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/xling/gateway/internal/classifier"
	"github.com/xling/gateway/internal/compress"
	"github.com/xling/gateway/internal/config"
	"github.com/xling/gateway/internal/dialect"
	"github.com/xling/gateway/internal/dialect/anthropic"
	"github.com/xling/gateway/internal/dialect/responses"
	"github.com/xling/gateway/internal/dialect/sse"
	"github.com/xling/gateway/internal/dialect/usage"
	"github.com/xling/gateway/internal/eventstore"
	"github.com/xling/gateway/internal/router"
)

// forwardedRequestHeaders are copied verbatim from the client's request onto
// the upstream forward, per spec.md §4.6 step 4.
var forwardedRequestHeaders = []string{"Accept", "Accept-Encoding", "X-Request-Id"}

// handleProxy implements the proxy request lifecycle of spec.md §4.6: parse,
// detect dialect, map model, then drive the retry loop until a response is
// sent to the client or providers are exhausted.
func (g *Gateway) handleProxy(c *gin.Context) {
	id := g.newRequestID()

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if len(rawBody) > 0 && strings.Contains(c.GetHeader("Content-Type"), "json") && !gjson.ValidBytes(rawBody) {
		writeError(c, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}

	cfg := g.store.Get()
	root := gjson.ParseBytes(rawBody)
	originalModel := root.Get("model").String()
	streaming := root.Get("stream").Bool()

	d := dialect.Detect(rawBody)
	responsesPassthrough := d == dialect.OpenAIResponse && dialect.MatchesPassthroughPattern(originalModel, cfg.Proxy.PassthroughResponsesAPI)

	mappedModel := router.MapModel(originalModel, cfg.Proxy.ModelMapping, cfg.DefaultModel, cfg.Providers)
	candidates, effectiveModel := router.SelectCandidates(mappedModel, cfg.Providers)
	anthropicPassthrough := d == dialect.Anthropic && allAnthropicToolFormat(cfg.Providers, candidates)
	passthrough := responsesPassthrough || anthropicPassthrough

	upstreamPath := dialect.NormalizePath(c.Request.URL.Path, d, passthrough)
	g.events.Start(id, c.Request.Method, upstreamPath, c.Request.Header, rawBody, streaming, originalModel, "")

	body := buildForwardBody(d, passthrough, effectiveModel, rawBody)

	req := &proxyRequest{
		id:             id,
		dialect:        d,
		passthrough:    passthrough,
		originalModel:  originalModel,
		mappedModel:    mappedModel,
		candidates:     candidates,
		effectiveModel: effectiveModel,
		body:           body,
		streaming:      streaming,
		upstreamPath:   upstreamPath,
		clientHeaders:  c.Request.Header.Clone(),
	}
	g.runRetryLoop(c, req)
}

// proxyRequest carries the per-request state the retry loop threads through
// its iterations.
type proxyRequest struct {
	id             string
	dialect        dialect.Dialect
	passthrough    bool
	originalModel  string
	mappedModel    string
	candidates     []string
	effectiveModel string
	body           []byte
	streaming      bool
	upstreamPath   string
	clientHeaders  http.Header
}

// maxRetryIterations implements spec.md §4.6 step 4's retry budget:
// max(1, providers*2), collapsed to 1 when key rotation is disabled.
func maxRetryIterations(cfg *config.Config, candidates []string) int {
	if !cfg.Proxy.KeyRotation.Enabled {
		return 1
	}
	n := len(candidates)
	if n == 0 {
		n = len(cfg.Providers)
	}
	if n < 1 {
		n = 1
	}
	return n * 2
}

func (g *Gateway) runRetryLoop(c *gin.Context, req *proxyRequest) {
	cfg := g.store.Get()
	maxIter := maxRetryIterations(cfg, req.candidates)

	var lastStatus int
	var lastBody []byte
	haveLast := false
	retryCount := 0

	for iter := 0; iter < maxIter; iter++ {
		cfg = g.store.Get()

		newMapped := router.MapModel(req.originalModel, cfg.Proxy.ModelMapping, cfg.DefaultModel, cfg.Providers)
		if newMapped != req.mappedModel {
			req.mappedModel = newMapped
			req.candidates, req.effectiveModel = router.SelectCandidates(req.mappedModel, cfg.Providers)
			req.body = patchModel(req.body, req.effectiveModel)
		}

		_, providerName, keyIndex := g.balancer.Select(req.candidates)
		if providerName == "" {
			log.WithField("request_id", req.id).Debug("no provider available for candidates")
			break
		}
		if keyIndex < 0 {
			retryCount++
			continue
		}

		provider, ok := findProvider(cfg.Providers, providerName)
		if !ok {
			retryCount++
			continue
		}
		apiKey := provider.APIKeys[keyIndex]

		log.WithFields(log.Fields{"request_id": req.id, "provider": providerName, "key_index": keyIndex, "model": req.effectiveModel}).Debug("selected provider")

		g.events.Update(req.id, func(r *eventstore.Record) {
			r.Provider = providerName
			r.Model = req.effectiveModel
		})

		resp, cancel, upstreamDuration, err := g.forward(c.Request.Context(), provider, apiKey, req.upstreamPath, req.body, req.clientHeaders)
		if err != nil {
			result := classifier.ClassifyTransport(err)
			g.balancer.ReportError(providerName, keyIndex, result, cfg.Proxy.KeyRotation.CooldownMs)
			log.WithFields(log.Fields{"request_id": req.id, "provider": providerName, "error": result.Kind}).Warn("transport error reaching upstream")
			if result.Retryable && cfg.Proxy.KeyRotation.Enabled {
				retryCount++
				continue
			}
			g.finalize(req.id, http.StatusBadGateway, nil, nil, upstreamDuration, retryCount, result.Kind, result.Message)
			writeError(c, http.StatusBadGateway, "upstream", result.Message)
			return
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			g.balancer.ReportSuccess(providerName, keyIndex)
			if req.streaming {
				g.streamSuccess(c, req, resp, cancel, upstreamDuration, retryCount)
			} else {
				g.respondSuccess(c, req, resp, cancel, upstreamDuration, retryCount)
			}
			return
		}

		upstreamBody, _ := readAndDecode(resp)
		cancel()
		result := classifier.ClassifyHTTP(resp.StatusCode, upstreamBody)
		lastStatus, lastBody, haveLast = resp.StatusCode, upstreamBody, true

		if result.ShouldRotateKey {
			g.balancer.ReportError(providerName, keyIndex, result, cfg.Proxy.KeyRotation.CooldownMs)
		}
		log.WithFields(log.Fields{"request_id": req.id, "provider": providerName, "status": resp.StatusCode, "error": result.Kind}).Warn("upstream returned an error status")
		if result.Retryable && cfg.Proxy.KeyRotation.Enabled {
			retryCount++
			continue
		}

		g.finalizeUpstreamBody(c, req.id, resp.StatusCode, resp.Header, upstreamBody, upstreamDuration, retryCount, result)
		return
	}

	if haveLast {
		g.finalizeUpstreamBody(c, req.id, lastStatus, nil, lastBody, 0, retryCount, classifier.ClassifyHTTP(lastStatus, lastBody))
		return
	}
	log.WithField("request_id", req.id).Error("no providers available after exhausting retries")
	g.finalize(req.id, http.StatusServiceUnavailable, nil, nil, 0, retryCount, "unknown", "no available providers")
	writeError(c, http.StatusServiceUnavailable, "unknown", "no providers are currently available")
}

// forward issues the upstream HTTP call. The returned cancel must be called
// once the caller is done with resp.Body.
func (g *Gateway) forward(ctx context.Context, provider config.Provider, apiKey, path string, body []byte, clientHeaders http.Header) (*http.Response, context.CancelFunc, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout(provider))

	url := strings.TrimRight(provider.BaseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, 0, err
	}

	for k, v := range provider.Headers {
		httpReq.Header.Set(k, v)
	}
	for _, name := range forwardedRequestHeaders {
		if v := clientHeaders.Get(name); v != "" {
			httpReq.Header.Set(name, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	duration := time.Since(started)
	if err != nil {
		cancel()
		return nil, nil, duration, err
	}
	return resp, cancel, duration, nil
}

// readAndDecode reads resp.Body fully and transparently decompresses it per
// Content-Encoding (C12), closing the body.
func readAndDecode(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return compress.Decode(resp.Header.Get("Content-Encoding"), raw)
}

func findProvider(providers []config.Provider, name string) (config.Provider, bool) {
	for _, p := range providers {
		if p.Name == name {
			return p, true
		}
	}
	return config.Provider{}, false
}

// allAnthropicToolFormat reports whether every candidate provider (or, if
// candidates is empty, every configured provider) speaks Anthropic's native
// tool format — in which case an Anthropic-dialect client request can be
// forwarded untranslated instead of round-tripping through the OpenAI
// canonical shape.
func allAnthropicToolFormat(providers []config.Provider, candidates []string) bool {
	var allow map[string]bool
	if len(candidates) > 0 {
		allow = make(map[string]bool, len(candidates))
		for _, name := range candidates {
			allow[name] = true
		}
	}
	found := false
	for _, p := range providers {
		if allow != nil && !allow[p.Name] {
			continue
		}
		found = true
		if p.ToolFormat != config.ToolFormatAnthropic {
			return false
		}
	}
	return found
}

// buildForwardBody converts rawBody into the shape the upstream provider
// expects: untouched (besides patching the model field) when passing
// through, else translated to OpenAI Chat Completions per spec.md §4.3.1/§4.3.4.
func buildForwardBody(d dialect.Dialect, passthrough bool, effectiveModel string, rawBody []byte) []byte {
	if passthrough {
		return patchModel(rawBody, effectiveModel)
	}
	switch d {
	case dialect.Anthropic:
		return anthropic.ConvertRequestToOpenAI(effectiveModel, rawBody)
	case dialect.OpenAIResponse:
		return responses.ConvertRequestToOpenAI(effectiveModel, rawBody)
	default:
		return patchModel(rawBody, effectiveModel)
	}
}

func patchModel(body []byte, model string) []byte {
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return body
	}
	return out
}

// translateResponseBody converts an upstream OpenAI-shaped response back to
// the client's dialect per spec.md §4.3.2/§4.3.4, filling in an estimated
// usage object first (C11) when the upstream omitted one.
func translateResponseBody(d dialect.Dialect, passthrough bool, originalModel string, requestBody, upstreamBody []byte) ([]byte, *eventstore.TokenEstimate) {
	// Passthrough means the response is returned byte-for-byte (spec.md
	// §4.3.5, §8 scenario 4): never splice a fabricated usage object in.
	if passthrough {
		return upstreamBody, nil
	}

	var estimate *eventstore.TokenEstimate
	if !gjson.GetBytes(upstreamBody, "usage").Exists() {
		promptTokens := usage.EstimatePromptTokens(originalModel, requestBody)
		completionText := gjson.GetBytes(upstreamBody, "choices.0.message.content").String()
		var toolArgs []string
		gjson.GetBytes(upstreamBody, "choices.0.message.tool_calls").ForEach(func(_, call gjson.Result) bool {
			toolArgs = append(toolArgs, call.Get("function.arguments").String())
			return true
		})
		completionTokens := usage.EstimateCompletionTokens(originalModel, completionText, toolArgs)
		upstreamBody, _ = sjson.SetBytes(upstreamBody, "usage.prompt_tokens", promptTokens)
		upstreamBody, _ = sjson.SetBytes(upstreamBody, "usage.completion_tokens", completionTokens)
		estimate = &eventstore.TokenEstimate{PromptTokens: promptTokens, CompletionTokens: completionTokens, Estimated: true}
	}

	switch d {
	case dialect.Anthropic:
		return anthropic.ConvertResponseFromOpenAI(upstreamBody, originalModel), estimate
	case dialect.OpenAIResponse:
		return responses.ConvertResponseFromOpenAI(upstreamBody, originalModel), estimate
	default:
		return upstreamBody, estimate
	}
}

// newStreamTransformer returns the byte-stream transformer appropriate for
// the client dialect, or nil for a dialect that needs no translation
// (OpenAI Chat, or a passed-through Responses/Anthropic stream).
func newStreamTransformer(d dialect.Dialect, passthrough bool) func([]byte) []byte {
	if passthrough {
		return nil
	}
	switch d {
	case dialect.Anthropic:
		tr := sse.NewTransformer()
		return tr.Transform
	case dialect.OpenAIResponse:
		tr := responses.NewTransformer()
		return tr.Transform
	default:
		return nil
	}
}
