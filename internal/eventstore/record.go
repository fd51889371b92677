// Package eventstore implements the Event Store (C5): a bounded in-memory
// ring of ProxyRecords, secret redaction on stored headers, and a
// subscriber fan-out for the live /proxy/stream endpoint.
package eventstore

import "time"

// Capture is one of the three body/header capture slots a ProxyRecord holds
// (request, upstream, response).
type Capture struct {
	Headers     map[string]string `json:"headers,omitempty"`
	BodyPreview string            `json:"bodyPreview,omitempty"`
	Truncated   bool              `json:"truncated"`
	Size        int               `json:"size"`
}

// TokenEstimate is the optional, additive usage estimate C11 fills in when
// an upstream response omits a real usage object. It never overrides a real
// one and is not required by any spec.md-listed invariant.
type TokenEstimate struct {
	PromptTokens     int  `json:"promptTokens"`
	CompletionTokens int  `json:"completionTokens"`
	Estimated        bool `json:"estimated"`
}

// Record is one audit entry per client request (spec.md §3 ProxyRecord).
type Record struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Path   string `json:"path"`

	Model    string `json:"model"`
	Provider string `json:"provider,omitempty"`

	Streaming bool `json:"streaming"`
	Status    int  `json:"status,omitempty"`

	DurationMs        int64 `json:"durationMs,omitempty"`
	UpstreamStatus    int   `json:"upstreamStatus,omitempty"`
	UpstreamDurationMs int64 `json:"upstreamDurationMs,omitempty"`
	RetryCount        int   `json:"retryCount"`

	ErrorType    string `json:"errorType,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	Request  Capture `json:"request"`
	Upstream Capture `json:"upstream"`
	Response Capture `json:"response"`

	TokenEstimate *TokenEstimate `json:"tokenEstimate,omitempty"`
}

// Clone deep-copies a Record so subscribers and snapshot callers never
// observe a record the store is still mutating.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Request.Headers = cloneHeaders(r.Request.Headers)
	cp.Upstream.Headers = cloneHeaders(r.Upstream.Headers)
	cp.Response.Headers = cloneHeaders(r.Response.Headers)
	if r.TokenEstimate != nil {
		te := *r.TokenEstimate
		cp.TokenEstimate = &te
	}
	return &cp
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
