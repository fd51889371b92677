package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/xling/gateway/internal/classifier"
	"github.com/xling/gateway/internal/eventstore"
)

// finalize records a terminal outcome that never reached an upstream
// response body (transport failure, exhausted retries).
func (g *Gateway) finalize(id string, status int, responseHeaders http.Header, responseBody []byte, upstreamDuration time.Duration, retryCount int, errType classifier.Kind, errMessage string) {
	g.events.Finalize(id, eventstore.FinalizeOptions{
		Status:             status,
		DurationMs:         upstreamDuration.Milliseconds(),
		ResponseHeaders:    responseHeaders,
		ResponseBody:       responseBody,
		UpstreamDurationMs: upstreamDuration.Milliseconds(),
		ErrorType:          string(errType),
		ErrorMessage:       errMessage,
		RetryCount:         retryCount,
	})
}

// finalizeUpstreamBody forwards a non-2xx upstream response verbatim to the
// client (spec.md §4.6 step 4: terminal errors are not translated) and
// records it.
func (g *Gateway) finalizeUpstreamBody(c *gin.Context, id string, status int, upstreamHeaders http.Header, body []byte, upstreamDuration time.Duration, retryCount int, result classifier.Result) {
	c.Data(status, "application/json", body)

	log.WithFields(log.Fields{"request_id": id, "status": status, "error": result.Kind, "retry": retryCount}).Error("request finalized with upstream error")

	g.events.Finalize(id, eventstore.FinalizeOptions{
		Status:             status,
		UpstreamStatus:     status,
		DurationMs:         upstreamDuration.Milliseconds(),
		UpstreamDurationMs: upstreamDuration.Milliseconds(),
		ResponseHeaders:    upstreamHeaders,
		ResponseBody:       body,
		UpstreamHeaders:    upstreamHeaders,
		UpstreamBody:       body,
		ErrorType:          string(result.Kind),
		ErrorMessage:       result.Message,
		RetryCount:         retryCount,
	})
}

// respondSuccess handles a non-streaming 2xx upstream response: decode,
// translate back to the client dialect, write, and finalize the record.
func (g *Gateway) respondSuccess(c *gin.Context, req *proxyRequest, resp *http.Response, cancel func(), upstreamDuration time.Duration, retryCount int) {
	defer cancel()
	upstreamBody, err := readAndDecode(resp)
	if err != nil {
		g.finalize(req.id, http.StatusBadGateway, nil, nil, upstreamDuration, retryCount, classifier.KindUpstream, "failed to read upstream response: "+err.Error())
		writeError(c, http.StatusBadGateway, "upstream", "failed to read upstream response")
		return
	}

	clientBody, estimate := translateResponseBody(req.dialect, req.passthrough, req.originalModel, req.body, upstreamBody)
	c.Data(http.StatusOK, "application/json", clientBody)

	log.WithFields(log.Fields{"request_id": req.id, "model": req.effectiveModel, "status": http.StatusOK, "retry": retryCount}).Info("request finalized")

	g.events.Finalize(req.id, eventstore.FinalizeOptions{
		Status:             http.StatusOK,
		UpstreamStatus:     resp.StatusCode,
		DurationMs:         upstreamDuration.Milliseconds(),
		UpstreamDurationMs: upstreamDuration.Milliseconds(),
		ResponseHeaders:    http.Header{"Content-Type": []string{"application/json"}},
		ResponseBody:       clientBody,
		UpstreamHeaders:    resp.Header,
		UpstreamBody:       upstreamBody,
		RetryCount:         retryCount,
		TokenEstimate:      estimate,
	})
}

// streamSuccess handles a streaming 2xx upstream response: pipe upstream SSE
// bytes through the dialect transformer (or verbatim when passthrough) to
// the client, flushing after every chunk, then finalize the record once the
// upstream stream closes or the client disconnects.
func (g *Gateway) streamSuccess(c *gin.Context, req *proxyRequest, resp *http.Response, cancel func(), upstreamDuration time.Duration, retryCount int) {
	defer cancel()
	defer resp.Body.Close()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)
	transform := newStreamTransformer(req.dialect, req.passthrough)

	data, errs := readUpstreamChunks(c.Request.Context(), resp.Body)
	var written int
	for {
		select {
		case <-c.Request.Context().Done():
			g.events.Finalize(req.id, eventstore.FinalizeOptions{
				Status:             0,
				UpstreamStatus:     resp.StatusCode,
				DurationMs:         upstreamDuration.Milliseconds(),
				UpstreamDurationMs: upstreamDuration.Milliseconds(),
				ErrorType:          string(classifier.KindNetwork),
				ErrorMessage:       "client disconnected",
				RetryCount:         retryCount,
			})
			return
		case chunk, ok := <-data:
			if !ok {
				log.WithFields(log.Fields{"request_id": req.id, "model": req.effectiveModel, "bytes": written, "retry": retryCount}).Info("stream finalized")
				g.events.Finalize(req.id, eventstore.FinalizeOptions{
					Status:             http.StatusOK,
					UpstreamStatus:     resp.StatusCode,
					DurationMs:         upstreamDuration.Milliseconds(),
					UpstreamDurationMs: upstreamDuration.Milliseconds(),
					ResponseHeaders:    http.Header{"Content-Type": []string{"text/event-stream"}},
					UpstreamHeaders:    resp.Header,
					RetryCount:         retryCount,
				})
				return
			}
			out := chunk
			if transform != nil {
				out = transform(chunk)
			}
			if len(out) > 0 {
				_, _ = c.Writer.Write(out)
				written += len(out)
				if canFlush {
					flusher.Flush()
				}
			}
		case streamErr, ok := <-errs:
			if !ok {
				continue
			}
			g.events.Finalize(req.id, eventstore.FinalizeOptions{
				Status:             http.StatusOK,
				UpstreamStatus:     resp.StatusCode,
				DurationMs:         upstreamDuration.Milliseconds(),
				UpstreamDurationMs: upstreamDuration.Milliseconds(),
				ErrorType:          string(classifier.KindNetwork),
				ErrorMessage:       streamErr.Error(),
				RetryCount:         retryCount,
			})
			return
		}
	}
}
