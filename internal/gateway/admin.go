package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/xling/gateway/internal/eventstore"
)

// handleRecords serves GET /proxy/records: a snapshot of every retained
// record, newest first (spec.md §6.3).
func (g *Gateway) handleRecords(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"records": g.events.Snapshot()})
}

// handleStream serves GET /proxy/stream: SSE of live record updates with a
// 15s heartbeat, per spec.md §6.2/§6.3.
func (g *Gateway) handleStream(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, canFlush := c.Writer.(http.Flusher)

	updates := make(chan *eventstore.Record, 64)
	unsubscribe := g.events.Subscribe(func(r *eventstore.Record) {
		select {
		case updates <- r:
		default:
		}
	})
	defer unsubscribe()
	log.Debug("admin stream subscriber connected")
	defer log.Debug("admin stream subscriber disconnected")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case rec := <-updates:
			data, err := recordJSON(rec)
			if err != nil {
				continue
			}
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			if canFlush {
				flusher.Flush()
			}
		case <-heartbeat.C:
			_, _ = c.Writer.Write([]byte(": keepalive\n\n"))
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

// handleExport serves GET /proxy/export?format=json|har&ids=a,b,c.
func (g *Gateway) handleExport(c *gin.Context) {
	format := c.DefaultQuery("format", "json")
	records := g.events.Snapshot()

	if idsParam := c.Query("ids"); idsParam != "" {
		allow := make(map[string]bool)
		for _, id := range strings.Split(idsParam, ",") {
			allow[strings.TrimSpace(id)] = true
		}
		filtered := records[:0]
		for _, r := range records {
			if allow[r.ID] {
				filtered = append(filtered, r)
			}
		}
		records = filtered
	}

	switch format {
	case "har":
		c.JSON(http.StatusOK, buildHAR(records))
	case "json", "":
		c.JSON(http.StatusOK, gin.H{"records": records})
	default:
		writeError(c, http.StatusBadRequest, "invalid_request", "unsupported export format "+format)
	}
}

// buildHAR renders records as a minimal HAR log, each entry carrying an
// "_xling" extension block with the fields spec.md §6.3 names.
func buildHAR(records []*eventstore.Record) gin.H {
	entries := make([]gin.H, 0, len(records))
	for _, r := range records {
		entries = append(entries, gin.H{
			"startedDateTime": r.StartedAt.Format(time.RFC3339Nano),
			"time":            r.DurationMs,
			"request": gin.H{
				"method":      r.Method,
				"url":         r.Path,
				"headers":     headerList(r.Request.Headers),
				"postData":    gin.H{"mimeType": "application/json", "text": r.Request.BodyPreview},
				"httpVersion": "HTTP/1.1",
			},
			"response": gin.H{
				"status":      r.Status,
				"headers":     headerList(r.Response.Headers),
				"content":     gin.H{"mimeType": "application/json", "text": r.Response.BodyPreview, "size": r.Response.Size},
				"httpVersion": "HTTP/1.1",
			},
			"_xling": gin.H{
				"model":     r.Model,
				"provider":  r.Provider,
				"streaming": r.Streaming,
				"truncated": r.Request.Truncated || r.Response.Truncated,
			},
		})
	}
	return gin.H{
		"log": gin.H{
			"version": "1.2",
			"creator": gin.H{"name": "xling-gateway", "version": "1.0"},
			"entries": entries,
		},
	}
}

func headerList(headers map[string]string) []gin.H {
	out := make([]gin.H, 0, len(headers))
	for name, value := range headers {
		out = append(out, gin.H{"name": name, "value": value})
	}
	return out
}

// handleAnalyze serves POST /proxy/analyze {id, prompt?, model?}: SSE of
// data:{text:"…"} or data:{error:"…"}, driven by the external completion
// function spec.md §1 treats as an opaque collaborator.
func (g *Gateway) handleAnalyze(c *gin.Context) {
	var body struct {
		ID     string `json:"id"`
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "malformed analyze request")
		return
	}
	if g.analyze == nil {
		writeError(c, http.StatusNotFound, "invalid_request", "analysis is not configured")
		return
	}
	rec := g.events.Get(body.ID)
	if rec == nil {
		writeError(c, http.StatusNotFound, "invalid_request", "unknown record id")
		return
	}
	log.WithFields(log.Fields{"record_id": body.ID, "model": body.Model}).Info("analysis requested")

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.WriteHeader(http.StatusOK)
	flusher, canFlush := c.Writer.(http.Flusher)

	text, errs := g.analyze(sanitizedSummary(rec), body.Prompt, body.Model)
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case chunk, ok := <-text:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, `data: {"text":%q}`+"\n\n", chunk)
			if canFlush {
				flusher.Flush()
			}
		case err, ok := <-errs:
			if !ok {
				continue
			}
			fmt.Fprintf(c.Writer, `data: {"error":%q}`+"\n\n", err.Error())
			if canFlush {
				flusher.Flush()
			}
			return
		}
	}
}

// sanitizedSummary renders the subset of a record safe to hand an external
// completion function: never the headers (already redacted, but still
// excluded here); bodies appear only as their stored, size-bounded previews.
func sanitizedSummary(r *eventstore.Record) string {
	return fmt.Sprintf(
		"method=%s path=%s model=%s provider=%s status=%d streaming=%t durationMs=%d requestPreview=%s responsePreview=%s",
		r.Method, r.Path, r.Model, r.Provider, r.Status, r.Streaming, r.DurationMs, r.Request.BodyPreview, r.Response.BodyPreview,
	)
}

func recordJSON(r *eventstore.Record) ([]byte, error) {
	return json.Marshal(r)
}
