package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// handleHealth serves GET /health and GET /: {status, providers[], loadBalance}.
func (g *Gateway) handleHealth(c *gin.Context) {
	cfg := g.store.Get()
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"providers":   g.balancer.HealthyNames(),
		"loadBalance": cfg.Proxy.LoadBalance,
	})
}

// handleStats serves GET /stats: the load balancer's per-provider counters.
func (g *Gateway) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"providers": g.balancer.Snapshot(),
	})
}

// handleModels serves GET /v1/models and GET /models: a synthesised OpenAI
// models list containing both "provider,model" and bare model ids, the
// first provider configured for a given bare id winning that slot.
func (g *Gateway) handleModels(c *gin.Context) {
	cfg := g.store.Get()
	now := time.Now().Unix()

	seenBare := make(map[string]bool)
	var data []gin.H
	for _, p := range cfg.Providers {
		for _, m := range p.Models {
			data = append(data, gin.H{
				"id":       p.Name + "," + m,
				"object":   "model",
				"created":  now,
				"owned_by": p.Name,
			})
			if !seenBare[m] {
				seenBare[m] = true
				data = append(data, gin.H{
					"id":       m,
					"object":   "model",
					"created":  now,
					"owned_by": p.Name,
				})
			}
		}
	}
	if data == nil {
		data = []gin.H{}
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   data,
	})
}
