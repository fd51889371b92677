// Package router implements the Model Router (C4): mapping a client-requested
// model name to an effective model per the configured mapping table, and
// narrowing the provider candidate set for the Load Balancer accordingly.
package router

import (
	"strings"

	"github.com/xling/gateway/internal/config"
)

// MapModel implements spec.md §4.4 step 1-2. The precedence order —
// exact mapping, then longest-prefix wildcard, then "is this model already
// supported by some provider", then the mapping's "*" entry, then
// defaultModel, then the original model — is preserved exactly as specified,
// including the documented Open Question that a provider-supported model
// short-circuits before the "*" wildcard is considered.
func MapModel(requestedModel string, modelMapping map[string]string, defaultModel string, providers []config.Provider) string {
	if requestedModel == "" {
		return defaultModel
	}

	if target, ok := modelMapping[requestedModel]; ok {
		return target
	}

	if target, ok := longestPrefixMatch(requestedModel, modelMapping); ok {
		return target
	}

	if anyProviderSupports(requestedModel, providers) {
		return requestedModel
	}

	if target, ok := modelMapping["*"]; ok {
		return target
	}

	if defaultModel != "" {
		return defaultModel
	}

	return requestedModel
}

// longestPrefixMatch scans modelMapping for "prefix*" patterns (excluding the
// bare "*" wildcard, which is handled separately after the provider-support
// check) and returns the target of the longest matching prefix.
func longestPrefixMatch(model string, modelMapping map[string]string) (string, bool) {
	bestLen := -1
	bestTarget := ""
	found := false
	for pattern, target := range modelMapping {
		if pattern == "*" || !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.TrimSuffix(pattern, "*")
		if prefix == "" {
			continue
		}
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			bestLen = len(prefix)
			bestTarget = target
			found = true
		}
	}
	return bestTarget, found
}

// bidirectionalPrefixMatch implements the §4.4 "bidirectional prefix" model
// equivalence: a equals b if either is a prefix of the other.
func bidirectionalPrefixMatch(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

func anyProviderSupports(model string, providers []config.Provider) bool {
	for _, p := range providers {
		for _, m := range p.Models {
			if bidirectionalPrefixMatch(m, model) {
				return true
			}
		}
	}
	return false
}

// SelectCandidates implements spec.md §4.4's provider-selection rule for a
// mapped model: an explicit "provider,model" form pins a single provider;
// otherwise the set of providers that support the model is returned, or nil
// (meaning "let the load balancer choose from every configured provider")
// when none do.
//
// When a "provider,model" form is used, the returned effectiveModel has the
// "provider," prefix stripped so downstream dialect translation sends the
// bare model name upstream.
func SelectCandidates(mappedModel string, providers []config.Provider) (candidates []string, effectiveModel string) {
	if idx := strings.Index(mappedModel, ","); idx > 0 {
		providerName := mappedModel[:idx]
		modelName := mappedModel[idx+1:]
		for _, p := range providers {
			if p.Name == providerName {
				return []string{providerName}, modelName
			}
		}
		// Named provider doesn't exist: fall through to normal matching
		// against the bare string so the request still has a chance.
	}

	var matched []string
	for _, p := range providers {
		for _, m := range p.Models {
			if bidirectionalPrefixMatch(m, mappedModel) {
				matched = append(matched, p.Name)
				break
			}
		}
	}
	if len(matched) == 0 {
		return nil, mappedModel
	}
	return matched, mappedModel
}
