// Package balancer implements the Load Balancer (C2): per-provider and
// per-key health state, provider/key selection per the configured strategy,
// and the recovery path spec.md §4.2 describes for when every provider has
// run out of available keys.
//
// ProviderStates and KeyStates are exclusively owned by the Balancer; callers
// only ever observe them through Select/Report/Snapshot, which serialize
// access with per-provider locks so concurrent request handlers never race.
package balancer

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/xling/gateway/internal/classifier"
	"github.com/xling/gateway/internal/config"
)

// KeyState is the runtime health record for one API key within a provider.
type KeyState struct {
	Healthy       bool
	LastUsed      time.Time
	LastError     string
	LastErrorTime time.Time
	CooldownUntil time.Time
}

// ProviderState is the runtime health record for one configured provider.
type ProviderState struct {
	mu              sync.Mutex
	Name            string
	Healthy         bool
	CurrentKeyIndex int
	FailedKeys      map[int]bool
	Keys            []*KeyState
	LastError       string
	LastErrorTime   time.Time
	RequestCount    int64
	ErrorCount      int64
}

// Snapshot is an immutable copy of a ProviderState safe to hand to callers
// (e.g. the /stats endpoint) without risking a data race on further writes.
type Snapshot struct {
	Name            string
	Healthy         bool
	CurrentKeyIndex int
	KeyCount        int
	FailedKeys      int
	RequestCount    int64
	ErrorCount      int64
	LastError       string
}

// Balancer owns ProviderState/KeyState for every configured provider and
// implements provider/key selection for the four strategies spec.md §4.2
// names.
type Balancer struct {
	mu        sync.RWMutex
	providers map[string]*ProviderState
	order     []string // config order, for failover/round-robin tiebreaks
	strategy  config.LoadBalanceStrategy
	weights   map[string]int
	priority  map[string]int
	cursor    int64 // round-robin cursor, guarded by cursorMu
	cursorMu  sync.Mutex
	rng       *rand.Rand
	rngMu     sync.Mutex
}

// New builds a Balancer for the given providers and strategy. Calling New
// again (e.g. after a config reload adds/removes a provider) should go
// through Reconcile instead, so in-flight health state for providers that
// still exist is preserved.
func New(providers []config.Provider, strategy config.LoadBalanceStrategy) *Balancer {
	b := &Balancer{
		providers: make(map[string]*ProviderState),
		strategy:  strategy,
		weights:   make(map[string]int),
		priority:  make(map[string]int),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	b.Reconcile(providers, strategy)
	return b
}

// Reconcile updates the balancer's provider set and strategy in place,
// keeping existing ProviderState/KeyState for providers that are still
// configured (so in-flight cooldowns/health survive a hot config reload)
// and initializing fresh state for newly added providers.
func (b *Balancer) Reconcile(providers []config.Provider, strategy config.LoadBalanceStrategy) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.strategy = strategy
	newOrder := make([]string, 0, len(providers))
	newWeights := make(map[string]int, len(providers))
	newPriority := make(map[string]int, len(providers))

	for _, p := range providers {
		newOrder = append(newOrder, p.Name)
		newWeights[p.Name] = p.Weight
		newPriority[p.Name] = p.Priority

		if existing, ok := b.providers[p.Name]; ok {
			existing.mu.Lock()
			if len(existing.Keys) != len(p.APIKeys) {
				existing.Keys = make([]*KeyState, len(p.APIKeys))
				for i := range existing.Keys {
					existing.Keys[i] = &KeyState{Healthy: true}
				}
				existing.CurrentKeyIndex = 0
				existing.FailedKeys = make(map[int]bool)
				existing.Healthy = true
			}
			existing.mu.Unlock()
			continue
		}

		ps := &ProviderState{
			Name:       p.Name,
			Healthy:    true,
			FailedKeys: make(map[int]bool),
			Keys:       make([]*KeyState, len(p.APIKeys)),
		}
		for i := range ps.Keys {
			ps.Keys[i] = &KeyState{Healthy: true}
		}
		b.providers[p.Name] = ps
	}

	b.order = newOrder
	b.weights = newWeights
	b.priority = newPriority
}

// availableLocked reports whether at least one key on the provider is currently
// selectable (healthy, or past its cooldown).
func (ps *ProviderState) availableLocked(now time.Time) bool {
	for _, k := range ps.Keys {
		if k.Healthy || now.After(k.CooldownUntil) || now.Equal(k.CooldownUntil) {
			return true
		}
	}
	return false
}

// availableProviders returns the ProviderState of every provider, in config
// order, that currently has at least one selectable key.
func (b *Balancer) availableProviders(now time.Time) []*ProviderState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*ProviderState
	for _, name := range b.order {
		ps := b.providers[name]
		if ps == nil {
			continue
		}
		ps.mu.Lock()
		ok := ps.availableLocked(now)
		ps.mu.Unlock()
		if ok {
			out = append(out, ps)
		}
	}
	return out
}

// Select picks a provider among candidates (provider names the model router
// deemed eligible; empty means "all configured providers") per the
// configured strategy, then selects a key within it. Returns (nil, "", -1)
// if no provider among the candidates has an available key and recovery
// (see recover) also found nothing to reset — which happens when no
// providers are configured at all, or when no candidate names a configured
// provider.
func (b *Balancer) Select(candidates []string) (*ProviderState, string, int) {
	now := time.Now()

	pool := b.availableProviders(now)
	if len(candidates) > 0 {
		allow := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			allow[c] = true
		}
		filtered := pool[:0:0]
		for _, ps := range pool {
			if allow[ps.Name] {
				filtered = append(filtered, ps)
			}
		}
		pool = filtered
	}

	if len(pool) == 0 {
		recovered := b.recover(candidates)
		if recovered == nil {
			return nil, "", -1
		}
		pool = []*ProviderState{recovered}
	}

	chosen := b.pick(pool)
	if chosen == nil {
		return nil, "", -1
	}

	keyIndex := b.selectKey(chosen, now)
	if keyIndex < 0 {
		// Lost the race against a concurrent rotation; caller retries.
		return nil, "", -1
	}
	return chosen, chosen.Name, keyIndex
}

// pick applies the configured strategy over an already-available pool.
func (b *Balancer) pick(pool []*ProviderState) *ProviderState {
	b.mu.RLock()
	strategy := b.strategy
	priority := b.priority
	weights := b.weights
	order := b.order
	b.mu.RUnlock()

	switch strategy {
	case config.StrategyRoundRobin:
		b.cursorMu.Lock()
		idx := b.cursor % int64(len(pool))
		b.cursor++
		b.cursorMu.Unlock()
		return pool[idx]

	case config.StrategyRandom:
		b.rngMu.Lock()
		idx := b.rng.Intn(len(pool))
		b.rngMu.Unlock()
		return pool[idx]

	case config.StrategyWeighted:
		total := 0
		for _, ps := range pool {
			w := weights[ps.Name]
			if w <= 0 {
				w = 1
			}
			total += w
		}
		b.rngMu.Lock()
		r := b.rng.Intn(total)
		b.rngMu.Unlock()
		for _, ps := range pool {
			w := weights[ps.Name]
			if w <= 0 {
				w = 1
			}
			if r < w {
				return ps
			}
			r -= w
		}
		return pool[len(pool)-1]

	default: // failover
		sorted := append([]*ProviderState(nil), pool...)
		orderIndex := make(map[string]int, len(order))
		for i, name := range order {
			orderIndex[name] = i
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			pi, pj := priority[sorted[i].Name], priority[sorted[j].Name]
			if pi != pj {
				return pi < pj
			}
			return orderIndex[sorted[i].Name] < orderIndex[sorted[j].Name]
		})
		return sorted[0]
	}
}

// selectKey scans forward from CurrentKeyIndex, wrapping once, returning the
// first key that is healthy or whose cooldown has elapsed (resetting it to
// healthy first). Returns -1 if every key is still cooling down.
func (b *Balancer) selectKey(ps *ProviderState, now time.Time) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	n := len(ps.Keys)
	if n == 0 {
		return -1
	}
	for i := 0; i < n; i++ {
		idx := (ps.CurrentKeyIndex + i) % n
		k := ps.Keys[idx]
		if k.Healthy {
			return idx
		}
		if now.After(k.CooldownUntil) || now.Equal(k.CooldownUntil) {
			k.Healthy = true
			delete(ps.FailedKeys, idx)
			return idx
		}
	}
	return -1
}

// recover implements the §4.2 recovery path: when no candidate provider has
// an available key, pick the one with the smallest priority (tiebreak:
// oldest LastErrorTime), reset all of its keys to healthy, and return it.
// This deliberately retries a known-bad provider to guarantee forward
// progress; see spec.md §9's Open Question on this policy.
func (b *Balancer) recover(candidates []string) *ProviderState {
	b.mu.RLock()
	defer b.mu.RUnlock()

	allow := map[string]bool(nil)
	if len(candidates) > 0 {
		allow = make(map[string]bool, len(candidates))
		for _, c := range candidates {
			allow[c] = true
		}
	}

	var best *ProviderState
	var bestPriority = int(^uint(0) >> 1)
	var bestErrTime time.Time

	for _, name := range b.order {
		if allow != nil && !allow[name] {
			continue
		}
		ps := b.providers[name]
		if ps == nil {
			continue
		}
		prio := b.priority[name]
		ps.mu.Lock()
		errTime := ps.LastErrorTime
		ps.mu.Unlock()

		if best == nil || prio < bestPriority || (prio == bestPriority && errTime.Before(bestErrTime)) {
			best = ps
			bestPriority = prio
			bestErrTime = errTime
		}
	}

	if best == nil {
		return nil
	}

	best.mu.Lock()
	for _, k := range best.Keys {
		k.Healthy = true
		k.CooldownUntil = time.Time{}
	}
	best.FailedKeys = make(map[int]bool)
	best.CurrentKeyIndex = 0
	best.Healthy = true
	best.mu.Unlock()

	return best
}

// ReportSuccess records a successful call on the given provider/key.
func (b *Balancer) ReportSuccess(providerName string, keyIndex int) {
	b.mu.RLock()
	ps := b.providers[providerName]
	b.mu.RUnlock()
	if ps == nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.RequestCount++
	ps.Healthy = true
	if keyIndex >= 0 && keyIndex < len(ps.Keys) {
		k := ps.Keys[keyIndex]
		k.Healthy = true
		k.LastUsed = time.Now()
		delete(ps.FailedKeys, keyIndex)
	}
}

// ReportError records a failed call, rotating the key into cooldown when the
// classifier decided the error should rotate it, and marking the provider
// unhealthy once every key has failed.
func (b *Balancer) ReportError(providerName string, keyIndex int, result classifier.Result, cooldownMs int) {
	b.mu.RLock()
	ps := b.providers[providerName]
	b.mu.RUnlock()
	if ps == nil {
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.ErrorCount++
	ps.LastError = result.Message
	ps.LastErrorTime = time.Now()

	if !result.ShouldRotateKey || keyIndex < 0 || keyIndex >= len(ps.Keys) {
		return
	}

	k := ps.Keys[keyIndex]
	k.Healthy = false
	k.LastError = result.Message
	k.LastErrorTime = ps.LastErrorTime
	if cooldownMs <= 0 {
		cooldownMs = 60000
	}
	k.CooldownUntil = ps.LastErrorTime.Add(time.Duration(cooldownMs) * time.Millisecond)

	ps.FailedKeys[keyIndex] = true
	ps.CurrentKeyIndex = (keyIndex + 1) % len(ps.Keys)

	if len(ps.FailedKeys) >= len(ps.Keys) {
		ps.Healthy = false
	}
}

// Snapshot returns a point-in-time, race-free copy of every provider's
// counters for the /stats endpoint.
func (b *Balancer) Snapshot() []Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Snapshot, 0, len(b.order))
	for _, name := range b.order {
		ps := b.providers[name]
		if ps == nil {
			continue
		}
		ps.mu.Lock()
		out = append(out, Snapshot{
			Name:            ps.Name,
			Healthy:         ps.Healthy,
			CurrentKeyIndex: ps.CurrentKeyIndex,
			KeyCount:        len(ps.Keys),
			FailedKeys:      len(ps.FailedKeys),
			RequestCount:    ps.RequestCount,
			ErrorCount:      ps.ErrorCount,
			LastError:       ps.LastError,
		})
		ps.mu.Unlock()
	}
	return out
}

// HealthyNames returns the names of every provider currently considered
// healthy, in config order, for the /health endpoint.
func (b *Balancer) HealthyNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for _, name := range b.order {
		ps := b.providers[name]
		if ps == nil {
			continue
		}
		ps.mu.Lock()
		healthy := ps.Healthy
		ps.mu.Unlock()
		if healthy {
			out = append(out, name)
		}
	}
	return out
}
