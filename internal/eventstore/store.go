package eventstore

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxBroadcastFanout bounds the number of goroutines broadcast spawns per
// record so a store with many subscribers can't spawn unbounded concurrent
// fan-out (spec.md §5's goroutine-bound requirement).
const maxBroadcastFanout = 8

// Options configures body-preview capture behavior (spec.md §4.5).
type Options struct {
	CaptureBodies bool
	MaxRecords    int
	MaxBodyBytes  int
}

// subscriber is a bounded channel fed by Store.broadcast. A slow subscriber
// is dropped rather than allowed to block request handling, per spec.md §5's
// backpressure requirement.
type subscriber struct {
	ch     chan *Record
	cancel func()
}

// Store is the process-local, bounded ring of ProxyRecords plus its
// subscriber set. Safe for concurrent use; broadcast happens outside any
// held lock so a blocked/slow subscriber can never stall a request handler.
type Store struct {
	opts Options

	mu      sync.Mutex
	ring    []*Record // ring buffer, oldest first by insertion order
	byID    map[string]int
	nextIdx int
	filled  bool

	subMu sync.Mutex
	subs  map[int]*subscriber
	subID int
}

// New builds an empty Store with the given capture options.
func New(opts Options) *Store {
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 200
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8000
	}
	return &Store{
		opts: opts,
		ring: make([]*Record, opts.MaxRecords),
		byID: make(map[string]int),
		subs: make(map[int]*subscriber),
	}
}

// Start creates a new Record and inserts it into the ring, evicting the
// oldest entry first if the ring is full.
func (s *Store) Start(id, method, path string, headers map[string][]string, body []byte, streaming bool, model, provider string) *Record {
	rec := &Record{
		ID:        id,
		Method:    method,
		Path:      path,
		Model:     model,
		Provider:  provider,
		Streaming: streaming,
		StartedAt: time.Now(),
		Request: Capture{
			Headers: redactHeaders(headers),
		},
	}
	rec.Request.BodyPreview, rec.Request.Truncated, rec.Request.Size = s.preview(body)

	s.mu.Lock()
	if evictedID := s.insertLocked(rec); evictedID != "" {
		delete(s.byID, evictedID)
	}
	s.mu.Unlock()

	s.broadcast(rec)
	return rec
}

// insertLocked writes rec into the ring slot at nextIdx, returning the ID of
// any record it evicted (empty string if the ring wasn't full yet).
func (s *Store) insertLocked(rec *Record) string {
	evicted := ""
	if s.filled {
		if old := s.ring[s.nextIdx]; old != nil {
			evicted = old.ID
		}
	}
	s.ring[s.nextIdx] = rec
	s.byID[rec.ID] = s.nextIdx
	s.nextIdx = (s.nextIdx + 1) % len(s.ring)
	if s.nextIdx == 0 {
		s.filled = true
	}
	return evicted
}

// Update shallow-merges patch fields into the record's top level and its
// three capture slots, broadcasting the result. patch is a callback so
// callers can apply a typed, partial mutation without the store exposing a
// mutable pointer to its internal state.
func (s *Store) Update(id string, patch func(*Record)) {
	s.mu.Lock()
	idx, ok := s.byID[id]
	var rec *Record
	if ok {
		rec = s.ring[idx]
	}
	if rec != nil {
		patch(rec)
	}
	s.mu.Unlock()

	if rec != nil {
		s.broadcast(rec)
	}
}

// FinalizeOptions carries the fields spec.md §4.5's finalize() operation
// accepts.
type FinalizeOptions struct {
	Status              int
	DurationMs          int64
	FinishedAt          time.Time
	ResponseHeaders     map[string][]string
	ResponseBody        []byte
	UpstreamStatus      int
	UpstreamDurationMs  int64
	UpstreamHeaders     map[string][]string
	UpstreamBody        []byte
	ErrorType           string
	ErrorMessage        string
	RetryCount          int
	TokenEstimate       *TokenEstimate
}

// Finalize sets the terminal fields of a record (response slot, status,
// timing, error info) and broadcasts the final state. Defaults FinishedAt to
// now if the caller left it zero.
func (s *Store) Finalize(id string, opts FinalizeOptions) {
	s.Update(id, func(r *Record) {
		r.Status = opts.Status
		r.DurationMs = opts.DurationMs
		if opts.FinishedAt.IsZero() {
			r.FinishedAt = time.Now()
		} else {
			r.FinishedAt = opts.FinishedAt
		}
		if opts.UpstreamStatus != 0 {
			r.UpstreamStatus = opts.UpstreamStatus
		}
		if opts.UpstreamDurationMs != 0 {
			r.UpstreamDurationMs = opts.UpstreamDurationMs
		}
		r.RetryCount = opts.RetryCount
		r.ErrorType = opts.ErrorType
		r.ErrorMessage = opts.ErrorMessage
		if opts.TokenEstimate != nil {
			r.TokenEstimate = opts.TokenEstimate
		}

		if opts.ResponseHeaders != nil || opts.ResponseBody != nil {
			r.Response.Headers = redactHeaders(opts.ResponseHeaders)
			r.Response.BodyPreview, r.Response.Truncated, r.Response.Size = s.preview(opts.ResponseBody)
		}
		if opts.UpstreamHeaders != nil || opts.UpstreamBody != nil {
			r.Upstream.Headers = redactHeaders(opts.UpstreamHeaders)
			r.Upstream.BodyPreview, r.Upstream.Truncated, r.Upstream.Size = s.preview(opts.UpstreamBody)
		}
	})
}

// Get returns a race-free clone of the record with the given id, or nil.
func (s *Store) Get(id string) *Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil
	}
	return s.ring[idx].Clone()
}

// Snapshot returns a clone of every retained record, newest first, per the
// public API contract in spec.md §4.5/§6.3.
func (s *Store) Snapshot() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.ring)
	if !s.filled {
		n = s.nextIdx
	}
	out := make([]*Record, 0, n)
	// Walk backward from the most recently written slot.
	start := s.nextIdx - 1
	for i := 0; i < n; i++ {
		idx := (start - i + len(s.ring)) % len(s.ring)
		if s.ring[idx] != nil {
			out = append(out, s.ring[idx].Clone())
		}
	}
	return out
}

// Subscribe registers fn to be called with every broadcast record and
// returns an unsubscribe function. fn is invoked from a dedicated goroutine
// per subscriber reading off a bounded channel; if the subscriber can't keep
// up the channel fills and the subscriber is dropped rather than blocking
// producers (spec.md §5 backpressure requirement).
func (s *Store) Subscribe(fn func(*Record)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.subID
	s.subID++
	sub := &subscriber{ch: make(chan *Record, 64)}
	s.subs[id] = sub
	s.subMu.Unlock()

	stop := make(chan struct{})
	sub.cancel = func() { close(stop) }

	go func() {
		for {
			select {
			case rec, ok := <-sub.ch:
				if !ok {
					return
				}
				fn(rec)
			case <-stop:
				return
			}
		}
	}()

	return func() {
		s.subMu.Lock()
		if existing, ok := s.subs[id]; ok {
			delete(s.subs, id)
			existing.cancel()
			close(existing.ch)
		}
		s.subMu.Unlock()
	}
}

// broadcast fans a record out to every subscriber without holding the
// store's main lock, dropping (rather than blocking on) any subscriber whose
// buffer is full.
func (s *Store) broadcast(rec *Record) {
	clone := rec.Clone()

	s.subMu.Lock()
	targets := make([]*subscriber, 0, len(s.subs))
	ids := make([]int, 0, len(s.subs))
	for id, sub := range s.subs {
		targets = append(targets, sub)
		ids = append(ids, id)
	}
	s.subMu.Unlock()

	var g errgroup.Group
	g.SetLimit(maxBroadcastFanout)
	for i, sub := range targets {
		i, sub := i, sub
		g.Go(func() error {
			select {
			case sub.ch <- clone:
			default:
				// Buffer full: drop this subscriber instead of blocking the
				// producer, removing it from the map right away.
				s.subMu.Lock()
				if existing, ok := s.subs[ids[i]]; ok && existing == sub {
					delete(s.subs, ids[i])
					existing.cancel()
					close(existing.ch)
				}
				s.subMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// preview renders body per spec.md §4.5: empty when capture is disabled,
// else JSON-stringified (or "[unserializable]" on failure for non-string,
// non-JSON-already bytes), truncated to MaxBodyBytes.
func (s *Store) preview(body []byte) (preview string, truncated bool, size int) {
	size = len(body)
	if !s.opts.CaptureBodies || size == 0 {
		return "", false, size
	}

	text := stringifyBody(body)
	if len(text) > s.opts.MaxBodyBytes {
		return text[:s.opts.MaxBodyBytes], true, size
	}
	return text, false, size
}

func stringifyBody(body []byte) string {
	if json.Valid(body) {
		return string(body)
	}
	marshaled, err := json.Marshal(string(body))
	if err != nil {
		return "[unserializable]"
	}
	var s string
	if err := json.Unmarshal(marshaled, &s); err != nil {
		return "[unserializable]"
	}
	return s
}
