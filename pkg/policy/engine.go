package policy

import (
	"context"
	"hash/fnv"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/logx"
)

// ============================================================================
// Error Registry
// ============================================================================

var ErrRegistry = errx.NewRegistry("POLICY")

var (
	CodeNotLoaded   = ErrRegistry.Register("NOT_LOADED", errx.TypeInternal, http.StatusInternalServerError, "Policy set not loaded")
	CodeStoreFailed = ErrRegistry.Register("STORE_FAILED", errx.TypeDependency, http.StatusServiceUnavailable, "Policy store unavailable")
)

// ============================================================================
// Engine
// ============================================================================

const (
	defaultCacheTTL = 60 * time.Second
	cacheShards     = 16
)

type cacheEntry struct {
	decision Decision
	subject  string
	expires  time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[uint64]cacheEntry
}

// Engine is the policy decision point. The policy set lives in an atomic
// snapshot; decisions are memoized per (subject, action, resource) in a
// striped TTL cache.
type Engine struct {
	store    PolicyStore
	cacheTTL time.Duration

	snapshot atomic.Pointer[[]Policy]
	shards   [cacheShards]*cacheShard
}

// NewEngine builds the decision point. cacheTTL 0 disables decision
// memoization outright; a negative value selects the 60 s default.
func NewEngine(store PolicyStore, cacheTTL time.Duration) *Engine {
	if cacheTTL < 0 {
		cacheTTL = defaultCacheTTL
	}
	e := &Engine{store: store, cacheTTL: cacheTTL}
	for i := range e.shards {
		e.shards[i] = &cacheShard{entries: make(map[uint64]cacheEntry)}
	}
	return e
}

// Reload replaces the policy snapshot from the store and drops every cached
// decision.
func (e *Engine) Reload(ctx context.Context) error {
	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		return ErrRegistry.NewWithCause(CodeStoreFailed, err)
	}
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].Priority < policies[j].Priority
	})
	e.snapshot.Store(&policies)
	e.InvalidateAll()
	logx.WithField("policies", len(policies)).Debug("policy snapshot reloaded")
	return nil
}

// Check answers one authorization question. Unmatched inputs are denied.
func (e *Engine) Check(_ context.Context, in Input) (Decision, error) {
	snap := e.snapshot.Load()
	if snap == nil {
		return Decision{}, ErrRegistry.New(CodeNotLoaded)
	}

	// The cache key ignores request context, so a context-conditioned
	// decision may be replayed for up to the TTL with different attributes.
	if e.cacheTTL == 0 {
		return evaluate(*snap, in), nil
	}
	subject := subjectID(in)
	key := cacheKey(subject, in.Action, in.Resource)
	if d, ok := e.cached(key); ok {
		return d, nil
	}

	d := evaluate(*snap, in)
	e.remember(key, subject, d)
	return d, nil
}

// evaluate walks the priority-ordered snapshot. Deny beats Allow among the
// matched policies; nothing matched means Deny.
func evaluate(policies []Policy, in Input) Decision {
	var allow *Policy
	for i := range policies {
		p := &policies[i]
		if !p.Matches(in) {
			continue
		}
		if p.Effect == EffectDeny {
			return Decision{Allowed: false, PolicyID: p.ID}
		}
		if allow == nil {
			allow = p
		}
	}
	if allow != nil {
		return Decision{Allowed: true, PolicyID: allow.ID}
	}
	return Decision{}
}

// InvalidateSubject drops every cached decision for one subject id
// ("user:<id>" or "svc:<name>").
func (e *Engine) InvalidateSubject(subject string) {
	now := time.Now()
	for _, shard := range e.shards {
		shard.mu.Lock()
		for k, entry := range shard.entries {
			if entry.subject == subject || !now.Before(entry.expires) {
				delete(shard.entries, k)
			}
		}
		shard.mu.Unlock()
	}
}

// InvalidateAll empties the decision cache.
func (e *Engine) InvalidateAll() {
	for _, shard := range e.shards {
		shard.mu.Lock()
		shard.entries = make(map[uint64]cacheEntry)
		shard.mu.Unlock()
	}
}

func (e *Engine) cached(key uint64) (Decision, bool) {
	shard := e.shards[key%cacheShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	entry, ok := shard.entries[key]
	if !ok || time.Now().After(entry.expires) {
		return Decision{}, false
	}
	return entry.decision, true
}

func (e *Engine) remember(key uint64, subject string, d Decision) {
	shard := e.shards[key%cacheShards]
	shard.mu.Lock()
	shard.entries[key] = cacheEntry{
		decision: d,
		subject:  subject,
		expires:  time.Now().Add(e.cacheTTL),
	}
	shard.mu.Unlock()
}

func subjectID(in Input) string {
	if in.Principal.IsService() {
		return "svc:" + in.Principal.Service
	}
	return in.Principal.UserID.Subject()
}

func cacheKey(subject, action, resource string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write([]byte(resource))
	return h.Sum64()
}
