// Package keypool rotates a set of provider credentials, cooling down
// any credential that reports errors and always handing back a usable
// one.
package keypool

import (
	"sync"
	"time"

	"github.com/kilnforge/conductor/internal/errorkind"
	"github.com/kilnforge/conductor/internal/observability"
)

// policy describes the cooldown formula for one error kind.
type policy struct {
	base   time.Duration
	maxExp int
	cap    time.Duration
}

var policies = map[errorkind.Kind]policy{
	errorkind.RateLimit: {base: 60 * time.Second, maxExp: 3, cap: time.Hour},
	errorkind.Auth:      {base: 5 * time.Minute, maxExp: 2, cap: 24 * time.Hour},
}

var billingPolicy = policy{base: 5 * time.Hour, maxExp: 1, cap: 24 * time.Hour}
var defaultPolicy = policy{base: 30 * time.Second, maxExp: 3, cap: 15 * time.Minute}

// billing is not one of errorkind's buckets (it folds into NonRetryable),
// so ReportError recognizes it by message inspection at the call site;
// callers that know a failure was a billing error pass Billing directly.
const Billing errorkind.Kind = "billing"

func policyFor(kind errorkind.Kind) policy {
	if kind == Billing {
		return billingPolicy
	}
	if p, ok := policies[kind]; ok {
		return p
	}
	return defaultPolicy
}

// KeyState tracks one credential's health.
type KeyState struct {
	Credential            string
	CooldownUntil         time.Time
	ConsecutiveErrorCount int
	LastUsed              time.Time
}

func (s *KeyState) coolingDown(now time.Time) bool {
	return now.Before(s.CooldownUntil)
}

// Pool rotates credentials, skipping any currently in cooldown.
type Pool struct {
	mu    sync.Mutex
	keys  []*KeyState
	index int

	// Metrics, if set, receives a RecordKeyPoolCooldown observation
	// each time ReportError puts a credential in cooldown.
	Metrics *observability.Metrics
}

// New builds a pool from an ordered list of credentials. Panics if
// given an empty list, mirroring the invariant that Get always returns
// a key.
func New(credentials []string) *Pool {
	if len(credentials) == 0 {
		panic("keypool: at least one credential is required")
	}
	keys := make([]*KeyState, len(credentials))
	for i, c := range credentials {
		keys[i] = &KeyState{Credential: c}
	}
	return &Pool{keys: keys}
}

// Get returns the credential at the current index if it is not
// cooling down, otherwise advances round-robin to find one that is
// available. If every key is cooling down, it returns the one with
// the nearest expiry. Get always returns a key.
func (p *Pool) Get() *KeyState {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := len(p.keys)

	if !p.keys[p.index].coolingDown(now) {
		k := p.keys[p.index]
		k.LastUsed = now
		return k
	}

	for i := 1; i < n; i++ {
		idx := (p.index + i) % n
		if !p.keys[idx].coolingDown(now) {
			p.index = idx
			p.keys[idx].LastUsed = now
			return p.keys[idx]
		}
	}

	nearest := p.keys[0]
	for _, k := range p.keys[1:] {
		if k.CooldownUntil.Before(nearest.CooldownUntil) {
			nearest = k
		}
	}
	nearest.LastUsed = now
	return nearest
}

// ReportSuccess clears the current key's error count and cooldown.
func (p *Pool) ReportSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.keys[p.index]
	k.ConsecutiveErrorCount = 0
	k.CooldownUntil = time.Time{}
}

// ReportError records a failure against the current key, sets its
// cooldown per the kind's policy, and advances the rotation index.
func (p *Pool) ReportError(kind errorkind.Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()

	k := p.keys[p.index]
	k.ConsecutiveErrorCount++

	pol := policyFor(kind)
	exp := k.ConsecutiveErrorCount - 1
	if exp > pol.maxExp {
		exp = pol.maxExp
	}
	backoff := pol.base
	for i := 0; i < exp; i++ {
		backoff *= 5
	}
	if backoff > pol.cap {
		backoff = pol.cap
	}
	k.CooldownUntil = time.Now().Add(backoff)

	p.index = (p.index + 1) % len(p.keys)

	if p.Metrics != nil {
		p.Metrics.RecordKeyPoolCooldown(string(kind))
	}
}

// AvailableCount returns how many credentials are not currently
// cooling down.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	n := 0
	for _, k := range p.keys {
		if !k.coolingDown(now) {
			n++
		}
	}
	return n
}
