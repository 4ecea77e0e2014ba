package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/policy-gate/policy-gate/pkg/policy"
)

type rateLimitParams struct {
	// Limit is the number of requests admitted per window.
	Limit int `mapstructure:"limit"`

	// Window is the fixed counting window. Defaults to one minute.
	Window time.Duration `mapstructure:"window"`

	// Key selects the counting dimension: "client_ip" (default), "route",
	// or "header:<name>".
	Key string `mapstructure:"key"`
}

type windowEntry struct {
	count   int
	started time.Time
}

// rateLimiter is a fixed-window counter. Each policy instance owns its own
// store; two rate-limit policies never share counts.
type rateLimiter struct {
	mu        sync.Mutex
	counts    map[string]*windowEntry
	window    time.Duration
	limit     int
	lastPrune time.Time
}

// newRateLimit denies requests beyond the configured count per window.
func newRateLimit(params map[string]interface{}) (policy.Func, error) {
	var p rateLimitParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if p.Key == "" {
		p.Key = "client_ip"
	}

	keyFor, err := keyExtractor(p.Key)
	if err != nil {
		return nil, err
	}

	rl := &rateLimiter{
		counts:    make(map[string]*windowEntry),
		window:    p.Window,
		limit:     p.Limit,
		lastPrune: time.Now(),
	}

	reason := fmt.Sprintf("rate limit exceeded (%d per %s)", p.Limit, p.Window)

	return func(_ context.Context, req *policy.Request, reply *policy.Reply) {
		if rl.admit(keyFor(req)) {
			reply.Grant()
			return
		}
		reply.Deny(reason)
	}, nil
}

func (rl *rateLimiter) admit(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.counts[key]
	if !ok || now.Sub(entry.started) >= rl.window {
		rl.counts[key] = &windowEntry{count: 1, started: now}
		rl.pruneLocked(now)
		return true
	}

	entry.count++
	return entry.count <= rl.limit
}

// pruneLocked drops expired windows, at most once per window so inserts stay
// cheap under churn.
func (rl *rateLimiter) pruneLocked(now time.Time) {
	if now.Sub(rl.lastPrune) < rl.window {
		return
	}
	for key, entry := range rl.counts {
		if now.Sub(entry.started) >= rl.window {
			delete(rl.counts, key)
		}
	}
	rl.lastPrune = now
}

func keyExtractor(key string) (func(*policy.Request) string, error) {
	switch {
	case key == "client_ip":
		return func(req *policy.Request) string { return req.ClientIP }, nil
	case key == "route":
		return func(req *policy.Request) string { return req.Route }, nil
	case strings.HasPrefix(key, "header:"):
		name := strings.TrimPrefix(key, "header:")
		if name == "" {
			return nil, fmt.Errorf("key %q names no header", key)
		}
		return func(req *policy.Request) string { return req.Header.Get(name) }, nil
	default:
		return nil, fmt.Errorf("unknown key %q (want client_ip, route, or header:<name>)", key)
	}
}
