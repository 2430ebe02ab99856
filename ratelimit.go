package codeassist

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimitConfig defines admission limits for the server. Zero-valued
// fields leave the corresponding bucket unlimited.
type RateLimitConfig struct {
	GlobalRPS   float64
	GlobalBurst int
	MethodRPS   map[string]float64
	MethodBurst map[string]int
	ToolRPS     map[string]float64
	ToolBurst   map[string]int
}

// DefaultRateLimitConfig bounds tool calls harder than the catalog methods
// since every call may reach the generation backend.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalRPS:   100,
		GlobalBurst: 50,
		MethodRPS: map[string]float64{
			MethodInitialize: 10,
			MethodToolsList:  20,
			MethodToolsCall:  5,
		},
		MethodBurst: map[string]int{
			MethodInitialize: 5,
			MethodToolsList:  10,
			MethodToolsCall:  3,
		},
		ToolRPS: map[string]float64{
			"*": 2,
		},
		ToolBurst: map[string]int{
			"*": 1,
		},
	}
}

// RateLimiter applies blocking token-bucket admission at three levels: one
// global bucket, per-method buckets, and per-tool buckets with a "*"
// fallback entry. A nil RateLimiter admits everything.
type RateLimiter struct {
	mu      sync.RWMutex
	global  *rate.Limiter
	methods map[string]*rate.Limiter
	tools   map[string]*rate.Limiter
}

// NewRateLimiter builds the limiter described by cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	rl := &RateLimiter{
		methods: make(map[string]*rate.Limiter),
		tools:   make(map[string]*rate.Limiter),
	}
	if cfg.GlobalRPS > 0 {
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), atLeastOne(cfg.GlobalBurst))
	}
	for method, rps := range cfg.MethodRPS {
		rl.methods[method] = rate.NewLimiter(rate.Limit(rps), atLeastOne(cfg.MethodBurst[method]))
	}
	for tool, rps := range cfg.ToolRPS {
		rl.tools[tool] = rate.NewLimiter(rate.Limit(rps), atLeastOne(cfg.ToolBurst[tool]))
	}
	return rl
}

// Wait blocks until the global and per-method buckets admit one request, or
// ctx ends.
func (rl *RateLimiter) Wait(ctx context.Context, method string) error {
	if rl == nil {
		return nil
	}
	if rl.global != nil {
		if err := rl.global.Wait(ctx); err != nil {
			return err
		}
	}
	rl.mu.RLock()
	limiter := rl.methods[method]
	rl.mu.RUnlock()

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

// WaitTool blocks until the bucket for toolName (or the "*" fallback) admits
// one invocation, or ctx ends.
func (rl *RateLimiter) WaitTool(ctx context.Context, toolName string) error {
	if rl == nil {
		return nil
	}
	rl.mu.RLock()
	limiter, ok := rl.tools[toolName]
	if !ok {
		limiter = rl.tools["*"]
	}
	rl.mu.RUnlock()

	if limiter != nil {
		return limiter.Wait(ctx)
	}
	return nil
}

// SetMethodLimit replaces the bucket for one method at runtime.
func (rl *RateLimiter) SetMethodLimit(method string, rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.methods[method] = rate.NewLimiter(rate.Limit(rps), atLeastOne(burst))
}

// SetToolLimit replaces the bucket for one tool at runtime.
func (rl *RateLimiter) SetToolLimit(tool string, rps float64, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tools[tool] = rate.NewLimiter(rate.Limit(rps), atLeastOne(burst))
}

// atLeastOne keeps a configured bucket usable: a positive rate with burst 0
// would reject every Wait.
func atLeastOne(burst int) int {
	if burst < 1 {
		return 1
	}
	return burst
}
