// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check represents the last result of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker manages health checks and caches their results for a TTL.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]*Check
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a new health checker.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]*Check),
		ttl:    cacheTTL,
		now:    time.Now,
	}
}

// Register adds a health check, replacing any check with the same name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs every check whose cached result has expired and returns the
// overall status: healthy if all checks pass, unhealthy if all fail and
// degraded otherwise. Checks are returned sorted by name.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	failed := 0

	for _, name := range names {
		check, ok := c.cache[name]
		if !ok || c.now().Sub(check.LastChecked) >= c.ttl {
			check = c.run(ctx, name, c.checks[name])
			c.cache[name] = check
		}
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, *check)
	}

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

func (c *Checker) run(ctx context.Context, name string, fn CheckFunc) *Check {
	start := c.now()
	err := fn(ctx)

	check := &Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: c.now(),
		Duration:    c.now().Sub(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

type response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// HTTPHandler returns an HTTP handler for health checks. A degraded proxy
// still answers 200 since the healthy mappings keep serving.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{Status: status, Checks: checks})
	}
}

// ReadinessHandler returns a readiness probe handler. Only a fully healthy
// proxy is ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)

		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response{Status: status, Checks: checks})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// Mux returns a ServeMux serving /health, /ready and /live.
func (c *Checker) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/health", c.HTTPHandler())
	mux.Handle("/ready", c.ReadinessHandler())
	mux.Handle("/live", LivenessHandler())
	return mux
}
