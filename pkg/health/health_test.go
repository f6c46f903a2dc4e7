// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChecker_Health(t *testing.T) {
	failing := func(context.Context) error { return errors.New("engine tcp:25565 failed") }
	passing := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{name: "no checks", checks: nil, want: StatusHealthy},
		{name: "all passing", checks: map[string]CheckFunc{"a": passing, "b": passing}, want: StatusHealthy},
		{name: "some failing", checks: map[string]CheckFunc{"a": passing, "b": failing}, want: StatusDegraded},
		{name: "all failing", checks: map[string]CheckFunc{"a": failing, "b": failing}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}

			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Errorf("expected %d checks, got %d", len(tt.checks), len(checks))
			}
		})
	}
}

func TestChecker_SortedAndMessage(t *testing.T) {
	c := NewChecker(time.Second)
	c.Register("zeta", func(context.Context) error { return nil })
	c.Register("alpha", func(context.Context) error { return errors.New("down") })

	_, checks := c.Health(context.Background())
	if checks[0].Name != "alpha" || checks[1].Name != "zeta" {
		t.Fatalf("expected sorted checks, got %s, %s", checks[0].Name, checks[1].Name)
	}
	if checks[0].Message != "down" {
		t.Errorf("expected failure message, got %q", checks[0].Message)
	}
}

func TestChecker_Cache(t *testing.T) {
	now := time.Unix(1000, 0)
	c := NewChecker(10 * time.Second)
	c.now = func() time.Time { return now }

	calls := 0
	c.Register("counted", func(context.Context) error {
		calls++
		return nil
	})

	c.Health(context.Background())
	c.Health(context.Background())
	if calls != 1 {
		t.Fatalf("expected cached result, got %d calls", calls)
	}

	now = now.Add(11 * time.Second)
	c.Health(context.Background())
	if calls != 2 {
		t.Errorf("expected check to rerun after TTL, got %d calls", calls)
	}
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		checks     map[string]CheckFunc
		wantCode   int
		wantStatus string
	}{
		{
			name:       "health degraded still ok",
			path:       "/health",
			checks:     map[string]CheckFunc{"a": func(context.Context) error { return nil }, "b": func(context.Context) error { return errors.New("x") }},
			wantCode:   http.StatusOK,
			wantStatus: string(StatusDegraded),
		},
		{
			name:       "health unhealthy",
			path:       "/health",
			checks:     map[string]CheckFunc{"a": func(context.Context) error { return errors.New("x") }},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: string(StatusUnhealthy),
		},
		{
			name:       "ready healthy",
			path:       "/ready",
			checks:     map[string]CheckFunc{"a": func(context.Context) error { return nil }},
			wantCode:   http.StatusOK,
			wantStatus: string(StatusHealthy),
		},
		{
			name:       "ready degraded",
			path:       "/ready",
			checks:     map[string]CheckFunc{"a": func(context.Context) error { return nil }, "b": func(context.Context) error { return errors.New("x") }},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: string(StatusDegraded),
		},
		{
			name:       "live",
			path:       "/live",
			wantCode:   http.StatusOK,
			wantStatus: "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Second)
			for name, fn := range tt.checks {
				c.Register(name, fn)
			}

			rec := httptest.NewRecorder()
			c.Mux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected status code %d, got %d", tt.wantCode, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}

			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("expected status %q, got %q", tt.wantStatus, body.Status)
			}
		})
	}
}
