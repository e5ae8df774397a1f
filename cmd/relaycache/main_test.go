package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/agentworkforce/relaycache/internal/config"
	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/feed"
	"github.com/agentworkforce/relaycache/internal/logging"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("RELAYCACHE_TEST_VALUE", "  set  ")
	if got := envOrDefault("RELAYCACHE_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := envOrDefault("RELAYCACHE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestRedactDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://app:secret@db:5432/timesheets": "postgres://app:xxxxx@db:5432/timesheets",
		"postgres://app@db/timesheets":             "postgres://app@db/timesheets",
		"memory://default":                         "memory://default",
		"./fixtures/state.json":                    "./fixtures/state.json",
	}
	for in, want := range cases {
		if got := redactDSN(in); got != want {
			t.Fatalf("redactDSN(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestNewServiceRejectsUnknownScheme(t *testing.T) {
	cfg := config.Default()
	cfg.SourceDSN = "gopher://nowhere"
	if _, err := newService(cfg, logging.Discard(), prometheus.NewRegistry(), prometheus.NewRegistry()); err == nil {
		t.Fatalf("expected unsupported source scheme to fail")
	}
}

func TestServeMirrorsAndShutsDown(t *testing.T) {
	mem := feed.SharedMemory("cmd-serve-test", feed.DefaultTables())
	mem.Set(entity.KindClient, []entity.Row{{"id": 1, "name": "ClientA", "type": "final"}})

	cfg := config.Default()
	cfg.SourceDSN = "memory://cmd-serve-test"
	cfg.FeedDSN = "memory://cmd-serve-test"
	cfg.HTTP.JWTSecret = "serve-secret"
	reg := prometheus.NewRegistry()
	svc, err := newService(cfg, logging.Discard(), reg, reg)
	if err != nil {
		t.Fatalf("new service failed: %v", err)
	}
	defer svc.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.serve(ctx, ln, time.Second)
	}()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    "tester",
		"scopes": []string{"cache:read"},
		"aud":    "relaycache",
		"exp":    time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("serve-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	var rows []entity.Client
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, "http://"+ln.Addr().String()+"/v1/tables/clients", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			var body struct {
				Rows []entity.Client `json:"rows"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			rows = body.Rows
			if len(rows) == 1 {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(rows) != 1 || rows[0].ID != "1" {
		t.Fatalf("expected mirrored client, got %+v", rows)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not stop after cancellation")
	}
}
