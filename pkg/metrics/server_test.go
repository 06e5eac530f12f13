package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestNewServer_BindsPortWithColonPrefix(t *testing.T) {
	s := NewServer("18080", logr.Discard())
	if s.server.Addr != ":18080" {
		t.Errorf("addr = %q, want :18080", s.server.Addr)
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer("0", logr.Discard())
	s.StartAsync()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestServer_HealthzEndpoint(t *testing.T) {
	s := NewServer("18081", logr.Discard())
	s.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:18081/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Errorf("body = %q, want OK", body)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	s := NewServer("18082", logr.Discard())
	s.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:18082/metrics")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestServer_HealthzUsesRegisteredReporter(t *testing.T) {
	s := NewServer("18083", logr.Discard())
	s.SetHealthReporter(func() interface{} {
		return map[string]string{"status": "healthy"}
	})
	s.StartAsync()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get("http://localhost:18083/healthz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("unexpected error decoding body: %v", err)
	}
	if out["status"] != "healthy" {
		t.Errorf("status = %q, want healthy", out["status"])
	}
}
