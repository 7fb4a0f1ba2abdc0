package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tos-network/venusproxy/internal/config"
	"github.com/tos-network/venusproxy/internal/scheduler"
)

func newTestServer(connState ConnStateFunc) *Server {
	sched := scheduler.New(scheduler.Config{
		VenusHost:       "cn.stratum.slushpool.com",
		VenusPort:       443,
		VenusWorkerName: "rayraycoin.v2",
	})
	cfg := &config.AdminConfig{Enabled: true, Bind: "127.0.0.1:0"}
	return NewServer(cfg, sched, connState)
}

func TestNewServerBuildsRouter(t *testing.T) {
	s := newTestServer(nil)
	if s.router == nil {
		t.Fatal("NewServer returned a Server with a nil router")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s := newTestServer(nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %q, want %q", body["status"], "ok")
	}
}

func TestDebugSchedulerReportsPhaseAndCaches(t *testing.T) {
	s := newTestServer(func() int { return 3 })

	req := httptest.NewRequest("GET", "/debug/scheduler", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var body schedulerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.Phase != "real" {
		t.Errorf("phase = %q, want %q", body.Phase, "real")
	}
	if body.ActiveConnections != 3 {
		t.Errorf("active connections = %d, want 3", body.ActiveConnections)
	}
	if body.HasRealSubscribe {
		t.Error("expected no cached subscribe reply on a fresh scheduler")
	}
}

func TestDebugSchedulerWithoutConnStateFuncReportsZero(t *testing.T) {
	s := newTestServer(nil)

	req := httptest.NewRequest("GET", "/debug/scheduler", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var body schedulerResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if body.ActiveConnections != 0 {
		t.Errorf("active connections = %d, want 0", body.ActiveConnections)
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	s := newTestServer(nil)
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() on a never-started server returned %v, want nil", err)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	sched := scheduler.New(scheduler.Config{VenusHost: "h", VenusPort: 1, VenusWorkerName: "w"})
	cfg := &config.AdminConfig{Enabled: false, Bind: "127.0.0.1:0"}
	s := NewServer(cfg, sched, nil)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() on a disabled server returned %v, want nil", err)
	}
	if s.server != nil {
		t.Error("Start() on a disabled server should not construct an http.Server")
	}
}
