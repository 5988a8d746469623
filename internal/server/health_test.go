package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/pgfleet/pgfleet/internal/cluster"
)

// fakeChecker serves a canned report and counts probes.
type fakeChecker struct {
	probes atomic.Int64
	report atomic.Pointer[cluster.Report]
}

func newFakeChecker(rep cluster.Report) *fakeChecker {
	f := &fakeChecker{}
	f.report.Store(&rep)
	return f
}

func (f *fakeChecker) HealthCheck(ctx context.Context) cluster.Report {
	f.probes.Add(1)
	return *f.report.Load()
}

func healthyReport() cluster.Report {
	return cluster.Report{
		State:                "ready",
		CoordinatorReachable: true,
		Nodes: []cluster.NodeHealth{
			{Node: "coordinator", Role: "coordinator", Reachable: true, State: "ready"},
			{Node: "worker-0", Role: "worker", Reachable: true, State: "ready"},
		},
	}
}

func startTestServer(t *testing.T, checker Checker) *HealthServer {
	t.Helper()
	h := NewHealthServer("127.0.0.1:0", checker, nil)
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthzOK(t *testing.T) {
	h := startTestServer(t, newFakeChecker(healthyReport()))

	code, body := get(t, "http://"+h.Addr()+"/healthz")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var status healthStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.Status != "ok" {
		t.Errorf("expected ok, got %q", status.Status)
	}
}

func TestHealthzDuringShutdown(t *testing.T) {
	checker := newFakeChecker(healthyReport())
	h := startTestServer(t, checker)
	h.SetShuttingDown()

	code, _ := get(t, "http://"+h.Addr()+"/healthz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 during shutdown, got %d", code)
	}

	// Liveness never probes the cluster.
	if n := checker.probes.Load(); n != 0 {
		t.Errorf("healthz probed the cluster %d times", n)
	}
}

func TestReadyzReady(t *testing.T) {
	checker := newFakeChecker(healthyReport())
	h := startTestServer(t, checker)

	code, body := get(t, "http://"+h.Addr()+"/readyz")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
	var status readyStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !status.CoordinatorReachable || status.State != "ready" {
		t.Errorf("unexpected status: %+v", status)
	}
	if checker.probes.Load() == 0 {
		t.Error("readyz must probe the cluster")
	}
}

func TestReadyzCoordinatorDown(t *testing.T) {
	rep := healthyReport()
	rep.CoordinatorReachable = false
	rep.State = "degraded"
	h := startTestServer(t, newFakeChecker(rep))

	code, body := get(t, "http://"+h.Addr()+"/readyz")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	var status readyStatus
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("expected not_ready, got %q", status.Status)
	}
}

func TestReadyzDegradedWorkerStaysReady(t *testing.T) {
	rep := healthyReport()
	rep.State = "degraded"
	rep.Nodes[1].State = "degraded"
	rep.Nodes[1].Reachable = false
	h := startTestServer(t, newFakeChecker(rep))

	code, _ := get(t, "http://"+h.Addr()+"/readyz")
	if code != http.StatusOK {
		t.Errorf("a degraded worker must not flip readiness, got %d", code)
	}
}

func TestPoolzDumpsReport(t *testing.T) {
	h := startTestServer(t, newFakeChecker(healthyReport()))

	code, body := get(t, "http://"+h.Addr()+"/poolz")
	if code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	var rep cluster.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rep.Nodes) != 2 || rep.Nodes[1].Node != "worker-0" {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestRegisterHandler(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", newFakeChecker(healthyReport()), nil)
	h.RegisterHandler("/custom", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	if err := h.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { h.Close() })

	code, _ := get(t, "http://"+h.Addr()+"/custom")
	if code != http.StatusTeapot {
		t.Errorf("expected the custom handler, got %d", code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := startTestServer(t, newFakeChecker(healthyReport()))

	resp, err := http.Post("http://"+h.Addr()+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}
