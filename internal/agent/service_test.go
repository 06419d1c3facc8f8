package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgeflow/internal/controller"
	"github.com/danmuck/edgeflow/internal/processors"
	"github.com/danmuck/edgeflow/internal/protocol/controlserver"
	"github.com/danmuck/edgeflow/internal/protocol/engine"
	"github.com/danmuck/edgeflow/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	goleak.VerifyTestMain(m)
}

const testFlow = `
name: edge-test
processors:
  - name: gen
    type: GenerateFlowFile
    scheduling_period: 5ms
    properties:
      File Size: "8"
  - name: log
    type: LogAttribute
    scheduling_period: 5ms
connections:
  - source: gen
    relationship: success
    destination: log
    max_queue_size: 50
  - source: log
    relationship: success
`

func newTestService(t *testing.T, controllerAddr string) *Service {
	t.Helper()
	def, err := controller.ParseFlow([]byte(testFlow))
	if err != nil {
		t.Fatalf("parse flow: %v", err)
	}
	reg, err := processors.NewRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cfg := DefaultServiceConfig()
	cfg.AdminListenAddr = ""
	cfg.StartFlowOnBoot = false
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Engine.Address = controllerAddr
	cfg.Engine.ReportInterval = 10 * time.Millisecond
	cfg.Engine.SerialNumber = "edge0001"
	svc, err := NewServiceWithFlow(cfg, def, reg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func startControlServer(t *testing.T) (*controlserver.Server, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := controlserver.New(controlserver.Config{ReportIntervalMS: 10})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, ln.Addr().String()
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func request(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	var body map[string]any
	if rr.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s: %v body=%s", method, path, err, rr.Body.String())
		}
	}
	return rr, body
}

func TestServiceConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	if err := cfg.Validate(); !errors.Is(err, engine.ErrControllerAddressRequired) {
		t.Fatalf("expected ErrControllerAddressRequired, got %v", err)
	}
	cfg.Engine.Address = "127.0.0.1:9090"
	cfg.FlowPath = " "
	if err := cfg.Validate(); !errors.Is(err, ErrFlowPathRequired) {
		t.Fatalf("expected ErrFlowPathRequired, got %v", err)
	}
}

func TestNewServiceLoadsFlowFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yml")
	if err := os.WriteFile(path, []byte(testFlow), 0o644); err != nil {
		t.Fatalf("write flow: %v", err)
	}
	reg, _ := processors.NewRegistry()
	cfg := DefaultServiceConfig()
	cfg.FlowPath = path
	cfg.Engine.Address = "127.0.0.1:1"
	svc, err := NewService(cfg, reg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Flow().Name() != "edge-test" {
		t.Fatalf("flow name=%q", svc.Flow().Name())
	}
	svc.shutdown()
}

func TestAdminRoutes(t *testing.T) {
	testlog.Start(t)
	svc := newTestService(t, "127.0.0.1:1")
	t.Cleanup(svc.shutdown)
	h := svc.Handler()

	rr, body := request(t, h, http.MethodGet, "/health")
	if rr.Code != http.StatusOK || body["status"] != "ok" || body["agent"] != "edge-test" {
		t.Fatalf("health: code=%d body=%v", rr.Code, body)
	}
	rr, _ = request(t, h, http.MethodGet, "/ready")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready before serve: code=%d", rr.Code)
	}
	rr, _ = request(t, h, http.MethodGet, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: code=%d", rr.Code)
	}
	rr, body = request(t, h, http.MethodGet, "/processors")
	if rr.Code != http.StatusOK || len(body["processors"].([]any)) != 5 {
		t.Fatalf("processors: code=%d body=%v", rr.Code, body)
	}

	rr, _ = request(t, h, http.MethodPost, "/flow/start")
	if rr.Code != http.StatusOK || !svc.Flow().Running() {
		t.Fatalf("start: code=%d running=%v", rr.Code, svc.Flow().Running())
	}
	eventually(t, "records through log", func() bool {
		st := svc.Status()
		for _, n := range st.Flow.Nodes {
			if n.Name == "log" && n.Triggers > 0 {
				return true
			}
		}
		return false
	})
	rr, _ = request(t, h, http.MethodPost, "/flow/stop?force=false")
	if rr.Code != http.StatusOK || svc.Flow().Running() {
		t.Fatalf("stop: code=%d running=%v", rr.Code, svc.Flow().Running())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	var st Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Protocol.Registered || st.Protocol.SerialNumber != "6564676530303031" || st.Flow.Running || len(st.Flow.Nodes) != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestServeRegistersAndFollowsCommands(t *testing.T) {
	testlog.Start(t)
	srv, addr := startControlServer(t)
	svc := newTestService(t, addr)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- svc.Serve(ctx) }()

	eventually(t, "registration", func() bool { return svc.Engine().Snapshot().Registered })
	if _, ok := srv.Agent("edge-test"); !ok {
		t.Fatalf("controller did not record agent")
	}
	rr, body := request(t, svc.Handler(), http.MethodGet, "/ready")
	if rr.Code != http.StatusOK || body["registered"] != true {
		t.Fatalf("ready: code=%d body=%v", rr.Code, body)
	}

	if err := srv.StartFlow("edge-test"); err != nil {
		t.Fatalf("enqueue start: %v", err)
	}
	eventually(t, "flow started by controller", svc.Flow().Running)

	if err := srv.PushProperty("edge-test", "gen", "File Size", "64"); err != nil {
		t.Fatalf("enqueue property: %v", err)
	}
	node, _ := svc.Flow().Node("gen")
	eventually(t, "property applied", func() bool {
		v, _ := node.Properties().Get("File Size")
		return v == "64"
	})

	if err := srv.StopFlow("edge-test"); err != nil {
		t.Fatalf("enqueue stop: %v", err)
	}
	eventually(t, "flow stopped by controller", func() bool { return !svc.Flow().Running() })

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not return")
	}
}

func TestAdminTokenGuardsFlowRoutes(t *testing.T) {
	testlog.Start(t)
	def, _ := controller.ParseFlow([]byte(testFlow))
	reg, _ := processors.NewRegistry()
	cfg := DefaultServiceConfig()
	cfg.AdminToken = "s3cret"
	cfg.Engine.Address = "127.0.0.1:1"
	svc, err := NewServiceWithFlow(cfg, def, reg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.shutdown)

	rr, _ := request(t, svc.Handler(), http.MethodPost, "/flow/start")
	if rr.Code != http.StatusUnauthorized || svc.Flow().Running() {
		t.Fatalf("unauthenticated start: code=%d running=%v", rr.Code, svc.Flow().Running())
	}
	req := httptest.NewRequest(http.MethodPost, "/flow/start", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !svc.Flow().Running() {
		t.Fatalf("authenticated start: code=%d running=%v", rr.Code, svc.Flow().Running())
	}
	rr, _ = request(t, svc.Handler(), http.MethodGet, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("health should stay open: code=%d", rr.Code)
	}
}
