package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func decodeStatus(t *testing.T, body io.Reader) HealthStatus {
	t.Helper()
	var status HealthStatus
	if err := json.NewDecoder(body).Decode(&status); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return status
}

func TestHealthServer_Healthz_OK(t *testing.T) {
	h := NewHealthServer(":0", nil)

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if status := decodeStatus(t, w.Body); status.Status != StatusOK {
		t.Errorf("expected status %q, got %q", StatusOK, status.Status)
	}
}

func TestHealthServer_Healthz_ShuttingDown(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetShuttingDown()

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusServiceUnavailable, w.Code)
		}
		if status := decodeStatus(t, w.Body); status.Status != StatusShuttingDown {
			t.Errorf("%s: expected %q, got %q", path, StatusShuttingDown, status.Status)
		}
	}
}

func TestHealthServer_Healthz_ComponentStopped(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.ComponentStarted("scheduler")
	h.ComponentStarted("sweeper")

	if status := h.CheckHealth(); status.Status != StatusOK {
		t.Fatalf("expected ok with running components, got %q", status.Status)
	}

	h.ComponentStopped("sweeper")

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w.Body)
	if status.Status != StatusDegraded {
		t.Errorf("expected %q, got %q", StatusDegraded, status.Status)
	}
	if !status.Components["scheduler"] || status.Components["sweeper"] {
		t.Errorf("unexpected components: %v", status.Components)
	}
}

func TestHealthServer_ComponentStoppedUnknownIgnored(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.ComponentStopped("never-started")

	if status := h.CheckHealth(); status.Status != StatusOK {
		t.Errorf("expected ok, got %q", status.Status)
	}
}

func TestHealthServer_Track(t *testing.T) {
	h := NewHealthServer(":0", nil)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Track("consumer", func() { <-release })
	}()

	deadline := time.Now().Add(time.Second)
	for {
		if running, ok := h.CheckHealth().Components["consumer"]; ok && running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("component was not marked running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	<-done
	if status := h.CheckHealth(); status.Status != StatusDegraded {
		t.Errorf("expected %q after component returned, got %q", StatusDegraded, status.Status)
	}
}

func TestHealthServer_MethodNotAllowed(t *testing.T) {
	h := NewHealthServer(":0", nil)

	for _, path := range []string{"/healthz", "/readyz"} {
		w := httptest.NewRecorder()
		h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected status %d, got %d", path, http.StatusMethodNotAllowed, w.Code)
		}
	}
}

func TestHealthServer_HeadHasNoBody(t *testing.T) {
	h := NewHealthServer(":0", nil)

	w := httptest.NewRecorder()
	h.handleHealthz(w, httptest.NewRequest(http.MethodHead, "/healthz", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", w.Body.String())
	}
}

func TestHealthServer_Readyz(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterReadinessCheck(NewFuncChecker("ok", func(context.Context) error { return nil }))

	w := httptest.NewRecorder()
	h.handleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	h.RegisterReadinessCheck(NewFuncChecker("catalog", func(context.Context) error { return errors.New("connection refused") }))

	w = httptest.NewRecorder()
	h.handleReadyz(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}
	status := decodeStatus(t, w.Body)
	if status.Status != StatusNotReady {
		t.Errorf("expected %q, got %q", StatusNotReady, status.Status)
	}
	if !status.Checks["ok"].Healthy {
		t.Error("expected ok check to be healthy")
	}
	if c := status.Checks["catalog"]; c.Healthy || c.Message != "connection refused" {
		t.Errorf("unexpected catalog result: %+v", c)
	}
}

func TestHealthServer_ReadinessTimeout(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.SetReadinessTimeout(20 * time.Millisecond)
	h.RegisterReadinessCheck(NewFuncChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	status := h.CheckReadiness(context.Background())
	if status.Status != StatusNotReady {
		t.Errorf("expected %q, got %q", StatusNotReady, status.Status)
	}
}

func TestHealthServer_RegisterHandler(t *testing.T) {
	h := NewHealthServer(":0", nil)
	h.RegisterHandler("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "autoprune_up 1\n")
	}))
	h.RegisterHandler("", http.NotFoundHandler())
	h.RegisterHandler("/nil", nil)

	w := httptest.NewRecorder()
	h.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "autoprune_up 1\n" {
		t.Errorf("unexpected /metrics response: %d %q", w.Code, w.Body.String())
	}
}

func TestHealthServer_StartAndClose(t *testing.T) {
	h := NewHealthServer("127.0.0.1:0", nil)
	if err := h.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer h.Close(context.Background())

	if h.Addr() == "127.0.0.1:0" {
		t.Fatal("expected bound address")
	}

	resp, err := http.Get("http://" + h.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

func TestHealthServer_CloseBeforeStart(t *testing.T) {
	h := NewHealthServer(":0", nil)
	if err := h.Close(context.Background()); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
