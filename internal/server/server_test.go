package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/truthforge/forge/internal/domain"
	"github.com/truthforge/forge/internal/logger"
	"github.com/truthforge/forge/internal/store/canonical"
	syncsvc "github.com/truthforge/forge/internal/sync"
)

func newTestCoordinator(t *testing.T) (*syncsvc.Coordinator, *canonical.Store) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatal(err)
	}
	store, err := canonical.Open(filepath.Join(t.TempDir(), "canonical.db"), log)
	if err != nil {
		t.Fatalf("open canonical store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rep := syncsvc.NewReporter(store, nil, log)
	bus := syncsvc.NewBus(rep, log)
	cdc := syncsvc.NewCDC(store, bus, rep, log)
	return syncsvc.NewCoordinator(cdc, bus, nil, log), store
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthzTracksCoordinator(t *testing.T) {
	log, _ := logger.New("test")
	coord, _ := newTestCoordinator(t)
	s := New(Config{Coordinator: coord, Log: log})

	if w := get(t, s.Handler(), "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped coordinator: status = %d, want 503", w.Code)
	}

	coord.Start(context.Background())
	defer coord.Stop()
	if w := get(t, s.Handler(), "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("running coordinator: status = %d, want 200", w.Code)
	}
}

func TestStatusOverviewAndEntityView(t *testing.T) {
	log, _ := logger.New("test")
	coord, _ := newTestCoordinator(t)
	coord.Start(context.Background())
	defer coord.Stop()
	s := New(Config{Coordinator: coord, Log: log})

	w := get(t, s.Handler(), "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("overview status = %d", w.Code)
	}
	var overview struct {
		Running bool `json:"running"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &overview); err != nil {
		t.Fatal(err)
	}
	if !overview.Running {
		t.Fatal("overview should report running")
	}

	err := coord.CaptureChange(context.Background(), domain.SourceLocal, domain.KindContact, "c1",
		domain.ChangeInsert, map[string]any{"canonical_name": "Ada"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	w = get(t, s.Handler(), "/status?kind=contact&id=c1")
	if w.Code != http.StatusOK {
		t.Fatalf("entity status = %d: %s", w.Code, w.Body.String())
	}
	var st struct {
		CDC struct {
			TotalEvents int `json:"total_events"`
		} `json:"cdc"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.CDC.TotalEvents != 1 {
		t.Fatalf("total_events = %d, want 1", st.CDC.TotalEvents)
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	log, _ := logger.New("test")
	s := New(Config{Log: log})
	if w := get(t, s.Handler(), "/metrics"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("disabled metrics: status = %d, want 503", w.Code)
	}
}
