package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaffer-run/gaffer/pkg/hub"
	"github.com/gaffer-run/gaffer/pkg/manager"
	"github.com/gaffer-run/gaffer/pkg/types"
)

func startTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	m := manager.New()
	go m.Run()
	t.Cleanup(func() {
		done := make(chan struct{})
		m.Stop(func() { close(done) })
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("manager did not shut down")
		}
	})
	return m
}

func newTestServer(t *testing.T) (*Server, *manager.Manager) {
	t.Helper()
	m := startTestManager(t)
	h := hub.New(m, nil)
	s := NewServer(":0", m, h, zerolog.Nop())
	return s, m
}

func doRequest(s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		buf, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, r)
	return w
}

func loadSleeper(t *testing.T, s *Server, name string, n int) *types.JobSummary {
	t.Helper()
	cfg := &types.JobConfig{
		Name:            name,
		Cmd:             "/bin/sleep",
		Args:            []string{"30"},
		NumProcesses:    n,
		GracefulTimeout: 2 * time.Second,
	}
	w := doRequest(s, http.MethodPost, "/jobs/default", struct {
		Config types.JobConfig `json:"config"`
		Start  bool            `json:"start"`
	}{Config: *cfg, Start: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("load %s: status %d body %s", name, w.Code, w.Body.String())
	}
	var summary types.JobSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode load response: %v", err)
	}
	return &summary
}

func TestHandleWelcomeAndPing(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("welcome: status %d", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/ping", nil)
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Fatalf("ping: status %d body %q", w.Code, w.Body.String())
	}
}

func TestLoadListAndUnloadJob(t *testing.T) {
	s, _ := newTestServer(t)

	summary := loadSleeper(t, s, "sleeper", 1)
	if summary.NumProcesses != 1 {
		t.Fatalf("expected numprocesses 1, got %d", summary.NumProcesses)
	}

	w := doRequest(s, http.MethodGet, "/jobs", nil)
	var names []string
	if err := json.Unmarshal(w.Body.Bytes(), &names); err != nil {
		t.Fatalf("decode jobs index: %v", err)
	}
	found := false
	for _, n := range names {
		if n == summary.FQName {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", summary.FQName, names)
	}

	w = doRequest(s, http.MethodGet, "/sessions", nil)
	var sessions []string
	if err := json.Unmarshal(w.Body.Bytes(), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0] != "default" {
		t.Fatalf("expected [default], got %v", sessions)
	}

	w = doRequest(s, http.MethodGet, "/jobs/default/sleeper", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get job: status %d body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodDelete, "/jobs/default/sleeper", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unload: status %d body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/jobs/default/sleeper", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after unload, got %d", w.Code)
	}
}

func TestScaleAndNumProcesses(t *testing.T) {
	s, _ := newTestServer(t)
	loadSleeper(t, s, "scaler", 1)

	w := doRequest(s, http.MethodPost, "/jobs/default/scaler/numprocesses", map[string]string{"scale": "+2"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("scale: status %d body %s", w.Code, w.Body.String())
	}
	var scaled map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &scaled); err != nil {
		t.Fatalf("decode scale response: %v", err)
	}
	if scaled["numprocesses"] != 3 {
		t.Fatalf("expected numprocesses 3, got %d", scaled["numprocesses"])
	}

	w = doRequest(s, http.MethodGet, "/jobs/default/scaler/numprocesses", nil)
	var got map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode numprocesses: %v", err)
	}
	if got["numprocesses"] != 3 {
		t.Fatalf("expected numprocesses 3, got %d", got["numprocesses"])
	}
}

func TestJobStateTransitions(t *testing.T) {
	s, _ := newTestServer(t)
	loadSleeper(t, s, "stateful", 1)

	w := doRequest(s, http.MethodPost, "/jobs/default/stateful/state", map[string]int{"state": 0})
	if w.Code != http.StatusAccepted {
		t.Fatalf("stop via state: status %d body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/jobs/default/stateful/state", nil)
	var got map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got["state"] != 0 {
		t.Fatalf("expected state 0 after stop, got %d", got["state"])
	}

	w = doRequest(s, http.MethodPost, "/jobs/default/stateful/state", map[string]int{"state": 99})
	if w.Code == http.StatusAccepted {
		t.Fatalf("expected error for unrecognized state, got 202")
	}
}

func TestProcessRoutesNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(s, http.MethodGet, "/999999", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown pid, got %d body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/notanumber", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected welcome fallback for non-numeric segment, got %d", w.Code)
	}
}

func TestProcessInfoStopAndSignal(t *testing.T) {
	s, m := newTestServer(t)
	summary := loadSleeper(t, s, "proc", 1)

	var pid int
	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := m.GetJob("default", summary.Name)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if len(got.PIDs) == 1 {
			pid = got.PIDs[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("process never started")
		}
		time.Sleep(20 * time.Millisecond)
	}

	w := doRequest(s, http.MethodGet, itoaPath(pid), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("process info: status %d body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodPost, itoaPath(pid)+"/signal", map[string]string{"signal": "HUP"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("process signal: status %d body %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodDelete, itoaPath(pid), nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("process stop: status %d body %s", w.Code, w.Body.String())
	}
}

func itoaPath(pid int) string {
	buf, _ := json.Marshal(pid)
	return "/" + string(buf)
}
