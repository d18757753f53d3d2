package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaffer-run/gaffer/pkg/api"
	"github.com/gaffer-run/gaffer/pkg/hub"
	"github.com/gaffer-run/gaffer/pkg/manager"
	"github.com/gaffer-run/gaffer/pkg/types"
)

// harness boots a Manager, Hub, and REST API together behind an
// httptest.Server, the same assembly cmd/gafferd wires in production.
type harness struct {
	t   *testing.T
	mgr *manager.Manager
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mgr := manager.New()
	go mgr.Run()
	t.Cleanup(func() {
		done := make(chan struct{})
		mgr.Stop(func() { close(done) })
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("manager did not shut down")
		}
	})

	h := hub.New(mgr, nil)
	apiServer := api.NewServer("", mgr, h, zerolog.Nop())
	srv := httptest.NewServer(apiServer.Handler())
	t.Cleanup(srv.Close)

	return &harness{t: t, mgr: mgr, srv: srv}
}

func (h *harness) request(method, path string, body interface{}) *http.Response {
	h.t.Helper()
	var r io.Reader
	if body != nil {
		buf, _ := json.Marshal(body)
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, r)
	if err != nil {
		h.t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (h *harness) decode(resp *http.Response, v interface{}) {
	h.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		h.t.Fatalf("decode response: %v", err)
	}
}

// TestScaleSetIsIdempotent exercises spec.md section 8's scale
// idempotency invariant end to end: POSTing the same "=n" operator
// twice converges to the same running process count both times.
func TestScaleSetIsIdempotent(t *testing.T) {
	h := newHarness(t)

	cfg := types.JobConfig{
		Name:            "idempotent",
		Cmd:             "/bin/sleep",
		Args:            []string{"30"},
		NumProcesses:    1,
		GracefulTimeout: 2 * time.Second,
	}
	resp := h.request(http.MethodPost, "/jobs/default", struct {
		Config types.JobConfig `json:"config"`
		Start  bool            `json:"start"`
	}{Config: cfg, Start: true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("load: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	waiter := DefaultWaiter()
	waitForPIDCount := func(n int) {
		err := waiter.WaitFor(context.Background(), func() bool {
			got, err := h.mgr.GetJob("default", "idempotent")
			return err == nil && len(got.PIDs) == n
		}, "pid count to converge")
		if err != nil {
			t.Fatal(err)
		}
	}
	waitForPIDCount(1)

	for i := 0; i < 2; i++ {
		resp := h.request(http.MethodPost, "/jobs/default/idempotent/numprocesses", map[string]string{"scale": "=3"})
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("scale attempt %d: status %d", i, resp.StatusCode)
		}
		resp.Body.Close()
		waitForPIDCount(3)
	}
}

// TestStopJobDrainsWithinGracefulWindow exercises the stop_job
// invariant: within graceful_timeout + slack, the job has zero
// running processes.
func TestStopJobDrainsWithinGracefulWindow(t *testing.T) {
	h := newHarness(t)

	cfg := types.JobConfig{
		Name:            "drainer",
		Cmd:             "/bin/sleep",
		Args:            []string{"30"},
		NumProcesses:    2,
		GracefulTimeout: 500 * time.Millisecond,
	}
	resp := h.request(http.MethodPost, "/jobs/default", struct {
		Config types.JobConfig `json:"config"`
		Start  bool            `json:"start"`
	}{Config: cfg, Start: true})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("load: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	waiter := NewWaiter(3*time.Second, 20*time.Millisecond)
	if err := waiter.WaitFor(context.Background(), func() bool {
		got, err := h.mgr.GetJob("default", "drainer")
		return err == nil && len(got.PIDs) == 2
	}, "job to reach full pool"); err != nil {
		t.Fatal(err)
	}

	resp = h.request(http.MethodPost, "/jobs/default/drainer/state", map[string]int{"state": 0})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop via state: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	deadline := cfg.GracefulTimeout + 2*time.Second
	if err := NewWaiter(deadline, 20*time.Millisecond).WaitFor(context.Background(), func() bool {
		got, err := h.mgr.GetJob("default", "drainer")
		return err == nil && len(got.PIDs) == 0
	}, "job to drain to zero processes"); err != nil {
		t.Fatal(err)
	}
}

// TestCommitProcessIsNotRespawnedOrCounted exercises the commit
// invariant: a one-shot process spawned outside the standing pool
// does not count toward numprocesses and is not respawned on exit.
func TestCommitProcessIsNotRespawnedOrCounted(t *testing.T) {
	h := newHarness(t)

	cfg := types.JobConfig{
		Name:            "committer",
		Cmd:             "/bin/true",
		NumProcesses:    0,
		GracefulTimeout: time.Second,
	}
	resp := h.request(http.MethodPost, "/jobs/default", struct {
		Config types.JobConfig `json:"config"`
		Start  bool            `json:"start"`
	}{Config: cfg, Start: false})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("load: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	pid, err := h.mgr.Commit("default", "committer", nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	var numprocs map[string]int
	resp = h.request(http.MethodGet, "/jobs/default/committer/numprocesses", nil)
	h.decode(resp, &numprocs)
	if numprocs["numprocesses"] != 0 {
		t.Fatalf("expected committed process to not count toward numprocesses, got %d", numprocs["numprocesses"])
	}

	if err := NewWaiter(2*time.Second, 20*time.Millisecond).WaitFor(context.Background(), func() bool {
		_, err := h.mgr.LookupProcess(pid)
		return err != nil
	}, "committed process to exit without respawn"); err != nil {
		t.Fatal(err)
	}
}
