package hub

import (
	"encoding/json"
	"testing"
	"time"

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

func TestSubscribeActivatesOnceAndDeactivatesOnLastUnsubscribe(t *testing.T) {
	m := startTestManager(t)
	h := New(m, nil)

	var deliveries int
	sub1, err := h.Subscribe("EVENTS", func(topic string, args ...interface{}) { deliveries++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub2, err := h.Subscribe("EVENTS", func(topic string, args ...interface{}) { deliveries++ })
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	h.mu.Lock()
	act := h.topics["EVENTS"]
	refs := act.refs
	h.mu.Unlock()
	if refs != 2 {
		t.Fatalf("expected refcount 2, got %d", refs)
	}

	h.Unsubscribe(sub1)
	h.mu.Lock()
	_, stillActive := h.topics["EVENTS"]
	h.mu.Unlock()
	if !stillActive {
		t.Fatalf("topic deactivated before last unsubscribe")
	}

	h.Unsubscribe(sub2)
	h.mu.Lock()
	_, stillActive = h.topics["EVENTS"]
	h.mu.Unlock()
	if stillActive {
		t.Fatalf("topic still active after last unsubscribe")
	}
}

func TestSubscribeJobRequiresTarget(t *testing.T) {
	m := startTestManager(t)
	h := New(m, nil)

	if _, err := h.Subscribe("JOB", func(string, ...interface{}) {}); err == nil {
		t.Fatalf("expected error for JOB subscription without target")
	}
}

func TestSubscribeDeniedByAuthorizer(t *testing.T) {
	m := startTestManager(t)
	h := New(m, denyAll{})

	if _, err := h.Subscribe("EVENTS", func(string, ...interface{}) {}); err == nil {
		t.Fatalf("expected forbidden error")
	}
}

type denyAll struct{}

func (denyAll) CanRead(string) bool   { return false }
func (denyAll) CanManage(string) bool { return false }
func (denyAll) CanManageAll() bool    { return false }

func TestDispatchUnrecognizedCommand(t *testing.T) {
	m := startTestManager(t)
	h := New(m, nil)

	reply := h.Dispatch(Command{Identity: "abc", Name: "not-a-command"})
	if reply.Event != "gaffer:command_error" {
		t.Fatalf("expected command_error, got %s", reply.Event)
	}
	data, ok := reply.Data.(errorData)
	if !ok {
		t.Fatalf("expected errorData, got %T", reply.Data)
	}
	if data.ID != "abc" {
		t.Fatalf("expected identity echoed back, got %v", data.ID)
	}
}

func TestDispatchLoadAndJobs(t *testing.T) {
	m := startTestManager(t)
	h := New(m, nil)

	args, _ := json.Marshal(struct {
		Session string          `json:"session"`
		Config  types.JobConfig `json:"config"`
		Start   bool            `json:"start"`
	}{
		Session: "default",
		Config: types.JobConfig{
			Name:         "sleeper",
			Cmd:          "/bin/sleep",
			Args:         []string{"30"},
			NumProcesses: 1,
		},
		Start: true,
	})

	reply := h.Dispatch(Command{Identity: 1, Name: "load", Args: args})
	if reply.Event != "gaffer:command_success" {
		t.Fatalf("load failed: %+v", reply.Data)
	}

	reply = h.Dispatch(Command{Identity: 2, Name: "jobs"})
	if reply.Event != "gaffer:command_success" {
		t.Fatalf("jobs failed: %+v", reply.Data)
	}
	sd := reply.Data.(successData)
	jobs, ok := sd.Result.([]types.JobSummary)
	if !ok || len(jobs) != 1 {
		t.Fatalf("expected one job summary, got %#v", sd.Result)
	}
}
