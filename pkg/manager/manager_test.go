package manager

import (
	"testing"
	"time"

	"github.com/gaffer-run/gaffer/pkg/types"
)

func startTestManager(t *testing.T) *Manager {
	t.Helper()
	m := New()
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

func TestLoadStartAndStopJob(t *testing.T) {
	m := startTestManager(t)

	cfg := &types.JobConfig{
		Name:            "sleeper",
		Cmd:             "/bin/sleep",
		Args:            []string{"30"},
		NumProcesses:    2,
		GracefulTimeout: 2 * time.Second,
	}

	summary, err := m.Load("default", cfg, nil, true)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if summary.NumProcesses != 2 {
		t.Fatalf("expected numprocesses 2, got %d", summary.NumProcesses)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := m.GetJob("default", "sleeper")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if len(got.PIDs) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 running pids, got %d", len(got.PIDs))
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := m.StopJob("default", "sleeper"); err != nil {
		t.Fatalf("stop job: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		got, err := m.GetJob("default", "sleeper")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if len(got.PIDs) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 0 running pids after stop_job, got %d", len(got.PIDs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestLoadConflict(t *testing.T) {
	m := startTestManager(t)
	cfg := &types.JobConfig{Name: "once", Cmd: "/bin/true"}

	if _, err := m.Load("default", cfg, nil, false); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := m.Load("default", cfg, nil, false); err == nil {
		t.Fatalf("expected conflict on second load of the same job")
	}
}

func TestScaleUpSpawnsProcesses(t *testing.T) {
	m := startTestManager(t)
	cfg := &types.JobConfig{
		Name:            "worker",
		Cmd:             "/bin/sleep",
		Args:            []string{"30"},
		GracefulTimeout: time.Second,
	}
	if _, err := m.Load("default", cfg, nil, false); err != nil {
		t.Fatalf("load: %v", err)
	}

	n, err := m.Scale("default", "worker", "=3")
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected scale result 3, got %d", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := m.GetJob("default", "worker")
		if len(got.PIDs) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 running pids after scale, got %d", len(got.PIDs))
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCommitSpawnsOnceProcess(t *testing.T) {
	m := startTestManager(t)
	cfg := &types.JobConfig{Name: "batch", Cmd: "/bin/true"}
	if _, err := m.Load("default", cfg, nil, false); err != nil {
		t.Fatalf("load: %v", err)
	}

	pid, err := m.Commit("default", "batch", nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if pid == 0 {
		t.Fatalf("expected non-zero committed process id")
	}
}

func TestJobNotFound(t *testing.T) {
	m := startTestManager(t)
	if _, err := m.GetJob("default", "nope"); err == nil {
		t.Fatalf("expected JobNotFound error")
	}
}
