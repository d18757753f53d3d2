package job

import (
	"testing"
	"time"

	"github.com/gaffer-run/gaffer/pkg/process"
	"github.com/gaffer-run/gaffer/pkg/types"
)

func baseConfig() *types.JobConfig {
	return &types.JobConfig{
		Name:         "web",
		Cmd:          "/bin/true",
		NumProcesses: 2,
	}
}

func TestScale(t *testing.T) {
	s := New("default", "web", baseConfig())

	if n, err := s.Scale(ScaleAdd, 3); err != nil || n != 5 {
		t.Fatalf("scale +3 = %d, %v, want 5, nil", n, err)
	}
	if n, err := s.Scale(ScaleSub, 10); err != nil || n != 0 {
		t.Fatalf("scale -10 = %d, %v, want 0 (floored), nil", n, err)
	}
	if n, err := s.Scale(ScaleSet, 7); err != nil || n != 7 {
		t.Fatalf("scale =7 = %d, %v, want 7, nil", n, err)
	}
	if _, err := s.Scale("*", 1); err == nil {
		t.Fatalf("expected error for unrecognized operator")
	}
}

func TestUpdateWidenOnly(t *testing.T) {
	s := New("default", "web", baseConfig())
	s.Scale(ScaleSet, 5)

	smaller := baseConfig()
	smaller.NumProcesses = 1
	s.Update(smaller, nil)
	if s.NumProcesses() != 5 {
		t.Fatalf("update should not shrink numprocesses below current, got %d", s.NumProcesses())
	}

	larger := baseConfig()
	larger.NumProcesses = 9
	s.Update(larger, nil)
	if s.NumProcesses() != 9 {
		t.Fatalf("update should widen numprocesses to new config value, got %d", s.NumProcesses())
	}
}

func TestUpdateMergesEnv(t *testing.T) {
	s := New("default", "web", baseConfig())
	cfg := baseConfig()
	cfg.Env = map[string]string{"A": "1"}
	s.Update(cfg, map[string]string{"B": "2"})

	if s.Config.Env["A"] != "1" || s.Config.Env["B"] != "2" {
		t.Fatalf("expected merged env, got %#v", s.Config.Env)
	}
}

func TestFlappingDetectsWithinWindow(t *testing.T) {
	cfg := baseConfig()
	cfg.Flapping = &types.FlappingPolicy{
		Attempts: 3,
		Window:   10 * time.Second,
		RetryIn:  time.Second,
		MaxRetry: 2,
	}
	s := New("default", "web", cfg)

	base := time.Now()
	if f := s.RecordExit(base); f.Flapped {
		t.Fatalf("expected no flap on first exit")
	}
	if f := s.RecordExit(base.Add(time.Second)); f.Flapped {
		t.Fatalf("expected no flap on second exit")
	}
	f := s.RecordExit(base.Add(2 * time.Second))
	if !f.Flapped {
		t.Fatalf("expected flap on third exit within window")
	}
	if !s.Stopped() {
		t.Fatalf("expected job stopped after flap")
	}
	if f.RetriesExhausted {
		t.Fatalf("expected retries not yet exhausted (1 of 2 used)")
	}
}

func TestFlappingRetriesAreNotResetAcrossCooldowns(t *testing.T) {
	cfg := baseConfig()
	cfg.Flapping = &types.FlappingPolicy{
		Attempts: 2,
		Window:   time.Minute,
		RetryIn:  time.Millisecond,
		MaxRetry: 2,
	}
	s := New("default", "web", cfg)
	base := time.Now()

	s.RecordExit(base)
	f1 := s.RecordExit(base.Add(time.Millisecond))
	if !f1.Flapped || f1.RetriesExhausted {
		t.Fatalf("expected first flap to consume one retry, got %#v", f1)
	}
	s.ClearFlap()

	s.RecordExit(base.Add(time.Second))
	f2 := s.RecordExit(base.Add(time.Second + time.Millisecond))
	if !f2.Flapped || !f2.RetriesExhausted {
		t.Fatalf("expected second flap to exhaust retries, got %#v", f2)
	}
	if s.FlappingRetries() != 2 {
		t.Fatalf("expected cumulative retry count 2, got %d", s.FlappingRetries())
	}
}

func TestFlappingOutsideWindowDoesNotFlap(t *testing.T) {
	cfg := baseConfig()
	cfg.Flapping = &types.FlappingPolicy{
		Attempts: 2,
		Window:   time.Second,
		RetryIn:  time.Second,
		MaxRetry: 5,
	}
	s := New("default", "web", cfg)
	base := time.Now()

	s.RecordExit(base)
	f := s.RecordExit(base.Add(10 * time.Second))
	if f.Flapped {
		t.Fatalf("expected no flap when exits are outside the window")
	}
}

func TestQueueDequeueRemove(t *testing.T) {
	s := New("default", "web", baseConfig())
	if s.Dequeue() != nil {
		t.Fatalf("expected nil dequeue on empty pool")
	}

	for id := 1; id <= 3; id++ {
		s.Queue(&process.Process{ID: id})
	}
	if p := s.Remove(2); p == nil || p.ID != 2 {
		t.Fatalf("expected Remove(2) to return process 2, got %v", p)
	}
	if p := s.Dequeue(); p == nil || p.ID != 1 {
		t.Fatalf("expected Dequeue to return the oldest process 1, got %v", p)
	}
	if got := s.Running(); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("expected only process 3 left in the pool, got %v", got)
	}
}
