package process

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gaffer-run/gaffer/pkg/types"
)

func TestParseSignal(t *testing.T) {
	tests := map[string]struct {
		input   string
		want    syscall.Signal
		wantErr bool
	}{
		"upper with prefix":  {input: "SIGTERM", want: syscall.SIGTERM},
		"lower no prefix":    {input: "term", want: syscall.SIGTERM},
		"mixed case":         {input: "KiLl", want: syscall.SIGKILL},
		"padded":             {input: " hup ", want: syscall.SIGHUP},
		"unknown":            {input: "NOPE", wantErr: true},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ParseSignal(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseSignal(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestProcessSpawnAndExit(t *testing.T) {
	cfg := &types.JobConfig{
		Cmd:            "/bin/sh",
		Args:           []string{"-c", "echo hello; exit 0"},
		RedirectOutput: []string{"stdout", "stderr"},
	}

	var wg sync.WaitGroup
	wg.Add(1)

	var gotStatus int
	var gotSignal syscall.Signal
	p := New(1, "default.echo", cfg, false, func(_ *Process, status int, sig syscall.Signal) {
		gotStatus = status
		gotSignal = sig
		wg.Done()
	})

	var output []byte
	var mu sync.Mutex
	p.MonitorIO("stdout", func(_ string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		if len(args) == 3 {
			if chunk, ok := args[2].([]byte); ok {
				output = append(output, chunk...)
			}
		}
	})

	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if p.OSPid() == 0 {
		t.Fatalf("expected non-zero os pid after start")
	}

	waitTimeout(t, &wg, 5*time.Second)

	if gotSignal != 0 {
		t.Fatalf("expected clean exit, got signal %v", gotSignal)
	}
	if gotStatus != 0 {
		t.Fatalf("expected exit status 0, got %d", gotStatus)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(output) != "hello\n" {
		t.Fatalf("unexpected stdout: %q", output)
	}
}

func TestProcessWriteWithoutRedirectInputFails(t *testing.T) {
	cfg := &types.JobConfig{Cmd: "/bin/sleep", Args: []string{"0.1"}}
	p := New(2, "default.sleeper", cfg, false, nil)
	if err := p.Write([]byte("hi")); err == nil {
		t.Fatalf("expected NotWritable error")
	}
}

func TestProcessStopSendsSignal(t *testing.T) {
	cfg := &types.JobConfig{Cmd: "/bin/sleep", Args: []string{"30"}}

	var wg sync.WaitGroup
	wg.Add(1)
	var gotSignal syscall.Signal
	p := New(3, "default.sleeper", cfg, false, func(_ *Process, _ int, sig syscall.Signal) {
		gotSignal = sig
		wg.Done()
	})

	if err := p.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	waitTimeout(t, &wg, 5*time.Second)
	if gotSignal != syscall.SIGTERM {
		t.Fatalf("expected SIGTERM, got %v", gotSignal)
	}
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out waiting for process exit")
	}
}
