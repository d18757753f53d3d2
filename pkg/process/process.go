package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gaffer-run/gaffer/pkg/events"
	"github.com/gaffer-run/gaffer/pkg/gafferr"
	"github.com/gaffer-run/gaffer/pkg/types"
)

// statSampleInterval is the sampling period from spec section 4.2.
const statSampleInterval = 100 * time.Millisecond

// ExitFunc is invoked exactly once, off the process's own goroutine, when
// its OS child has exited. termSignal is 0 when the process exited on
// its own rather than being killed by a signal.
type ExitFunc func(p *Process, exitStatus int, termSignal syscall.Signal)

// Process is one supervised OS child: the spawn/monitor/signal contract
// of spec section 4.2 ("Process Wrapper"). Its identity (ID) is assigned
// by the caller (the Manager), distinct from the kernel's OSPid.
type Process struct {
	ID      int
	JobName string
	Once    bool
	Config  *types.JobConfig

	mu               sync.Mutex
	cmd              *exec.Cmd
	osPid            int
	exited           bool
	exitStatus       int
	termSignal       syscall.Signal
	gracefulDeadline int64 // monotonic nanoseconds; 0 if unset

	stdin       io.WriteCloser
	customConns map[string]*os.File
	onExit      ExitFunc
	emitter     *events.Emitter
	ctx         context.Context
	cancel      context.CancelFunc

	statMu   sync.Mutex
	statRefs int
	statStop chan struct{}
}

// New constructs a Process around cfg but does not start it. id is the
// Manager-assigned process identity; jobName is the fully-qualified
// "<session>.<job>" name it belongs to.
func New(id int, jobName string, cfg *types.JobConfig, once bool, onExit ExitFunc) *Process {
	ctx, cancel := context.WithCancel(context.Background())
	return &Process{
		ID:          id,
		JobName:     jobName,
		Once:        once,
		Config:      cfg,
		customConns: make(map[string]*os.File),
		onExit:      onExit,
		emitter:     events.New(),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start builds the child's stdio plumbing and execs it.
func (p *Process) Start() error {
	name, args := p.resolveCommand()
	cmd := exec.Command(name, args...)
	cmd.Dir = p.Config.Cwd
	cmd.Env = p.resolveEnv()
	cmd.SysProcAttr = p.resolveSysProcAttr()

	if p.Config.RedirectInput {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("open stdin pipe: %w", err)
		}
		p.stdin = stdin
	}

	if err := p.attachOutput(cmd); err != nil {
		return err
	}
	if err := p.attachCustomStreams(cmd); err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		p.closeHandles()
		return fmt.Errorf("start process: %w", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.osPid = cmd.Process.Pid
	p.mu.Unlock()

	go p.wait()
	return nil
}

// resolveCommand applies the shell-wrapping rule: when Shell is set,
// Cmd is run as a script via /bin/sh -c, with Args passed through as
// the script's positional parameters.
func (p *Process) resolveCommand() (string, []string) {
	if !p.Config.Shell {
		return p.Config.Cmd, p.Config.Args
	}
	shArgs := append([]string{"-c", p.Config.Cmd, p.Config.Cmd}, p.Config.Args...)
	return "/bin/sh", shArgs
}

func (p *Process) resolveEnv() []string {
	env := os.Environ()
	for k, v := range p.Config.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func (p *Process) resolveSysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{}
	if p.Config.Detach {
		attr.Setpgid = true
	}
	if p.Config.UID != nil || p.Config.GID != nil {
		cred := &syscall.Credential{}
		if p.Config.UID != nil {
			cred.Uid = uint32(*p.Config.UID)
		}
		if p.Config.GID != nil {
			cred.Gid = uint32(*p.Config.GID)
		}
		attr.Credential = cred
	}
	return attr
}

// ExitInfo reports whether the process has exited and, if so, how.
func (p *Process) ExitInfo() (exited bool, exitStatus int, termSignal syscall.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exited, p.exitStatus, p.termSignal
}

// OSPid returns the kernel process id, or 0 before Start succeeds.
func (p *Process) OSPid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.osPid
}

// Write queues bytes onto the process's stdin. Fails with
// gafferr.NotWritable if the job was not configured with
// redirect_input.
func (p *Process) Write(data []byte) error {
	if p.stdin == nil {
		return gafferr.NotWritable("stdin")
	}
	_, err := p.stdin.Write(data)
	return err
}

// WriteLines writes each line followed by a newline, in order.
func (p *Process) WriteLines(lines [][]byte) error {
	for _, line := range lines {
		if err := p.Write(append(append([]byte(nil), line...), '\n')); err != nil {
			return err
		}
	}
	return nil
}

// StreamWrite writes bytes to a custom stream previously declared in
// JobConfig.CustomStreams.
func (p *Process) StreamWrite(label string, data []byte) error {
	p.mu.Lock()
	conn, ok := p.customConns[label]
	p.mu.Unlock()
	if !ok {
		return gafferr.StreamNotFound(label)
	}
	_, err := conn.Write(data)
	return err
}

// MonitorIO subscribes listener to bytes read from the named stream
// ("stdout", "stderr", or a custom_streams label). The emitted args are
// (jobName string, pid int, data []byte).
func (p *Process) MonitorIO(label string, listener events.Listener) *events.Subscription {
	return p.emitter.Subscribe(label, listener)
}

// Monitor subscribes listener to periodic "stat" resource snapshots.
// Sampling is reference-counted: the first Monitor call starts a 100ms
// sampler, and it stops when the matching number of Unmonitor calls
// have been made.
func (p *Process) Monitor(listener events.Listener) *events.Subscription {
	sub := p.emitter.Subscribe("stat", listener)
	p.statMu.Lock()
	p.statRefs++
	if p.statRefs == 1 {
		p.statStop = make(chan struct{})
		go p.sampleLoop(p.statStop)
	}
	p.statMu.Unlock()
	return sub
}

// Unmonitor removes a stat subscription and stops the sampler once the
// last listener has unsubscribed.
func (p *Process) Unmonitor(sub *events.Subscription) {
	p.emitter.Unsubscribe(sub)
	p.statMu.Lock()
	if p.statRefs > 0 {
		p.statRefs--
	}
	if p.statRefs == 0 && p.statStop != nil {
		close(p.statStop)
		p.statStop = nil
	}
	p.statMu.Unlock()
}

func (p *Process) sampleLoop(stop chan struct{}) {
	ticker := time.NewTicker(statSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			snap, err := snapshot(p.OSPid())
			if err != nil {
				continue
			}
			p.emitter.Publish("stat", snap)
		}
	}
}

// Info returns a one-off resource snapshot, independent of Monitor.
func (p *Process) Info() (types.ProcessStatus, error) {
	return snapshot(p.OSPid())
}

// Stop sends SIGTERM. The caller (the Manager's grace tracker) is
// responsible for scheduling the SIGKILL fallback at
// graceful_timeout.
func (p *Process) Stop() error {
	return p.Kill(syscall.SIGTERM)
}

// Kill sends an arbitrary signal to the child.
func (p *Process) Kill(sig syscall.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return gafferr.ProcessNotFound(p.ID)
	}
	return cmd.Process.Signal(sig)
}

// ForceKill sends SIGKILL and is called by the grace tracker once
// graceful_timeout has elapsed with the process still alive.
func (p *Process) ForceKill() error {
	return p.Kill(syscall.SIGKILL)
}

// SetGracefulDeadline records the monotonic deadline the grace tracker
// scheduled this wrapper under.
func (p *Process) SetGracefulDeadline(deadline int64) {
	p.mu.Lock()
	p.gracefulDeadline = deadline
	p.mu.Unlock()
}

// GracefulDeadline returns the deadline set by SetGracefulDeadline, or
// 0 if none was set.
func (p *Process) GracefulDeadline() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gracefulDeadline
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	exitStatus := 0
	var termSignal syscall.Signal
	if state := p.cmd.ProcessState; state != nil {
		if status, ok := state.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				termSignal = status.Signal()
			} else {
				exitStatus = status.ExitStatus()
			}
		} else {
			exitStatus = state.ExitCode()
		}
	} else if err != nil {
		exitStatus = -1
	}

	p.mu.Lock()
	p.exited = true
	p.exitStatus = exitStatus
	p.termSignal = termSignal
	p.mu.Unlock()

	p.cancel()
	p.closeHandles()
	p.emitter.Close()

	if p.onExit != nil {
		p.onExit(p, exitStatus, termSignal)
	}
}

func (p *Process) closeHandles() {
	if p.stdin != nil {
		p.stdin.Close()
	}
	p.mu.Lock()
	conns := p.customConns
	p.customConns = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (p *Process) attachOutput(cmd *exec.Cmd) error {
	labels := p.Config.RedirectOutput
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	for i, label := range labels {
		r, w, err := os.Pipe()
		if err != nil {
			return fmt.Errorf("open %s pipe: %w", label, err)
		}
		switch i {
		case 0:
			cmd.Stdout = w
		case 1:
			cmd.Stderr = w
		default:
			w.Close()
			r.Close()
			continue
		}
		go p.readOutput(label, r, w)
	}
	return nil
}

// readOutput frames bytes read from r into {event, name, pid, data}
// messages published on the process's local emitter, closing w in the
// parent once the child's end is no longer needed.
func (p *Process) readOutput(label string, r, w *os.File) {
	defer r.Close()
	go func() {
		<-p.ctx.Done()
		w.Close()
	}()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.emitter.Publish(label, p.JobName, p.ID, chunk)
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) attachCustomStreams(cmd *exec.Cmd) error {
	for _, label := range p.Config.CustomStreams {
		fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
		if err != nil {
			return fmt.Errorf("open %s socketpair: %w", label, err)
		}
		parentEnd := os.NewFile(uintptr(fds[0]), label+"-parent")
		childEnd := os.NewFile(uintptr(fds[1]), label+"-child")

		cmd.ExtraFiles = append(cmd.ExtraFiles, childEnd)
		p.mu.Lock()
		p.customConns[label] = parentEnd
		p.mu.Unlock()

		go p.readCustomStream(label, parentEnd)
	}
	return nil
}

func (p *Process) readCustomStream(label string, conn *os.File) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.emitter.Publish(label, p.JobName, p.ID, chunk)
		}
		if err != nil {
			return
		}
	}
}
