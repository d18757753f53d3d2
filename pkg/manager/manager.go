package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gaffer-run/gaffer/pkg/events"
	"github.com/gaffer-run/gaffer/pkg/gafferr"
	"github.com/gaffer-run/gaffer/pkg/job"
	"github.com/gaffer-run/gaffer/pkg/log"
	"github.com/gaffer-run/gaffer/pkg/process"
	"github.com/gaffer-run/gaffer/pkg/types"
)

// graceTickInterval is the grace-tracker poll period from spec section
// 4.4.
const graceTickInterval = 100 * time.Millisecond

// App is optional behavior hosted by the Manager — the HTTP/WS surface,
// the lookup client, anything that needs to start alongside the
// supervisor loop and shut down cleanly with it. Apps are started and
// stopped in registration order.
type App interface {
	Start(m *Manager) error
	Stop() error
}

type request struct {
	fn   func(m *Manager) (interface{}, error)
	resp chan result
}

type result struct {
	val interface{}
	err error
}

// Manager is the single-threaded owner of every Job State in a gafferd
// process (spec section 4.4).
type Manager struct {
	jobs       map[string]*job.State
	sessions   map[string]map[string]bool
	running    map[int]*process.Process
	nextProcID int

	grace *graceTracker
	apps  []App

	Events *events.Emitter

	commands chan request
	done     chan struct{}
	once     sync.Once

	stopping bool
	log      zerolog.Logger
}

// New constructs a Manager. Call Run in its own goroutine before
// issuing any operation.
func New() *Manager {
	return &Manager{
		jobs:     make(map[string]*job.State),
		sessions: make(map[string]map[string]bool),
		running:  make(map[int]*process.Process),
		grace:    newGraceTracker(),
		Events:   events.New(),
		commands: make(chan request, 256),
		done:     make(chan struct{}),
		log:      log.WithComponent("manager"),
	}
}

// Use registers an App to be started by Run and stopped by Stop, in
// registration order.
func (m *Manager) Use(app App) {
	m.apps = append(m.apps, app)
}

// Run starts the loop goroutine and every registered App. It blocks
// until Stop's shutdown completes.
func (m *Manager) Run() error {
	for _, app := range m.apps {
		if err := app.Start(m); err != nil {
			return fmt.Errorf("start app: %w", err)
		}
	}

	ticker := time.NewTicker(graceTickInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-m.commands:
			val, err := req.fn(m)
			req.resp <- result{val: val, err: err}
		case <-ticker.C:
			m.graceTick(time.Now())
		case <-m.done:
			return nil
		}
	}
}

// call submits fn to the loop goroutine and blocks for its result.
func (m *Manager) call(fn func(m *Manager) (interface{}, error)) (interface{}, error) {
	req := request{fn: fn, resp: make(chan result, 1)}
	select {
	case m.commands <- req:
	case <-m.done:
		return nil, fmt.Errorf("manager stopped")
	}
	select {
	case res := <-req.resp:
		return res.val, res.err
	case <-m.done:
		return nil, fmt.Errorf("manager stopped")
	}
}

// post submits fn without waiting for a result, for callbacks arriving
// from outside the loop goroutine (a process's own exit wait).
func (m *Manager) post(fn func(m *Manager) (interface{}, error)) {
	req := request{fn: fn, resp: make(chan result, 1)}
	select {
	case m.commands <- req:
	case <-m.done:
	}
}

func (m *Manager) publish(topic string, args ...interface{}) {
	m.Events.Publish(topic, args...)
}

func (m *Manager) jobEvent(fqname, event string, args ...interface{}) {
	m.publish(event, args...)
	m.publish(fmt.Sprintf("job.%s.%s", fqname, event), args...)
}

func (m *Manager) nextID() int {
	m.nextProcID++
	return m.nextProcID
}

// Load creates a Job State from cfg (spec op `load`).
func (m *Manager) Load(session string, cfg *types.JobConfig, env map[string]string, start bool) (*types.JobSummary, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		fq := types.FQName(session, cfg.Name)
		if _, exists := m.jobs[fq]; exists {
			return nil, gafferr.JobConflict(fq)
		}
		merged := cfg.Clone()
		if env != nil {
			if merged.Env == nil {
				merged.Env = make(map[string]string, len(env))
			}
			for k, v := range env {
				merged.Env[k] = v
			}
		}
		j := job.New(session, cfg.Name, merged)
		m.jobs[fq] = j
		if m.sessions[session] == nil {
			m.sessions[session] = make(map[string]bool)
		}
		m.sessions[session][fq] = true

		m.jobEvent(fq, "load", fq)
		if start {
			m.jobEvent(fq, "start", fq)
			m.reconcile(j)
		}
		return m.summaryLocked(j), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.JobSummary), nil
}

// Unload marks a job stopped, kills every process, and removes it from
// its session (spec op `unload`).
func (m *Manager) Unload(session, name string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		fq := types.FQName(session, name)
		j, ok := m.jobs[fq]
		if !ok {
			return nil, gafferr.JobNotFound(fq)
		}
		j.SetStopped(true)
		m.killAllLocked(j)
		delete(m.jobs, fq)
		if set := m.sessions[session]; set != nil {
			delete(set, fq)
		}
		m.jobEvent(fq, "unload", fq)
		m.jobEvent(fq, "stop", fq)
		return nil, nil
	})
	return err
}

// Reload resets numprocesses to the job's own config, kills every
// current process, and reconciles back up (spec op `reload`).
func (m *Manager) Reload(session, name string, baseline int) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		fq := j.FQName
		j.Reset(baseline)
		m.killAllLocked(j)
		m.jobEvent(fq, "stop", fq)
		m.reconcile(j)
		return nil, nil
	})
	return err
}

// UpdateJob replaces a job's config, kills every current process, and
// respawns to the new count (spec op `update`).
func (m *Manager) UpdateJob(session, name string, cfg *types.JobConfig, env map[string]string, start bool) (*types.JobSummary, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		j.Update(cfg, env)
		m.killAllLocked(j)
		m.jobEvent(j.FQName, "update", j.FQName)
		if start {
			j.SetStopped(false)
			m.reconcile(j)
		}
		return m.summaryLocked(j), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.JobSummary), nil
}

// StartJob clears stopped and reconciles up (spec op `start_job`).
func (m *Manager) StartJob(session, name string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		j.SetStopped(false)
		m.jobEvent(j.FQName, "start", j.FQName)
		m.reconcile(j)
		return nil, nil
	})
	return err
}

// StopJob sets stopped, zeroes numprocesses, and kills every process
// (spec op `stop_job`).
func (m *Manager) StopJob(session, name string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		j.SetStopped(true)
		j.Scale(job.ScaleSet, 0)
		m.killAllLocked(j)
		m.jobEvent(j.FQName, "stop", j.FQName)
		return nil, nil
	})
	return err
}

// Scale adjusts a job's numprocesses per opStr (e.g. "+2", "=3", "-1")
// and reconciles (spec op `scale`).
func (m *Manager) Scale(session, name, opStr string) (int, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		op, n, err := parseScaleOp(opStr)
		if err != nil {
			return nil, gafferr.CommandError("%s", err.Error())
		}
		result, err := j.Scale(op, n)
		if err != nil {
			return nil, gafferr.CommandError("%s", err.Error())
		}
		m.jobEvent(j.FQName, "update", j.FQName)
		m.reconcile(j)
		return result, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Commit spawns one extra committed process for name, returning its
// process id (spec op `commit`).
func (m *Manager) Commit(session, name string, env map[string]string) (int, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		cfg := j.Config
		if env != nil {
			cfg = j.Config.Clone()
			if cfg.Env == nil {
				cfg.Env = make(map[string]string, len(env))
			}
			for k, v := range env {
				cfg.Env[k] = v
			}
		}
		p, err := m.spawn(j, cfg, true)
		if err != nil {
			return nil, err
		}
		return p.ID, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// StopProcess sends SIGTERM to a single wrapper and tracks it for
// grace-kill (spec op `stop_process`).
func (m *Manager) StopProcess(pid int) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		p, ok := m.running[pid]
		if !ok {
			return nil, gafferr.ProcessNotFound(pid)
		}
		m.stopAndTrack(p)
		m.publish("stop_process", pid)
		return nil, nil
	})
	return err
}

// StopAll sends SIGTERM to every wrapper of a job; reconciliation will
// respawn them unless the job is stopped (spec op `stopall`).
func (m *Manager) StopAll(session, name string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		for _, p := range append([]*process.Process(nil), j.Running()...) {
			m.stopAndTrack(p)
		}
		return nil, nil
	})
	return err
}

// Kill sends an arbitrary signal to a single process (spec op `kill`).
func (m *Manager) Kill(pid int, sig string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		p, ok := m.running[pid]
		if !ok {
			return nil, gafferr.ProcessNotFound(pid)
		}
		signal, err := process.ParseSignal(sig)
		if err != nil {
			return nil, gafferr.CommandError("%s", err.Error())
		}
		if err := p.Kill(signal); err != nil {
			return nil, err
		}
		m.publish(fmt.Sprintf("proc.%d.kill", pid), sig)
		return nil, nil
	})
	return err
}

// KillAll sends an arbitrary signal to every process of a job (spec op
// `killall`).
func (m *Manager) KillAll(session, name, sig string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		signal, err := process.ParseSignal(sig)
		if err != nil {
			return nil, gafferr.CommandError("%s", err.Error())
		}
		for _, p := range j.Running() {
			if err := p.Kill(signal); err != nil {
				return nil, err
			}
			m.publish(fmt.Sprintf("proc.%d.kill", p.ID), sig)
		}
		return nil, nil
	})
	return err
}

// Send writes data to a process's stdin (stream="") or a named custom
// stream (spec op `send`).
func (m *Manager) Send(pid int, data []byte, stream string) error {
	_, err := m.call(func(m *Manager) (interface{}, error) {
		p, ok := m.running[pid]
		if !ok {
			return nil, gafferr.ProcessNotFound(pid)
		}
		if stream == "" {
			return nil, p.Write(data)
		}
		return nil, p.StreamWrite(stream, data)
	})
	return err
}

// JobMonitor is the handle returned by MonitorJob: it tracks one stat
// subscription per process in the job at the time of the call, so the
// caller can unwind all of them together when the last remote listener
// unsubscribes (spec section 4.2/9: monitoring is reference-counted,
// the sampler stops on the last unsubscribe).
type JobMonitor struct {
	entries []jobMonitorEntry
}

type jobMonitorEntry struct {
	proc *process.Process
	sub  *events.Subscription
}

// Stop unsubscribes every process-level stat monitor this JobMonitor
// holds, letting each process's sampler stop once its own ref count
// reaches zero.
func (jm *JobMonitor) Stop() {
	for _, e := range jm.entries {
		e.proc.Unmonitor(e.sub)
	}
}

// MonitorJob attaches a stat listener to every current process of a
// job (spec op `monitor`), returning a handle the caller must Stop to
// release the per-process subscriptions.
func (m *Manager) MonitorJob(session, name string, listener events.Listener) (*JobMonitor, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		jm := &JobMonitor{}
		for _, p := range j.Running() {
			jm.entries = append(jm.entries, jobMonitorEntry{proc: p, sub: p.Monitor(listener)})
		}
		return jm, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*JobMonitor), nil
}

// ListJobs returns a summary of every loaded job.
func (m *Manager) ListJobs() ([]types.JobSummary, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		out := make([]types.JobSummary, 0, len(m.jobs))
		for _, j := range m.jobs {
			out = append(out, *m.summaryLocked(j))
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]types.JobSummary), nil
}

// LookupProcess returns the live wrapper for pid, for callers (the
// Topic Hub) that need direct access to MonitorIO/Monitor.
func (m *Manager) LookupProcess(pid int) (*process.Process, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		p, ok := m.running[pid]
		if !ok {
			return nil, gafferr.ProcessNotFound(pid)
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*process.Process), nil
}

// GetJob returns one job's summary.
func (m *Manager) GetJob(session, name string) (*types.JobSummary, error) {
	v, err := m.call(func(m *Manager) (interface{}, error) {
		j, err := m.lookupLocked(session, name)
		if err != nil {
			return nil, err
		}
		return m.summaryLocked(j), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.JobSummary), nil
}

func (m *Manager) lookupLocked(session, name string) (*job.State, error) {
	fq := types.FQName(session, name)
	j, ok := m.jobs[fq]
	if !ok {
		return nil, gafferr.JobNotFound(fq)
	}
	return j, nil
}

func (m *Manager) summaryLocked(j *job.State) *types.JobSummary {
	return &types.JobSummary{
		Session:      j.Session,
		Name:         j.Name,
		FQName:       j.FQName,
		NumProcesses: j.NumProcesses(),
		Stopped:      j.Stopped(),
		PIDs:         j.PIDs(),
		Config:       *j.Config,
	}
}

// Stop shuts the Manager down: every job is marked stopped, every
// process is asked to terminate, and cb runs once the grace tracker
// has drained (spec op `stop(cb)`).
func (m *Manager) Stop(cb func()) {
	m.call(func(m *Manager) (interface{}, error) {
		m.stopping = true
		for _, j := range m.jobs {
			j.SetStopped(true)
			m.killAllLocked(j)
		}
		return nil, nil
	})

	go func() {
		for {
			v, _ := m.call(func(m *Manager) (interface{}, error) {
				return m.grace.len(), nil
			})
			if n, _ := v.(int); n == 0 {
				break
			}
			time.Sleep(graceTickInterval)
		}
		for _, app := range m.apps {
			app.Stop()
		}
		m.once.Do(func() { close(m.done) })
		if cb != nil {
			cb()
		}
	}()
}

// Restart restarts every hosted App and respawns every Job from
// scratch (spec op `restart(cb)`).
func (m *Manager) Restart(cb func()) error {
	for _, app := range m.apps {
		if err := app.Stop(); err != nil {
			return err
		}
	}
	_, err := m.call(func(m *Manager) (interface{}, error) {
		for _, j := range m.jobs {
			j.SetStopped(false)
			m.reconcile(j)
		}
		return nil, nil
	})
	for _, app := range m.apps {
		if startErr := app.Start(m); startErr != nil && err == nil {
			err = startErr
		}
	}
	if cb != nil {
		cb()
	}
	return err
}
