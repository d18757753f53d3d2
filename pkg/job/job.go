package job

import (
	"fmt"
	"time"

	"github.com/gaffer-run/gaffer/pkg/process"
	"github.com/gaffer-run/gaffer/pkg/types"
)

// ScaleOp is one of the three operators scale() accepts.
type ScaleOp string

const (
	ScaleSet ScaleOp = "="
	ScaleAdd ScaleOp = "+"
	ScaleSub ScaleOp = "-"
)

// State is the runtime twin of a JobConfig (spec section 3/4.3): the
// live pool of process.Process wrappers plus the bookkeeping needed to
// detect flapping and to scale the pool up or down.
type State struct {
	Session string
	Name    string
	FQName  string

	Config *types.JobConfig

	// running is the FIFO queue of supervised wrappers counted against
	// numprocesses.
	running []*process.Process
	// runningOut holds committed one-shot wrappers (once=true), keyed by
	// process id; they are never counted against numprocesses and never
	// restarted on exit.
	runningOut map[int]*process.Process

	// stopped suppresses reconciliation, set by flapping cool-down or an
	// explicit stop_job.
	stopped bool

	flappingHistory []time.Time
	flappingRetries int
}

// New creates a Job State for session/name, using a deep copy of cfg so
// later mutation of the caller's config struct can't leak in.
func New(session, name string, cfg *types.JobConfig) *State {
	return &State{
		Session:    session,
		Name:       name,
		FQName:     types.FQName(session, name),
		Config:     cfg.Clone(),
		runningOut: make(map[int]*process.Process),
	}
}

// NumProcesses returns the current pool target.
func (s *State) NumProcesses() int {
	return s.Config.NumProcesses
}

// Stopped reports whether reconciliation is currently suppressed.
func (s *State) Stopped() bool {
	return s.stopped
}

// SetStopped sets the stopped flag directly, used by stop_job/start_job
// and by the flapping cool-down timer.
func (s *State) SetStopped(stopped bool) {
	s.stopped = stopped
}

// Scale adjusts numprocesses by op and returns the resulting value.
// "=" sets it to n, "+" adds n, "-" subtracts n (floored at 0).
func (s *State) Scale(op ScaleOp, n int) (int, error) {
	switch op {
	case ScaleSet:
		s.Config.NumProcesses = n
	case ScaleAdd:
		s.Config.NumProcesses += n
	case ScaleSub:
		s.Config.NumProcesses -= n
		if s.Config.NumProcesses < 0 {
			s.Config.NumProcesses = 0
		}
	default:
		return 0, fmt.Errorf("unrecognized scale operator %q", op)
	}
	return s.Config.NumProcesses, nil
}

// Reset re-reads numprocesses from the job's own config, undoing any
// Scale calls made since load.
func (s *State) Reset(baseline int) {
	s.Config.NumProcesses = baseline
}

// Update replaces the job's config. The resulting numprocesses is
// max(newConfig.NumProcesses, current) so an in-place update never
// shrinks a pool the operator didn't explicitly scale down.
func (s *State) Update(newConfig *types.JobConfig, env map[string]string) {
	current := s.Config.NumProcesses
	updated := newConfig.Clone()
	if env != nil {
		if updated.Env == nil {
			updated.Env = make(map[string]string, len(env))
		}
		for k, v := range env {
			updated.Env[k] = v
		}
	}
	if updated.NumProcesses < current {
		updated.NumProcesses = current
	}
	s.Config = updated
}

// Queue appends p to the running pool (FIFO order).
func (s *State) Queue(p *process.Process) {
	s.running = append(s.running, p)
}

// Dequeue pops the oldest wrapper from the running pool, or nil if
// empty.
func (s *State) Dequeue() *process.Process {
	if len(s.running) == 0 {
		return nil
	}
	p := s.running[0]
	s.running = s.running[1:]
	return p
}

// Remove deletes a specific wrapper from the running pool by identity,
// used when a process exits out of FIFO order.
func (s *State) Remove(id int) *process.Process {
	for i, p := range s.running {
		if p.ID == id {
			s.running = append(s.running[:i], s.running[i+1:]...)
			return p
		}
	}
	return nil
}

// Running returns the live pool in FIFO order. The caller must not
// mutate the returned slice.
func (s *State) Running() []*process.Process {
	return s.running
}

// QueueOnce registers a committed one-shot wrapper, outside the
// numprocesses pool.
func (s *State) QueueOnce(p *process.Process) {
	s.runningOut[p.ID] = p
}

// RemoveOnce deletes a committed wrapper by id.
func (s *State) RemoveOnce(id int) *process.Process {
	p := s.runningOut[id]
	delete(s.runningOut, id)
	return p
}

// RunningOut returns every committed one-shot currently live.
func (s *State) RunningOut() map[int]*process.Process {
	return s.runningOut
}

// PIDs returns the Manager-assigned process IDs of every process in
// the running pool plus every live committed one-shot, for JobSummary.
// A commit()'d process's id must stay visible here until it exits
// (spec section 8), even though it is never counted against
// numprocesses. These are the ids the rest of the external surface
// (kill, stop_process, REGISTER_PROCESS) addresses processes by,
// distinct from the kernel's os_pid.
func (s *State) PIDs() []int {
	pids := make([]int, 0, len(s.running)+len(s.runningOut))
	for _, p := range s.running {
		pids = append(pids, p.ID)
	}
	for _, p := range s.runningOut {
		pids = append(pids, p.ID)
	}
	return pids
}

// Flapped is the state a flapping-policy evaluation can leave a job in.
type Flapped struct {
	// Flapped is true if this exit tipped the job into cool-down.
	Flapped bool
	// RetriesExhausted is true if the job has now used up every
	// automatic re-enable and must stay stopped.
	RetriesExhausted bool
}

// RecordExit runs the flapping-detection algorithm of spec section 4.3
// for one non-commit process exit. It must be called with every exit
// that counts against the pool, in order.
func (s *State) RecordExit(now time.Time) Flapped {
	policy := s.Config.Flapping
	if policy == nil {
		return Flapped{}
	}

	histCap := policy.MaxRetry
	if histCap <= 0 {
		histCap = policy.Attempts
	}
	s.flappingHistory = append(s.flappingHistory, now)
	if len(s.flappingHistory) > histCap {
		s.flappingHistory = s.flappingHistory[len(s.flappingHistory)-histCap:]
	}

	if len(s.flappingHistory) < policy.Attempts {
		return Flapped{}
	}
	window := s.flappingHistory[len(s.flappingHistory)-1].Sub(s.flappingHistory[len(s.flappingHistory)-policy.Attempts])
	if window > policy.Window {
		return Flapped{}
	}

	s.stopped = true
	// The retry counter is never reset across cool-downs: each flap
	// consumes one of max_retry automatic re-enables for the lifetime
	// of the job, not per cool-down episode.
	s.flappingRetries++
	if s.flappingRetries >= policy.MaxRetry {
		return Flapped{Flapped: true, RetriesExhausted: true}
	}
	return Flapped{Flapped: true}
}

// FlappingRetries reports how many automatic re-enables this job has
// already consumed.
func (s *State) FlappingRetries() int {
	return s.flappingRetries
}

// ClearFlap re-enables a job after its retry_in cool-down timer fires.
func (s *State) ClearFlap() {
	s.stopped = false
}
