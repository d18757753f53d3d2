package manager

import (
	"fmt"
	"syscall"
	"time"

	"github.com/gaffer-run/gaffer/pkg/job"
	"github.com/gaffer-run/gaffer/pkg/process"
	"github.com/gaffer-run/gaffer/pkg/types"
)

// reconcile drives |j.Running()| towards j.NumProcesses() (spec
// section 4.4). It must only be called from the loop goroutine.
func (m *Manager) reconcile(j *job.State) {
	if j.Stopped() {
		return
	}
	for len(j.Running()) < j.NumProcesses() {
		if _, err := m.spawn(j, j.Config, false); err != nil {
			m.log.Warn().Err(err).Str("job", j.FQName).Msg("spawn failed during reconciliation")
			break
		}
	}
	for len(j.Running()) > j.NumProcesses() {
		p := j.Dequeue()
		if p == nil {
			break
		}
		delete(m.running, p.ID)
		m.stopAndTrack(p)
		m.publish("reap", j.FQName, p.ID)
		m.publish(fmt.Sprintf("proc.%d.reap", p.ID), j.FQName)
	}
}

// spawn allocates a new process id, starts a child under cfg, and
// queues it onto j (or, when once is set, onto j's committed set).
func (m *Manager) spawn(j *job.State, cfg *types.JobConfig, once bool) (*process.Process, error) {
	id := m.nextID()
	fq := j.FQName

	p := process.New(id, fq, cfg, once, func(proc *process.Process, status int, sig syscall.Signal) {
		m.post(func(m *Manager) (interface{}, error) {
			m.handleExit(fq, proc, status, sig)
			return nil, nil
		})
	})

	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", fq, err)
	}

	if once {
		j.QueueOnce(p)
	} else {
		j.Queue(p)
	}
	m.running[id] = p

	m.publish("spawn", fq, id, p.OSPid())
	m.publish(fmt.Sprintf("job.%s.spawn", fq), id, p.OSPid())
	return p, nil
}

// stopAndTrack sends SIGTERM and schedules the grace-kill fallback.
func (m *Manager) stopAndTrack(p *process.Process) {
	deadline := time.Now().Add(p.Config.GracefulTimeout)
	p.SetGracefulDeadline(deadline.UnixNano())
	p.Stop()
	m.grace.add(p, deadline)
}

func (m *Manager) killAllLocked(j *job.State) {
	for _, p := range append([]*process.Process(nil), j.Running()...) {
		delete(m.running, p.ID)
		j.Remove(p.ID)
		m.stopAndTrack(p)
	}
	for id, p := range j.RunningOut() {
		delete(m.running, id)
		j.RemoveOnce(id)
		m.stopAndTrack(p)
	}
}

// handleExit is the Manager's sole entry point for an OS exit
// notification (spec section 4.4, "Exit handler"). It always runs on
// the loop goroutine via Manager.post.
func (m *Manager) handleExit(fq string, p *process.Process, status int, sig syscall.Signal) {
	m.grace.remove(p.ID)
	delete(m.running, p.ID)

	j, ok := m.jobs[fq]
	if !ok {
		return
	}
	if j.Remove(p.ID) == nil {
		j.RemoveOnce(p.ID)
	}

	m.publish("exit", fq, p.ID, status, int(sig))
	m.publish(fmt.Sprintf("job.%s.exit", fq), p.ID, status, int(sig))

	if p.Once || j.Stopped() {
		return
	}

	flapped := j.RecordExit(time.Now())
	if !flapped.Flapped {
		m.reconcile(j)
		return
	}

	m.killAllLocked(j)
	if flapped.RetriesExhausted {
		m.publish("flap", fq)
		m.publish(fmt.Sprintf("job.%s.flap", fq), fq)
		return
	}

	policy := j.Config.Flapping
	time.AfterFunc(policy.RetryIn, func() {
		m.post(func(m *Manager) (interface{}, error) {
			if cur, ok := m.jobs[fq]; ok {
				cur.ClearFlap()
				m.reconcile(cur)
			}
			return nil, nil
		})
	})
}
