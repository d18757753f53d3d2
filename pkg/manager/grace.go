package manager

import (
	"container/heap"
	"time"

	"github.com/gaffer-run/gaffer/pkg/metrics"
	"github.com/gaffer-run/gaffer/pkg/process"
)

// graceItem is one entry in the grace tracker's min-heap, keyed on
// deadline (spec section 4.4, "Grace tracker").
type graceItem struct {
	pid      int
	proc     *process.Process
	deadline time.Time
	index    int
}

type graceHeap []*graceItem

func (h graceHeap) Len() int            { return len(h) }
func (h graceHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h graceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *graceHeap) Push(x interface{}) {
	item := x.(*graceItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *graceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// graceTracker schedules the SIGKILL fallback for processes that
// haven't exited within their graceful_timeout. Removal on natural
// exit looks the entry up by pid in byPID and takes it out of the heap
// in O(log n).
type graceTracker struct {
	h     graceHeap
	byPID map[int]*graceItem
}

func newGraceTracker() *graceTracker {
	return &graceTracker{byPID: make(map[int]*graceItem)}
}

func (t *graceTracker) add(p *process.Process, deadline time.Time) {
	item := &graceItem{pid: p.ID, proc: p, deadline: deadline}
	heap.Push(&t.h, item)
	t.byPID[p.ID] = item
}

// remove drops a tracked process by identity, called when it exits
// naturally before its grace deadline.
func (t *graceTracker) remove(pid int) {
	item, ok := t.byPID[pid]
	if !ok {
		return
	}
	heap.Remove(&t.h, item.index)
	delete(t.byPID, pid)
}

func (t *graceTracker) len() int {
	return len(t.h)
}

// tick pops every entry whose deadline has passed and returns the
// processes that are still alive and need SIGKILL.
func (t *graceTracker) tick(now time.Time) []*process.Process {
	var expired []*process.Process
	for t.h.Len() > 0 && !t.h[0].deadline.After(now) {
		item := heap.Pop(&t.h).(*graceItem)
		delete(t.byPID, item.pid)
		if exited, _, _ := item.proc.ExitInfo(); !exited {
			expired = append(expired, item.proc)
		}
	}
	return expired
}

// graceTick runs one 100ms poll of the grace tracker (spec section
// 4.4).
func (m *Manager) graceTick(now time.Time) {
	for _, p := range m.grace.tick(now) {
		if err := p.ForceKill(); err != nil {
			m.log.Warn().Err(err).Int("pid", p.ID).Msg("grace-kill failed")
			continue
		}
		metrics.GraceKillsTotal.Inc()
	}
}
