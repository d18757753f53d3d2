package lookup

import (
	"strings"
	"sync"
	"time"

	"github.com/gaffer-run/gaffer/pkg/events"
	"github.com/gaffer-run/gaffer/pkg/gafferr"
)

// splitJobName divides a "<session>.<name>" fully-qualified job name
// into its two parts, mirroring types.FQName's join convention.
func splitJobName(fqname string) (session, name string) {
	session, name, found := strings.Cut(fqname, ".")
	if !found {
		return "", fqname
	}
	return session, name
}

// RemoteJob is one job a remote node has registered, together with
// the pids it has reported running under that job.
type RemoteJob struct {
	Node *GafferNode
	Name string

	mu   sync.Mutex
	pids map[int]bool
}

func newRemoteJob(node *GafferNode, name string) *RemoteJob {
	return &RemoteJob{Node: node, Name: name, pids: make(map[int]bool)}
}

func (j *RemoteJob) add(pid int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pids[pid] = true
}

// remove reports whether pid was actually registered, so the caller
// only emits a remove_process event for a real transition.
func (j *RemoteJob) remove(pid int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.pids[pid] {
		return false
	}
	delete(j.pids, pid)
	return true
}

// PIDs returns a snapshot of this job's registered process IDs.
func (j *RemoteJob) PIDs() []int {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]int, 0, len(j.pids))
	for pid := range j.pids {
		out = append(out, pid)
	}
	return out
}

// GafferNode is one connected gafferd instance, identified once via
// IDENTIFY and then tracked by the jobs/processes it registers.
type GafferNode struct {
	Name    string
	Origin  string
	Version string

	updated time.Time

	mu       sync.Mutex
	sessions map[string]map[string]*RemoteJob
}

func newGafferNode() *GafferNode {
	return &GafferNode{sessions: make(map[string]map[string]*RemoteJob), updated: time.Now()}
}

func (n *GafferNode) identify(name, origin, version string) {
	n.Name, n.Origin, n.Version = name, origin, version
	n.touch()
}

func (n *GafferNode) touch() { n.updated = time.Now() }

func (n *GafferNode) addJob(fqname string) error {
	session, name := splitJobName(fqname)

	n.mu.Lock()
	defer n.mu.Unlock()

	jobs, ok := n.sessions[session]
	if !ok {
		jobs = make(map[string]*RemoteJob)
		n.sessions[session] = jobs
	}
	if _, exists := jobs[name]; exists {
		return gafferr.AlreadyRegistered("job " + fqname)
	}
	jobs[name] = newRemoteJob(n, fqname)
	n.touch()
	return nil
}

func (n *GafferNode) removeJob(fqname string) {
	session, name := splitJobName(fqname)

	n.mu.Lock()
	defer n.mu.Unlock()

	jobs, ok := n.sessions[session]
	if !ok {
		return
	}
	delete(jobs, name)
	if len(jobs) == 0 {
		delete(n.sessions, session)
	}
	n.touch()
}

func (n *GafferNode) getJob(fqname string) (*RemoteJob, error) {
	session, name := splitJobName(fqname)

	n.mu.Lock()
	defer n.mu.Unlock()

	jobs, ok := n.sessions[session]
	if !ok {
		return nil, gafferr.JobNotFound(fqname)
	}
	job, ok := jobs[name]
	if !ok {
		return nil, gafferr.JobNotFound(fqname)
	}
	return job, nil
}

func (n *GafferNode) addProcess(fqname string, pid int) error {
	job, err := n.getJob(fqname)
	if err != nil {
		return err
	}
	job.add(pid)
	n.touch()
	return nil
}

func (n *GafferNode) removeProcess(fqname string, pid int) (bool, error) {
	job, err := n.getJob(fqname)
	if err != nil {
		return false, err
	}
	removed := job.remove(pid)
	n.touch()
	return removed, nil
}

// Jobs returns a snapshot of every job this node currently has
// registered, across all sessions.
func (n *GafferNode) Jobs() []*RemoteJob {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*RemoteJob
	for _, jobs := range n.sessions {
		for _, j := range jobs {
			out = append(out, j)
		}
	}
	return out
}

// JobsInSession returns this node's jobs restricted to one session.
func (n *GafferNode) JobsInSession(session string) []*RemoteJob {
	n.mu.Lock()
	defer n.mu.Unlock()
	jobs, ok := n.sessions[session]
	if !ok {
		return nil
	}
	out := make([]*RemoteJob, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j)
	}
	return out
}

// Registry is the lookupd-side store of every connected node and its
// registrations (spec section 4.6, "Registry"). It is safe for
// concurrent use and publishes add_node/remove_node/identify/add_job/
// remove_job/add_process/remove_process events on Events. The lookupd
// HTTP/WS surface in server.go does not subscribe to or relay them.
type Registry struct {
	Events *events.Emitter

	mu    sync.Mutex
	nodes map[NodeConn]*GafferNode
}

// NodeConn is the opaque per-connection identity the transport layer
// (the lookupd WebSocket handler) uses as the Registry's map key. Any
// comparable value works; production code passes the *websocket.Conn.
type NodeConn interface{}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		Events: events.New(),
		nodes:  make(map[NodeConn]*GafferNode),
	}
}

// Close stops the Registry's event emitter.
func (r *Registry) Close() { r.Events.Close() }

// AddNode registers a new, not-yet-identified connection.
func (r *Registry) AddNode(conn NodeConn) *GafferNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := newGafferNode()
	r.nodes[conn] = node
	r.Events.Publish("add_node", node)
	return node
}

// RemoveNode drops conn's node from the registry.
func (r *Registry) RemoveNode(conn NodeConn) {
	r.mu.Lock()
	node, ok := r.nodes[conn]
	if ok {
		delete(r.nodes, conn)
	}
	r.mu.Unlock()
	if ok {
		r.Events.Publish("remove_node", node)
	}
}

func (r *Registry) identifiedNode(conn NodeConn) (*GafferNode, error) {
	node, ok := r.nodes[conn]
	if !ok {
		return nil, gafferr.NoIdent()
	}
	if node.Name == "" {
		return nil, gafferr.NoIdent()
	}
	return node, nil
}

// Identify assigns conn's node its name/origin/version. It is an
// error to IDENTIFY a connection twice, or to IDENTIFY with a
// (name, origin) pair already claimed by another live connection.
func (r *Registry) Identify(conn NodeConn, name, origin, version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[conn]
	if !ok {
		return gafferr.NoIdent()
	}
	if node.Name != "" {
		return gafferr.AlreadyIdentified()
	}
	for other, n := range r.nodes {
		if other != conn && n.Name == name && n.Origin == origin {
			return gafferr.IdentExists(name, origin)
		}
	}
	node.identify(name, origin, version)
	r.Events.Publish("identify", node)
	return nil
}

// Ping refreshes conn's liveness timestamp. Pinging an unidentified or
// unknown connection is a no-op, matching the heartbeat's role as a
// keepalive rather than a protocol gate.
func (r *Registry) Ping(conn NodeConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[conn]; ok {
		node.touch()
	}
}

// AddJob registers fqname under conn's node.
func (r *Registry) AddJob(conn NodeConn, fqname string) error {
	r.mu.Lock()
	node, err := r.identifiedNode(conn)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := node.addJob(fqname); err != nil {
		return err
	}
	r.Events.Publish("add_job", jobEvent{Node: node, JobName: fqname})
	return nil
}

// RemoveJob unregisters fqname from conn's node.
func (r *Registry) RemoveJob(conn NodeConn, fqname string) error {
	r.mu.Lock()
	node, err := r.identifiedNode(conn)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	node.removeJob(fqname)
	r.Events.Publish("remove_job", jobEvent{Node: node, JobName: fqname})
	return nil
}

// AddProcess registers pid as running under fqname on conn's node.
func (r *Registry) AddProcess(conn NodeConn, fqname string, pid int) error {
	r.mu.Lock()
	node, err := r.identifiedNode(conn)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if err := node.addProcess(fqname, pid); err != nil {
		return err
	}
	r.Events.Publish("add_process", processEvent{Node: node, JobName: fqname, PID: pid})
	return nil
}

// RemoveProcess unregisters pid from fqname on conn's node.
func (r *Registry) RemoveProcess(conn NodeConn, fqname string, pid int) error {
	r.mu.Lock()
	node, err := r.identifiedNode(conn)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	removed, err := node.removeProcess(fqname, pid)
	if err != nil {
		return err
	}
	if removed {
		r.Events.Publish("remove_process", processEvent{Node: node, JobName: fqname, PID: pid})
	}
	return nil
}

type jobEvent struct {
	Node    *GafferNode
	JobName string
}

type processEvent struct {
	Node    *GafferNode
	JobName string
	PID     int
}

// Nodes returns every identified node currently registered.
func (r *Registry) Nodes() []*GafferNode {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*GafferNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Name != "" {
			out = append(out, n)
		}
	}
	return out
}

// SessionJobs groups every node's registered jobs by session id,
// optionally restricted to a single node name ("*" for all).
func (r *Registry) SessionJobs(nodeFilter string) map[string][]*RemoteJob {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]*RemoteJob)
	for _, n := range r.nodes {
		if n.Name == "" {
			continue
		}
		if nodeFilter != "" && nodeFilter != "*" && n.Name != nodeFilter {
			continue
		}
		n.mu.Lock()
		for sessionID, jobs := range n.sessions {
			for _, j := range jobs {
				out[sessionID] = append(out[sessionID], j)
			}
		}
		n.mu.Unlock()
	}
	return out
}

// FindSession returns every registered job across all nodes for one
// session id.
func (r *Registry) FindSession(sessionID string) []*RemoteJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*RemoteJob
	for _, n := range r.nodes {
		if n.Name == "" {
			continue
		}
		out = append(out, n.JobsInSession(sessionID)...)
	}
	return out
}

// AllJobs groups every registered job across every node by its
// fully-qualified name.
func (r *Registry) AllJobs() map[string][]*RemoteJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]*RemoteJob)
	for _, n := range r.nodes {
		if n.Name == "" {
			continue
		}
		for _, j := range n.Jobs() {
			out[j.Name] = append(out[j.Name], j)
		}
	}
	return out
}

// FindJob returns every node's registration of fqname, or a
// gafferr.JobNotFound if no node currently has it.
func (r *Registry) FindJob(fqname string) ([]*RemoteJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*RemoteJob
	for _, n := range r.nodes {
		if n.Name == "" {
			continue
		}
		if job, err := n.getJob(fqname); err == nil {
			out = append(out, job)
		}
	}
	if len(out) == 0 {
		return nil, gafferr.JobNotFound(fqname)
	}
	return out, nil
}
