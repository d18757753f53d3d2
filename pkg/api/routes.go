package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gaffer-run/gaffer/pkg/gafferr"
	"github.com/gaffer-run/gaffer/pkg/hub"
	"github.com/gaffer-run/gaffer/pkg/metrics"
	"github.com/gaffer-run/gaffer/pkg/types"
)

const version = "0.1.0"

// Handler builds the full route table as an http.Handler, for callers
// that want to mount or test the API surface without a listening
// Server (e.g. behind their own listener, or httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.routes()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/jobs", s.handleJobsIndex)
	mux.HandleFunc("/jobs/", s.handleJobsTree)
	mux.HandleFunc("/channel", s.handleChannel)

	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	// /<pid>, /<pid>/signal, /<pid>/stats, /<pid>/channel[/<stream>],
	// and "/" itself (the welcome route) all fall through to here.
	mux.HandleFunc("/", s.handleRootAndProcess)

	return mux
}

// handleRootAndProcess serves the welcome route and every /<pid>[...]
// route: anything not claimed by one of the more specific patterns
// registered in routes() lands here, and is a process route if its
// first path segment parses as an integer.
func (s *Server) handleRootAndProcess(w http.ResponseWriter, r *http.Request) {
	seg, rest := firstSegment(r.URL.Path)
	pid, err := strconv.Atoi(seg)
	if err != nil {
		s.handleWelcome(w, r)
		return
	}
	switch {
	case rest == "" && r.Method == http.MethodGet:
		s.handleProcessInfo(w, r, pid)
	case rest == "" && r.Method == http.MethodDelete:
		s.handleProcessStop(w, r, pid)
	case rest == "/signal" && r.Method == http.MethodPost:
		s.handleProcessSignal(w, r, pid)
	case rest == "/stats" && r.Method == http.MethodGet:
		s.handleProcessStats(w, r, pid)
	case rest == "/channel" || strings.HasPrefix(rest, "/channel/"):
		s.handleProcessChannel(w, r, pid, strings.TrimPrefix(rest, "/channel"))
	default:
		writeError(w, gafferr.ProcessError(gafferr.NotFound, "not found"))
	}
}

func firstSegment(path string) (seg, rest string) {
	path = strings.TrimPrefix(path, "/")
	i := strings.IndexByte(path, '/')
	if i < 0 {
		return path, ""
	}
	return path[:i], path[i:]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	gerr, ok := err.(*gafferr.Error)
	if !ok {
		gerr = gafferr.ProcessError(gafferr.Internal, "%s", err.Error())
	}
	writeJSON(w, int(gerr.Errno), map[string]interface{}{"error": gerr.Reason, "errno": int(gerr.Errno), "reason": gerr.Reason})
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"welcome": "gafferd", "version": version})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("OK"))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.manager.ListJobs()
	if err != nil {
		writeError(w, err)
		return
	}
	seen := map[string]bool{}
	var sessions []string
	for _, j := range jobs {
		if !seen[j.Session] {
			seen[j.Session] = true
			sessions = append(sessions, j.Session)
		}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleJobsIndex(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.manager.ListJobs()
	if err != nil {
		writeError(w, err)
		return
	}
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.FQName)
	}
	writeJSON(w, http.StatusOK, names)
}

// handleJobsTree dispatches every /jobs/<session>[/<name>[/<sub>]] route.
func (s *Server) handleJobsTree(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, gafferr.ProcessError(gafferr.BadRequest, "session required"))
		return
	}
	session := parts[0]

	if len(parts) == 1 {
		s.handleSessionJobs(w, r, session)
		return
	}
	name := parts[1]
	sub := ""
	if len(parts) > 2 {
		sub = parts[2]
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetJob(w, r, session, name)
	case sub == "" && r.Method == http.MethodPut:
		s.handleUpdateJob(w, r, session, name)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleUnloadJob(w, r, session, name)
	case sub == "stats" && r.Method == http.MethodGet:
		s.handleJobStats(w, r, session, name)
	case sub == "numprocesses" && r.Method == http.MethodGet:
		s.handleGetNumProcesses(w, r, session, name)
	case sub == "numprocesses" && r.Method == http.MethodPost:
		s.handleScale(w, r, session, name)
	case sub == "state" && r.Method == http.MethodGet:
		s.handleGetState(w, r, session, name)
	case sub == "state" && r.Method == http.MethodPost:
		s.handleSetState(w, r, session, name)
	case sub == "signal" && r.Method == http.MethodPost:
		s.handleJobSignal(w, r, session, name)
	case sub == "pids" && r.Method == http.MethodGet:
		s.handleJobPIDs(w, r, session, name)
	default:
		writeError(w, gafferr.ProcessError(gafferr.NotFound, "not found"))
	}
}

func (s *Server) handleSessionJobs(w http.ResponseWriter, r *http.Request, session string) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.manager.ListJobs()
		if err != nil {
			writeError(w, err)
			return
		}
		var names []string
		for _, j := range jobs {
			if j.Session == session {
				names = append(names, j.Name)
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sessionid": session, "jobs": names})
	case http.MethodPost:
		var body struct {
			Config types.JobConfig   `json:"config"`
			Env    map[string]string `json:"env"`
			Start  bool              `json:"start"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, gafferr.CommandError("invalid request body"))
			return
		}
		summary, err := s.manager.Load(session, &body.Config, body.Env, body.Start)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, summary)
	default:
		writeError(w, gafferr.ProcessError(gafferr.NotFound, "not found"))
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, session, name string) {
	summary, err := s.manager.GetJob(session, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request, session, name string) {
	var body struct {
		Config types.JobConfig   `json:"config"`
		Env    map[string]string `json:"env"`
		Start  bool              `json:"start"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gafferr.CommandError("invalid request body"))
		return
	}
	summary, err := s.manager.UpdateJob(session, name, &body.Config, body.Env, body.Start)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *Server) handleUnloadJob(w http.ResponseWriter, r *http.Request, session, name string) {
	if err := s.manager.Unload(session, name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request, session, name string) {
	summary, err := s.manager.GetJob(session, name)
	if err != nil {
		writeError(w, err)
		return
	}
	stats := make([]types.ProcessStatus, 0, len(summary.PIDs))
	for _, pid := range summary.PIDs {
		p, err := s.manager.LookupProcess(pid)
		if err != nil {
			continue
		}
		if info, err := p.Info(); err == nil {
			stats = append(stats, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fqname": summary.FQName, "processes": stats})
}

func (s *Server) handleGetNumProcesses(w http.ResponseWriter, r *http.Request, session, name string) {
	summary, err := s.manager.GetJob(session, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"numprocesses": summary.NumProcesses})
}

func (s *Server) handleScale(w http.ResponseWriter, r *http.Request, session, name string) {
	var body struct {
		Scale string `json:"scale"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gafferr.CommandError("invalid request body"))
		return
	}
	n, err := s.manager.Scale(session, name, body.Scale)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"numprocesses": n})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request, session, name string) {
	summary, err := s.manager.GetJob(session, name)
	if err != nil {
		writeError(w, err)
		return
	}
	state := 1
	if summary.Stopped {
		state = 0
	}
	writeJSON(w, http.StatusOK, map[string]int{"state": state})
}

// State values per spec section 6: 1=running, 0=stopped, 2=reload.
func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request, session, name string) {
	var body struct {
		State int `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gafferr.CommandError("invalid request body"))
		return
	}

	var err error
	switch body.State {
	case 0:
		err = s.manager.StopJob(session, name)
	case 1:
		err = s.manager.StartJob(session, name)
	case 2:
		err = s.manager.Reload(session, name, 0)
	default:
		err = gafferr.CommandError("unrecognized state %d", body.State)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobSignal(w http.ResponseWriter, r *http.Request, session, name string) {
	var body struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gafferr.CommandError("invalid request body"))
		return
	}
	if err := s.manager.KillAll(session, name, body.Signal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleJobPIDs(w http.ResponseWriter, r *http.Request, session, name string) {
	summary, err := s.manager.GetJob(session, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]int{"pids": summary.PIDs})
}

func (s *Server) handleProcessInfo(w http.ResponseWriter, r *http.Request, pid int) {
	p, err := s.manager.LookupProcess(pid)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := p.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleProcessStop(w http.ResponseWriter, r *http.Request, pid int) {
	if err := s.manager.StopProcess(pid); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProcessSignal(w http.ResponseWriter, r *http.Request, pid int) {
	var body struct {
		Signal string `json:"signal"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gafferr.CommandError("invalid request body"))
		return
	}
	if err := s.manager.Kill(pid, body.Signal); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleProcessStats(w http.ResponseWriter, r *http.Request, pid int) {
	p, err := s.manager.LookupProcess(pid)
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := p.Info()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	conn, err := channelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("channel upgrade failed")
		return
	}
	hub.NewClient(s.hub, conn, s.log)
}
