package lookup

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server is gaffer-lookupd's HTTP+WebSocket surface over a Registry
// (spec section 4.6, "lookupd"): node registration over /ws, and
// read-only discovery queries over plain HTTP JSON endpoints mirroring
// the CLI's `gaffer lookup` subcommands.
type Server struct {
	registry *Registry
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer builds a Server around registry. log is used for
// connection-level diagnostics only; protocol errors are always
// reported to the client, never just logged.
func NewServer(registry *Registry, log zerolog.Logger) *Server {
	return &Server{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Handler returns the full routed mux for this Server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWelcome)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/nodes", s.handleNodes)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessions)
	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/findJob", s.handleFindJob)
	mux.HandleFunc("/findSession", s.handleFindSession)
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWelcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"welcome": "gaffer-lookupd"})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func nodeInfo(n *GafferNode) map[string]string {
	return map[string]string{"name": n.Name, "origin": n.Origin, "version": n.Version}
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.registry.Nodes()
	out := make([]map[string]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeInfo(n))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": out})
}

type jobSource struct {
	Pids     []int             `json:"pids"`
	NodeInfo map[string]string `json:"node_info"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	nodeFilter := "*"
	if id := r.URL.Path[len("/sessions"):]; len(id) > 1 {
		nodeFilter = id[1:]
	}

	grouped := s.registry.SessionJobs(nodeFilter)
	type sessionOut struct {
		SessionID string                 `json:"sessionid"`
		Jobs      map[string][]jobSource `json:"jobs"`
	}
	sessions := make([]sessionOut, 0, len(grouped))
	for sid, jobs := range grouped {
		byName := make(map[string][]jobSource)
		for _, j := range jobs {
			byName[j.Name] = append(byName[j.Name], jobSource{Pids: j.PIDs(), NodeInfo: nodeInfo(j.Node)})
		}
		sessions = append(sessions, sessionOut{SessionID: sid, Jobs: byName})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nb_sessions": len(sessions), "sessions": sessions})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	grouped := s.registry.AllJobs()
	type jobOut struct {
		Name    string      `json:"name"`
		Sources []jobSource `json:"sources"`
	}
	jobs := make([]jobOut, 0, len(grouped))
	for name, remoteJobs := range grouped {
		sources := make([]jobSource, 0, len(remoteJobs))
		for _, j := range remoteJobs {
			sources = append(sources, jobSource{Pids: j.PIDs(), NodeInfo: nodeInfo(j.Node)})
		}
		jobs = append(jobs, jobOut{Name: name, Sources: sources})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nb_jobs": len(jobs), "jobs": jobs})
}

func (s *Server) handleFindJob(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	found, err := s.registry.FindJob(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	sources := make([]jobSource, 0, len(found))
	for _, j := range found {
		sources = append(sources, jobSource{Pids: j.PIDs(), NodeInfo: nodeInfo(j.Node)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

func (s *Server) handleFindSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionid")
	jobs := s.registry.FindSession(sessionID)
	sources := make([]jobSource, 0, len(jobs))
	for _, j := range jobs {
		sources = append(sources, jobSource{Pids: j.PIDs(), NodeInfo: nodeInfo(j.Node)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("lookup websocket upgrade failed")
		return
	}

	node := s.registry.AddNode(conn)
	defer s.registry.RemoveNode(conn)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}
		s.dispatch(conn, node, raw)
	}
}

func (s *Server) dispatch(conn *websocket.Conn, node *GafferNode, raw json.RawMessage) {
	msg, err := Decode(raw)
	if err != nil {
		conn.WriteJSON(errorReply("", err))
		return
	}

	switch msg.Type {
	case MsgPing:
		s.registry.Ping(conn)
	case MsgIdentify:
		err = s.registry.Identify(conn, msg.Name, msg.Origin, msg.Version)
	case MsgRegisterJob:
		err = s.registry.AddJob(conn, msg.JobName)
	case MsgUnregisterJob:
		err = s.registry.RemoveJob(conn, msg.JobName)
	case MsgRegisterProcess:
		err = s.registry.AddProcess(conn, msg.JobName, msg.Pid)
	case MsgUnregisterProcess:
		err = s.registry.RemoveProcess(conn, msg.JobName, msg.Pid)
	}

	if err != nil {
		conn.WriteJSON(errorReply(msg.MsgID, err))
		return
	}
	conn.WriteJSON(successReply(msg.MsgID))
}
