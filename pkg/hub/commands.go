package hub

import (
	"encoding/json"

	"github.com/gaffer-run/gaffer/pkg/gafferr"
	"github.com/gaffer-run/gaffer/pkg/types"
)

// Command is one client→server control-plane frame (spec section 4.5,
// "Command protocol"). Identity is an opaque value the client chose
// and the server echoes back verbatim.
type Command struct {
	Identity interface{}     `json:"identity"`
	Name     string          `json:"command"`
	Args     json.RawMessage `json:"args,omitempty"`
}

// Reply is either a "gaffer:command_success" or "gaffer:command_error"
// event payload.
type Reply struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type successData struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result,omitempty"`
}

type errorData struct {
	ID    interface{} `json:"id"`
	Error wireError   `json:"error"`
}

type wireError struct {
	Errno  int    `json:"errno"`
	Reason string `json:"reason"`
}

// Dispatch executes cmd against mgr and the Hub's own sessions/jobs/
// pids bookkeeping commands, returning the exact reply frame to write
// back on the socket.
func (h *Hub) Dispatch(cmd Command) Reply {
	result, err := h.execute(cmd)
	if err != nil {
		return errReply(cmd.Identity, err)
	}
	return Reply{Event: "gaffer:command_success", Data: successData{ID: cmd.Identity, Result: result}}
}

func errReply(id interface{}, err error) Reply {
	gerr, ok := err.(*gafferr.Error)
	if !ok {
		gerr = gafferr.ProcessError(gafferr.Internal, "%s", err.Error())
	}
	return Reply{
		Event: "gaffer:command_error",
		Data: errorData{
			ID:    id,
			Error: wireError{Errno: int(gerr.Errno), Reason: gerr.Reason},
		},
	}
}

func (h *Hub) execute(cmd Command) (interface{}, error) {
	m := h.manager
	switch cmd.Name {
	case "jobs":
		return m.ListJobs()
	case "sessions":
		jobs, err := m.ListJobs()
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		var out []string
		for _, j := range jobs {
			if !seen[j.Session] {
				seen[j.Session] = true
				out = append(out, j.Session)
			}
		}
		return out, nil
	case "pids":
		var args struct {
			Session string `json:"session"`
			Name    string `json:"name"`
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		job, err := m.GetJob(args.Session, args.Name)
		if err != nil {
			return nil, err
		}
		return job.PIDs, nil
	case "info", "process_info":
		var args struct {
			Pid int `json:"pid"`
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		p, err := m.LookupProcess(args.Pid)
		if err != nil {
			return nil, err
		}
		return p.Info()
	case "stats", "process_stats":
		var args struct {
			Pid int `json:"pid"`
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		p, err := m.LookupProcess(args.Pid)
		if err != nil {
			return nil, err
		}
		return p.Info()
	case "load":
		var args struct {
			Session string            `json:"session"`
			Config  types.JobConfig   `json:"config"`
			Env     map[string]string `json:"env"`
			Start   bool              `json:"start"`
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return m.Load(args.Session, &args.Config, args.Env, args.Start)
	case "unload":
		var args struct{ Session, Name string }
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.Unload(args.Session, args.Name)
	case "start_job":
		var args struct{ Session, Name string }
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.StartJob(args.Session, args.Name)
	case "stop_job":
		var args struct{ Session, Name string }
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.StopJob(args.Session, args.Name)
	case "scale":
		var args struct {
			Session, Name string
			Op            string `json:"op"`
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return m.Scale(args.Session, args.Name, args.Op)
	case "commit":
		var args struct {
			Session, Name string
			Env           map[string]string `json:"env"`
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return m.Commit(args.Session, args.Name, args.Env)
	case "stop_process":
		var args struct{ Pid int }
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.StopProcess(args.Pid)
	case "stopall":
		var args struct{ Session, Name string }
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.StopAll(args.Session, args.Name)
	case "kill":
		var args struct {
			Pid    int
			Signal string
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.Kill(args.Pid, args.Signal)
	case "killall":
		var args struct {
			Session, Name, Signal string
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.KillAll(args.Session, args.Name, args.Signal)
	case "send":
		var args struct {
			Pid    int
			Data   []byte
			Stream string
		}
		if err := unmarshalArgs(cmd.Args, &args); err != nil {
			return nil, err
		}
		return nil, m.Send(args.Pid, args.Data, args.Stream)
	default:
		return nil, gafferr.CommandError("unrecognized command %q", cmd.Name)
	}
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return gafferr.CommandError("malformed command arguments: %s", err.Error())
	}
	return nil
}
