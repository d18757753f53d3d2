package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gaffer-run/gaffer/pkg/gafferr"
)

// frameVersion opens the minimal text preamble on every /<pid>/channel
// frame (spec section 6): "V1 <type> <msgid>\0<body>".
const frameVersion = "V1"

type frameType string

const (
	frameMessage  frameType = "message"
	frameResponse frameType = "response"
	frameError    frameType = "error"
)

func buildFrame(typ frameType, msgid string, body []byte) []byte {
	header := fmt.Sprintf("%s %s %s\x00", frameVersion, typ, msgid)
	return append([]byte(header), body...)
}

func parseFrame(raw []byte) (typ frameType, msgid string, body []byte, err error) {
	i := bytes.IndexByte(raw, 0)
	if i < 0 {
		return "", "", nil, gafferr.CommandError("malformed frame: missing header terminator")
	}
	header := string(raw[:i])
	body = raw[i+1:]

	parts := strings.SplitN(header, " ", 3)
	if len(parts) != 3 || parts[0] != frameVersion {
		return "", "", nil, gafferr.CommandError("malformed frame header %q", header)
	}
	return frameType(parts[1]), parts[2], body, nil
}

// handleProcessChannel serves /<pid>/channel[/<stream>]?mode=<r|w|rw>:
// a dedicated bidirectional byte pipe to one stream of one process,
// framed by buildFrame/parseFrame rather than carrying Hub topic/command JSON.
func (s *Server) handleProcessChannel(w http.ResponseWriter, r *http.Request, pid int, rest string) {
	p, err := s.manager.LookupProcess(pid)
	if err != nil {
		writeError(w, err)
		return
	}

	label := strings.TrimPrefix(rest, "/")
	if label == "" {
		if len(p.Config.RedirectOutput) > 0 {
			label = p.Config.RedirectOutput[0]
		} else {
			label = "stdout"
		}
	}

	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "r"
	}
	canRead := mode == "r" || mode == "rw"
	canWrite := mode == "w" || mode == "rw"

	conn, err := channelUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("process channel upgrade failed")
		return
	}
	defer conn.Close()

	if canRead {
		sub := p.MonitorIO(label, func(_ string, args ...interface{}) {
			if len(args) < 3 {
				return
			}
			chunk, ok := args[2].([]byte)
			if !ok {
				return
			}
			conn.WriteMessage(websocket.BinaryMessage, buildFrame(frameMessage, uuid.NewString(), chunk))
		})
		defer p.Unmonitor(sub)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !canWrite {
			continue
		}

		typ, msgid, body, perr := parseFrame(raw)
		if perr != nil {
			conn.WriteMessage(websocket.TextMessage, buildFrame(frameError, "", []byte(perr.Error())))
			continue
		}
		if typ != frameMessage {
			continue
		}

		werr := p.StreamWrite(label, body)
		if werr != nil {
			conn.WriteMessage(websocket.TextMessage, buildFrame(frameError, msgid, []byte(werr.Error())))
			continue
		}
		conn.WriteMessage(websocket.TextMessage, buildFrame(frameResponse, msgid, nil))
	}
}
