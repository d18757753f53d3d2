package lookup

import (
	"encoding/json"

	"github.com/gaffer-run/gaffer/pkg/gafferr"
)

// MessageType enumerates the six message kinds a gafferd node sends
// over its lookupd connection (spec section 4.6).
type MessageType string

const (
	MsgIdentify         MessageType = "IDENTIFY"
	MsgPing             MessageType = "PING"
	MsgRegisterJob      MessageType = "REGISTER_JOB"
	MsgUnregisterJob    MessageType = "UNREGISTER_JOB"
	MsgRegisterProcess  MessageType = "REGISTER_PROCESS"
	MsgUnregisterProcess MessageType = "UNREGISTER_PROCESS"
)

// Message is the wire shape of every client→server frame: a type tag,
// a client-chosen msgid echoed back in the reply, and the type-specific
// fields, which Decode checks are present for the given type.
type Message struct {
	Type    MessageType `json:"type"`
	MsgID   string      `json:"msgid"`
	Name    string      `json:"name,omitempty"`
	Origin  string      `json:"origin,omitempty"`
	Version string      `json:"version,omitempty"`
	JobName string      `json:"job_name,omitempty"`
	Pid     int         `json:"pid,omitempty"`
}

// Reply is the server→client ack frame. Successful replies carry only
// ok+msgid; failures add errno/reason.
type Reply struct {
	OK     bool   `json:"ok"`
	MsgID  string `json:"msgid"`
	Errno  int    `json:"errno,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Decode parses and validates a raw inbound frame, matching the field
// requirements per message type.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, gafferr.CommandError("invalid_message")
	}
	if msg.MsgID == "" {
		return Message{}, gafferr.CommandError("invalid_message")
	}

	switch msg.Type {
	case MsgIdentify:
		if msg.Name == "" || msg.Origin == "" || msg.Version == "" {
			return Message{}, gafferr.CommandError("invalid_message")
		}
	case MsgRegisterJob, MsgUnregisterJob:
		if msg.JobName == "" {
			return Message{}, gafferr.CommandError("invalid_message")
		}
	case MsgRegisterProcess, MsgUnregisterProcess:
		if msg.JobName == "" {
			return Message{}, gafferr.CommandError("invalid_message")
		}
	case MsgPing:
		// no additional fields required
	default:
		return Message{}, gafferr.CommandError("invalid_message_type")
	}
	return msg, nil
}

func successReply(msgid string) Reply {
	return Reply{OK: true, MsgID: msgid}
}

func errorReply(msgid string, err error) Reply {
	if gerr, ok := err.(*gafferr.Error); ok {
		return Reply{MsgID: msgid, Errno: int(gerr.Errno), Reason: gerr.Reason}
	}
	return Reply{MsgID: msgid, Errno: int(gafferr.Internal), Reason: err.Error()}
}
