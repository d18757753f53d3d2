package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// frame is the envelope for every message exchanged on a /channel
// connection, in either direction: a client request (subscribe/
// unsubscribe/command) or a server push (event delivery or command
// reply).
type frame struct {
	Action string          `json:"action,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   interface{}     `json:"data,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	// Command fields, present when Action == "command".
	Identity interface{}     `json:"identity,omitempty"`
	Command  string          `json:"command,omitempty"`
	CmdArgs  json.RawMessage `json:"cmdArgs,omitempty"`
}

// Client is one /channel WebSocket connection: a subscriber to zero or
// more Hub topics and a caller of zero or more commands, adapted from
// the teacher corpus's register/unregister/buffered-send client
// pattern (spec section 4.5).
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan frame
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewClient wraps conn as a Hub channel and starts its read/write
// pumps. Callers should not use conn directly after this returns.
func NewClient(h *Hub, conn *websocket.Conn, log zerolog.Logger) *Client {
	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan frame, sendBuffer),
		log:  log,
		subs: make(map[string]*Subscription),
	}
	go c.writePump()
	go c.readPump()
	return c
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug().Err(err).Msg("channel closed unexpectedly")
			}
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f frame) {
	switch f.Action {
	case "subscribe":
		c.subscribe(f.Topic)
	case "unsubscribe":
		c.unsubscribe(f.Topic)
	case "command":
		reply := c.hub.Dispatch(Command{Identity: f.Identity, Name: f.Command, Args: f.CmdArgs})
		c.deliverFrame(frame{Event: reply.Event, Data: reply.Data})
	default:
		c.deliverFrame(frame{Event: "gaffer:command_error", Data: errorData{
			Error: wireError{Errno: 400, Reason: "unrecognized channel action"},
		}})
	}
}

func (c *Client) subscribe(topic string) {
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, err := c.hub.Subscribe(topic, func(event string, args ...interface{}) {
		c.deliverFrame(frame{Topic: topic, Event: event, Data: args})
	})
	if err != nil {
		c.deliverFrame(frame{Event: "gaffer:subscribe_error", Topic: topic, Data: errReplyData(err)})
		return
	}

	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		c.hub.Unsubscribe(sub)
	}
}

// deliverFrame enqueues f for the write pump. A full send buffer means
// a slow subscriber; the oldest queued frame is dropped to make room
// rather than blocking the Hub's broadcast.
func (c *Client) deliverFrame(f frame) {
	for {
		select {
		case c.send <- f:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// Close tears down every subscription this client holds and closes
// the underlying connection. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		c.hub.Unsubscribe(sub)
	}
	c.conn.Close()
}

func errReplyData(err error) interface{} {
	return errReply(nil, err).Data
}
