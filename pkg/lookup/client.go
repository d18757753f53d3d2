package lookup

import (
	"crypto/tls"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/gaffer-run/gaffer/pkg/manager"
	"github.com/gaffer-run/gaffer/pkg/metrics"
)

const (
	heartbeatInterval = 15 * time.Second
	minBackoff        = 500 * time.Millisecond
	maxBackoff        = 30 * time.Second
)

// Client is gafferd's side of the Lookup Protocol (spec section 4.6):
// one persistent connection to a single lookupd, kept alive with a
// PING heartbeat and, on disconnect, re-established with exponential
// backoff and a full replay of the node's current registration, since
// lookupd keeps no state across a lost connection.
type Client struct {
	addr    string
	name    string
	origin  string
	version string
	log     zerolog.Logger

	tlsConfig *tls.Config

	mu       sync.Mutex
	conn     *websocket.Conn
	jobs     map[string]bool
	procs    map[string]map[int]bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewClient builds a Client that will IDENTIFY as (name, origin,
// version) against the lookupd WebSocket endpoint at addr (e.g.
// "ws://lookupd.internal:5673/ws").
func NewClient(addr, name, origin, version string, log zerolog.Logger) *Client {
	return &Client{
		addr:    addr,
		name:    name,
		origin:  origin,
		version: version,
		log:     log.With().Str("lookupd", addr).Logger(),
		jobs:    make(map[string]bool),
		procs:   make(map[string]map[int]bool),
		stopCh:  make(chan struct{}),
	}
}

// WithTLS sets the *tls.Config used for wss:// connections to
// lookupd, built by pkg/tls.LoadClientConfig. No-op for ws:// addrs.
func (c *Client) WithTLS(cfg *tls.Config) *Client {
	c.tlsConfig = cfg
	return c
}

// RegisterJob records fqname as locally hosted, sending a live
// REGISTER_JOB if currently connected and replaying it on every future
// reconnect regardless.
func (c *Client) RegisterJob(fqname string) {
	c.mu.Lock()
	c.jobs[fqname] = true
	c.procs[fqname] = make(map[int]bool)
	conn := c.conn
	c.mu.Unlock()
	c.send(conn, Message{Type: MsgRegisterJob, MsgID: uuid.NewString(), JobName: fqname})
}

// UnregisterJob drops fqname from the replay set.
func (c *Client) UnregisterJob(fqname string) {
	c.mu.Lock()
	delete(c.jobs, fqname)
	delete(c.procs, fqname)
	conn := c.conn
	c.mu.Unlock()
	c.send(conn, Message{Type: MsgUnregisterJob, MsgID: uuid.NewString(), JobName: fqname})
}

// RegisterProcess records pid as running under fqname.
func (c *Client) RegisterProcess(fqname string, pid int) {
	c.mu.Lock()
	if c.procs[fqname] == nil {
		c.procs[fqname] = make(map[int]bool)
	}
	c.procs[fqname][pid] = true
	conn := c.conn
	c.mu.Unlock()
	c.send(conn, Message{Type: MsgRegisterProcess, MsgID: uuid.NewString(), JobName: fqname, Pid: pid})
}

// UnregisterProcess drops pid from fqname's replay set.
func (c *Client) UnregisterProcess(fqname string, pid int) {
	c.mu.Lock()
	if procs, ok := c.procs[fqname]; ok {
		delete(procs, pid)
	}
	conn := c.conn
	c.mu.Unlock()
	c.send(conn, Message{Type: MsgUnregisterProcess, MsgID: uuid.NewString(), JobName: fqname, Pid: pid})
}

// Start begins the connect/heartbeat/reconnect loop in a new
// goroutine, wires the replay set to m's load/unload/spawn/exit
// events, and returns immediately. Implements the manager.App
// Start/Stop shape so it can be registered on a Manager via Use.
func (c *Client) Start(m *manager.Manager) error {
	c.Wire(m)
	go c.run()
	return nil
}

// Wire subscribes to m's event emitter so every job load/unload and
// process spawn/exit is reflected in the replay set and, if currently
// connected, sent immediately.
func (c *Client) Wire(m *manager.Manager) {
	m.Events.Subscribe("load", func(_ string, args ...interface{}) {
		if fq, ok := args[0].(string); ok {
			c.RegisterJob(fq)
		}
	})
	m.Events.Subscribe("unload", func(_ string, args ...interface{}) {
		if fq, ok := args[0].(string); ok {
			c.UnregisterJob(fq)
		}
	})
	m.Events.Subscribe("spawn", func(_ string, args ...interface{}) {
		fq, _ := args[0].(string)
		pid, _ := args[1].(int)
		if fq != "" {
			c.RegisterProcess(fq, pid)
		}
	})
	m.Events.Subscribe("exit", func(_ string, args ...interface{}) {
		fq, _ := args[0].(string)
		pid, _ := args[1].(int)
		if fq != "" {
			c.UnregisterProcess(fq, pid)
		}
	})
}

// Stop ends the connect loop and closes any live connection.
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

func (c *Client) run() {
	backoff := minBackoff
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial()
		if err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("lookupd connect failed")
			metrics.LookupClientConnected.Set(0)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = minBackoff
		metrics.LookupClientConnected.Set(1)
		c.serve(conn)
		metrics.LookupClientConnected.Set(0)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	u, err := url.Parse(c.addr)
	if err != nil {
		return nil, err
	}
	dialer := websocket.DefaultDialer
	if c.tlsConfig != nil {
		dialer = &websocket.Dialer{
			TLSClientConfig:  c.tlsConfig,
			HandshakeTimeout: dialer.HandshakeTimeout,
		}
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	return conn, err
}

// serve owns conn until it drops: identify, replay registrations,
// start the heartbeat, then pump acks until the read loop fails.
func (c *Client) serve(conn *websocket.Conn) {
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.writeMessage(conn, Message{
		Type: MsgIdentify, MsgID: uuid.NewString(),
		Name: c.name, Origin: c.origin, Version: c.version,
	}); err != nil {
		return
	}
	c.replay(conn)

	done := make(chan struct{})
	go c.heartbeat(conn, done)
	defer close(done)

	for {
		var reply Reply
		if err := conn.ReadJSON(&reply); err != nil {
			return
		}
		if !reply.OK {
			c.log.Warn().Str("msgid", reply.MsgID).Int("errno", reply.Errno).Str("reason", reply.Reason).Msg("lookupd rejected message")
		}
	}
}

func (c *Client) replay(conn *websocket.Conn) {
	c.mu.Lock()
	jobs := make([]string, 0, len(c.jobs))
	for fq := range c.jobs {
		jobs = append(jobs, fq)
	}
	pids := make(map[string][]int, len(c.procs))
	for fq, set := range c.procs {
		for pid := range set {
			pids[fq] = append(pids[fq], pid)
		}
	}
	c.mu.Unlock()

	for _, fq := range jobs {
		c.writeMessage(conn, Message{Type: MsgRegisterJob, MsgID: uuid.NewString(), JobName: fq})
		for _, pid := range pids[fq] {
			c.writeMessage(conn, Message{Type: MsgRegisterProcess, MsgID: uuid.NewString(), JobName: fq, Pid: pid})
		}
	}
}

func (c *Client) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.writeMessage(conn, Message{Type: MsgPing, MsgID: uuid.NewString()}); err != nil {
				return
			}
		}
	}
}

func (c *Client) send(conn *websocket.Conn, msg Message) {
	if conn == nil {
		return
	}
	c.writeMessage(conn, msg)
}

func (c *Client) writeMessage(conn *websocket.Conn, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopCh:
		return false
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
