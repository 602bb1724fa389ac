// Package client talks to a debugbridge remote console over WebSocket.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
	"github.com/bingosuite/debugbridge/internal/ws"
)

const closeGracePeriod = time.Second

var errConnectionClosed = errors.New("connection closed")

type Client struct {
	serverURL string
	conn      *websocket.Conn
	send      chan ws.Message
	done      chan struct{}
	log       *log.Entry
	listener  host.Listener

	sessionID   atomic.Value // string
	state       atomic.Value // protocol.ProcessState
	mu          sync.Mutex
	breakpoints []host.Breakpoint
	closeOnce   sync.Once
}

// NewClient joins sessionID on serverURL (host:port), or starts a new
// console session when sessionID is empty. Notifications go to listener.
func NewClient(serverURL, sessionID string, listener host.Listener) *Client {
	if listener == nil {
		listener = host.NopListener{}
	}
	c := &Client{
		serverURL: serverURL,
		send:      make(chan ws.Message, 256),
		done:      make(chan struct{}),
		log:       log.WithField("component", "client"),
		listener:  listener,
	}
	c.sessionID.Store(sessionID)
	c.state.Store(protocol.StateInvalid)
	return c
}

func (c *Client) Connect() error {
	// Build WebSocket URL with session ID
	u := url.URL{
		Scheme: "ws",
		Host:   c.serverURL,
		Path:   "/ws/",
	}
	if id := c.SessionID(); id != "" {
		u.RawQuery = "session=" + url.QueryEscape(id)
	}
	c.log.WithField("url", u.String()).Debug("Connecting")

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial error: %w", err)
	}

	c.conn = conn
	c.log.Debug("Connected to server")
	return nil
}

func (c *Client) Run() error {
	if c.conn == nil {
		return fmt.Errorf("connection not established")
	}

	// Start read and write pumps
	go c.readPump()
	go c.writePump()

	return nil
}

func (c *Client) readPump() {
	defer func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.log.WithError(err).Debug("Close error")
		}
	}()

	for {
		var msg ws.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("WebSocket error")
			}
			return
		}

		c.handleMessage(msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case message := <-c.send:
			if err := c.conn.WriteJSON(message); err != nil {
				c.log.WithError(err).Warn("Write error")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleMessage(msg ws.Message) {
	c.log.WithField("type", msg.Type).Debug("Received message")

	switch ws.EventType(msg.Type) {
	case ws.EventSessionStarted:
		var started ws.SessionStartedEvent
		if err := json.Unmarshal(msg.Data, &started); err != nil {
			c.log.WithError(err).Warn("Error parsing sessionStarted")
			return
		}
		c.sessionID.Store(started.SessionID)

	case ws.EventNotification:
		var ev ws.NotificationEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.WithError(err).Warn("Error parsing notification")
			return
		}
		n, err := protocol.DecodeNotification(ev.Notification)
		if err != nil {
			c.log.WithError(err).Warn("Error decoding notification")
			return
		}
		if ps, ok := n.(protocol.ProcessStateChanged); ok {
			c.state.Store(ps.State)
		}
		host.Dispatch(n, c.listener)

	case ws.EventBreakpoints:
		var ev ws.BreakpointsEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.WithError(err).Warn("Error parsing breakpoints")
			return
		}
		c.mu.Lock()
		c.breakpoints = ev.Breakpoints
		c.mu.Unlock()

	case ws.EventSessionEnded:
		var ev ws.SessionEndedEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.WithError(err).Warn("Error parsing sessionEnded")
			return
		}
		if ev.Error != "" {
			c.listener.Error("debug session ended: " + ev.Error)
		}

	case ws.EventError:
		var ev ws.ErrorEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			c.log.WithError(err).Warn("Error parsing error event")
			return
		}
		c.listener.Error(ev.Message)

	default:
		c.log.WithField("type", msg.Type).Warn("Unknown message type")
	}
}

func (c *Client) SendCommand(cmdType ws.CommandType, payload any) error {
	msg, err := ws.NewMessage(cmdType, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- msg:
		c.log.WithField("command", cmdType).Debug("Queued command")
		return nil
	case <-c.done:
		return errConnectionClosed
	}
}

// Start runs target in a fresh debug session, replacing any current one.
func (c *Client) Start(target string, args []string) error {
	return c.SendCommand(ws.CmdRun, ws.RunCmd{
		Type:       ws.CmdRun,
		SessionID:  c.SessionID(),
		TargetPath: target,
		Args:       args,
	})
}

// Console runs an engine console command. The output arrives through
// CommandFinished.
func (c *Client) Console(input string) error {
	return c.SendCommand(ws.CmdCommand, ws.ConsoleCmd{Type: ws.CmdCommand, SessionID: c.SessionID(), Input: input})
}

func (c *Client) runControl(cmd ws.CommandType) error {
	return c.SendCommand(cmd, ws.RunControlCmd{Type: cmd, SessionID: c.SessionID()})
}

func (c *Client) Continue() error { return c.runControl(ws.CmdContinue) }
func (c *Client) StepOver() error { return c.runControl(ws.CmdStepOver) }
func (c *Client) StepIn() error   { return c.runControl(ws.CmdStepIn) }
func (c *Client) StepOut() error  { return c.runControl(ws.CmdStepOut) }
func (c *Client) Kill() error     { return c.runControl(ws.CmdKill) }
func (c *Client) Exit() error     { return c.runControl(ws.CmdExit) }

func (c *Client) SelectFrame(index int) error {
	return c.SendCommand(ws.CmdSelectFrame, ws.SelectFrameCmd{Type: ws.CmdSelectFrame, SessionID: c.SessionID(), Index: index})
}

// ToggleBreakpoint sets or clears the breakpoint at filename:line.
func (c *Client) ToggleBreakpoint(filename string, line int) error {
	return c.SendCommand(ws.CmdBreakpoint, ws.BreakpointCmd{
		Type:      ws.CmdBreakpoint,
		SessionID: c.SessionID(),
		Filename:  filename,
		Line:      line,
	})
}

func (c *Client) SessionID() string {
	return c.sessionID.Load().(string)
}

// State is the last process state the server reported.
func (c *Client) State() protocol.ProcessState {
	return c.state.Load().(protocol.ProcessState)
}

func (c *Client) Breakpoints() []host.Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]host.Breakpoint(nil), c.breakpoints...)
}

// Done is closed when the server connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	var err error
	c.closeOnce.Do(func() {
		// WriteControl may run alongside writePump.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGracePeriod))
		if err = c.conn.Close(); errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
