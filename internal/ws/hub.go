package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/bingosuite/debugbridge/internal/host"
	"github.com/bingosuite/debugbridge/internal/protocol"
)

const (
	clientSendBufferSize = 256
	eventBufferSize      = 256
	commandBufferSize    = 32
	hubTickerInterval    = 1 * time.Minute
)

var errNoDebugSession = errors.New("no debug session running")

// Hub fans the notifications of one controller out to every attached
// connection and feeds their commands into it.
type Hub struct {
	sessionID   string
	connections map[*Connection]struct{}

	// Channels for register/unregister clients and broadcast msgs
	register   chan *Connection
	unregister chan *Connection
	events     chan Message
	commands   chan Message
	stop       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once

	onShutdown func(sessionID string) // callback for shutdown on server

	// idle detection
	idleTimeout    time.Duration
	tickerInterval time.Duration
	lastActivity   time.Time

	controller *host.Controller
	ctx        context.Context
	cancel     context.CancelFunc
	log        *log.Entry

	mu sync.RWMutex
}

func NewHub(sessionID string, idleTimeout time.Duration, start host.Starter, logger *log.Entry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sessionID:      sessionID,
		connections:    make(map[*Connection]struct{}),
		register:       make(chan *Connection),
		unregister:     make(chan *Connection),
		events:         make(chan Message, eventBufferSize),
		commands:       make(chan Message, commandBufferSize),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		idleTimeout:    idleTimeout,
		tickerInterval: hubTickerInterval,
		lastActivity:   time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		log:            logger.WithFields(log.Fields{"component": "hub", "session": sessionID}),
	}
	h.controller = host.NewController(start, h.attach, h.log)
	return h
}

func (h *Hub) Run() {
	defer h.shutdown()
	ticker := time.NewTicker(h.tickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.RLock()
			idle := h.idleTimeout > 0 && len(h.connections) == 0 && time.Since(h.lastActivity) > h.idleTimeout
			h.mu.RUnlock()
			if idle {
				h.log.WithField("idle", h.idleTimeout).Info("Session idle, shutting down")
				return
			}

		case connection := <-h.register:
			h.mu.Lock()
			h.connections[connection] = struct{}{}
			h.lastActivity = time.Now()
			count := len(h.connections)
			h.mu.Unlock()
			h.log.WithFields(log.Fields{"connection": connection.id, "total": count}).Info("Client connected")

		case connection := <-h.unregister:
			h.mu.Lock()
			_, ok := h.connections[connection]
			delete(h.connections, connection)
			remaining := len(h.connections)
			h.mu.Unlock()
			if !ok {
				continue
			}
			connection.CloseSend()
			h.log.WithFields(log.Fields{"connection": connection.id, "remaining": remaining}).Info("Client disconnected")

			// When last client leaves, shutdown hub
			if remaining == 0 {
				h.log.Info("Session has no clients, shutting down hub")
				return
			}

		case event := <-h.events:
			h.fanOut(event)

		case cmd := <-h.commands:
			h.log.WithField("command", cmd.Type).Debug("Hub command")
			h.handleCommand(cmd)

		case <-h.stop:
			return
		}
	}
}

// fanOut must only run on the Run goroutine.
func (h *Hub) fanOut(event Message) {
	h.mu.Lock()
	h.lastActivity = time.Now()
	var slowConnections []*Connection
	for connection := range h.connections {
		select {
		case connection.send <- event:
		default: // when a send operation blocks (connection consuming too slowly or reader goroutine died), discard the connection
			slowConnections = append(slowConnections, connection)
		}
	}
	for _, connection := range slowConnections {
		h.log.WithField("connection", connection.id).Warn("Connection is slow, unregistering")
		delete(h.connections, connection)
		connection.CloseSend()
	}
	h.mu.Unlock()
}

// Public APIs
func (h *Hub) Register(connection *Connection) {
	select {
	case h.register <- connection:
	case <-h.done:
		connection.CloseSend()
	}
}

func (h *Hub) Unregister(connection *Connection) {
	select {
	case h.unregister <- connection:
	case <-h.done:
	}
}

func (h *Hub) Broadcast(event Message) {
	select {
	case h.events <- event:
	case <-h.done:
	}
}

func (h *Hub) SendCommand(cmd Message) {
	select {
	case h.commands <- cmd:
	case <-h.done:
	}
}

// Stop shuts the hub down. It does not wait for Run to return.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

func (h *Hub) shutdown() {
	h.cancel()
	if err := h.controller.Close(); err != nil {
		h.log.WithError(err).Warn("Failed to close debug session")
	}

	h.mu.Lock()
	for connection := range h.connections {
		connection.CloseSend()
		delete(h.connections, connection)
	}
	h.mu.Unlock()

	if h.onShutdown != nil {
		h.onShutdown(h.sessionID)
	}
	close(h.done)
}

// attach forwards the notifications of a new debug session to the clients.
func (h *Hub) attach(s *host.Session) {
	go func() {
		logger := h.log.WithField("debugSession", s.ID())
		for n := range s.Notifications() {
			raw, err := protocol.EncodeNotification(n)
			if err != nil {
				logger.WithError(err).Error("Failed to encode notification")
				continue
			}
			h.publish(EventNotification, NotificationEvent{
				Type:         EventNotification,
				SessionID:    h.sessionID,
				DebugSession: s.ID(),
				Notification: raw,
			})
		}

		ended := SessionEndedEvent{Type: EventSessionEnded, SessionID: h.sessionID, DebugSession: s.ID()}
		if err := s.Err(); err != nil {
			ended.Error = err.Error()
		}
		logger.Info("Debug session ended")
		h.publish(EventSessionEnded, ended)
	}()
}

// publish broadcasts from goroutines other than Run.
func (h *Hub) publish(t EventType, payload any) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		h.log.WithError(err).Errorf("Failed to marshal %s event", t)
		return
	}
	h.Broadcast(msg)
}

// reply fans out from the Run goroutine.
func (h *Hub) reply(t EventType, payload any) {
	msg, err := NewMessage(t, payload)
	if err != nil {
		h.log.WithError(err).Errorf("Failed to marshal %s event", t)
		return
	}
	h.fanOut(msg)
}

func (h *Hub) replyError(err error) {
	h.reply(EventError, ErrorEvent{Type: EventError, SessionID: h.sessionID, Message: err.Error()})
}

func decode[T any](cmd Message) (T, error) {
	var v T
	if err := json.Unmarshal(cmd.Data, &v); err != nil {
		return v, fmt.Errorf("failed to unmarshal %s command: %w", cmd.Type, err)
	}
	return v, nil
}

// Forward commands from client to the debug session
func (h *Hub) handleCommand(cmd Message) {
	var err error
	switch CommandType(cmd.Type) {
	case CmdRun:
		var run RunCmd
		if run, err = decode[RunCmd](cmd); err == nil {
			h.log.WithField("target", run.TargetPath).Info("Run received")
			go h.run(run)
		}

	case CmdCommand:
		var console ConsoleCmd
		if console, err = decode[ConsoleCmd](cmd); err == nil {
			err = h.withSession(func(s *host.Session) error { return s.HandleCommand(console.Input) })
		}

	case CmdContinue:
		err = h.withSession((*host.Session).Continue)
	case CmdStepOver:
		err = h.withSession((*host.Session).StepOver)
	case CmdStepIn:
		err = h.withSession((*host.Session).StepIn)
	case CmdStepOut:
		err = h.withSession((*host.Session).StepOut)

	case CmdSelectFrame:
		var sel SelectFrameCmd
		if sel, err = decode[SelectFrameCmd](cmd); err == nil {
			err = h.withSession(func(s *host.Session) error { return s.SelectFrame(sel.Index) })
		}

	case CmdBreakpoint:
		var bp BreakpointCmd
		if bp, err = decode[BreakpointCmd](cmd); err == nil {
			_, err = h.controller.ToggleBreakpoint(bp.Filename, bp.Line)
			h.reply(EventBreakpoints, BreakpointsEvent{
				Type:        EventBreakpoints,
				SessionID:   h.sessionID,
				Breakpoints: h.controller.Breakpoints(),
			})
		}

	case CmdKill:
		err = h.controller.Kill()

	case CmdExit:
		err = h.controller.Close()

	default:
		err = fmt.Errorf("unknown command type: %s", cmd.Type)
	}

	if err != nil {
		h.log.WithError(err).WithField("command", cmd.Type).Warn("Command failed")
		h.replyError(err)
	}
}

func (h *Hub) run(cmd RunCmd) {
	s, err := h.controller.Run(h.ctx, cmd.TargetPath, protocol.TargetLaunch{
		Arguments:        cmd.Args,
		Environment:      cmd.Env,
		WorkingDirectory: cmd.WorkingDir,
	})
	if err != nil {
		h.log.WithError(err).Warn("Run failed")
		h.publish(EventError, ErrorEvent{Type: EventError, SessionID: h.sessionID, Message: err.Error()})
		return
	}
	h.log.WithField("debugSession", s.ID()).Info("Debug session started")
}

func (h *Hub) withSession(fn func(*host.Session) error) error {
	s := h.controller.Session()
	if s == nil || !s.Alive() {
		return errNoDebugSession
	}
	return fn(s)
}
