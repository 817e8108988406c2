package eventsocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// ConnState represents the lifecycle state of a Connection
type ConnState int

// Connection lifecycle states. Failed and Closed are terminal.
const (
	StateDisconnected ConnState = iota
	StateConnected
	StateAwaitingAuth
	StateAuthenticated
	StateFailed
	StateClosed
)

// String returns a readable name for the state
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// EventSink receives frames that are not command replies: asynchronous
// events, disconnect notices, and anything with an unknown content type.
type EventSink interface {
	HandleEvent(frame *Frame)
}

// discardEvents is the default sink
type discardEvents struct{}

func (discardEvents) HandleEvent(*Frame) {}

// Connection represents one Event Socket client connection. It owns the
// socket exclusively: all writes go through Send, and a single read loop
// decodes inbound frames. The protocol carries no command-correlation id,
// so at most one command is in flight at a time; concurrent callers are
// queued and served in arrival order.
type Connection struct {
	conn   net.Conn
	reader *FrameReader

	// sendMu is the admission queue: one command on the wire at a time
	sendMu sync.Mutex

	mu      sync.Mutex
	state   ConnState
	pending chan *Frame
	termErr error

	done chan struct{}

	events  EventSink
	logger  *log.Logger
	metrics MetricsRecorder
}

// Dial connects to an Event Socket endpoint
func Dial(address string) (*Connection, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}
	return NewConnection(conn), nil
}

// NewConnection wraps an established stream in a Connection
func NewConnection(conn net.Conn) *Connection {
	return &Connection{
		conn:   conn,
		reader: NewFrameReader(conn),
		state:  StateConnected,
		done:   make(chan struct{}),
		events: discardEvents{},
	}
}

// SetLogger sets the logger for the connection
func (c *Connection) SetLogger(logger *log.Logger) {
	c.logger = logger
}

// SetMetrics sets the metrics recorder for the connection
func (c *Connection) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// SetEventSink routes asynchronous event frames to sink instead of
// discarding them. Must be called before Initialize.
func (c *Connection) SetEventSink(sink EventSink) {
	c.events = sink
}

// log returns the logger or creates a default one
func (c *Connection) log() *log.Logger {
	if c.logger == nil {
		c.logger = log.New()
	}
	return c.logger
}

// State returns the current lifecycle state
func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialize awaits the greeting frame the switch sends unsolicited right
// after connect, then starts the read loop. It sends nothing itself.
func (c *Connection) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateConnected {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: initialize in state %s", ErrConnection, state)
	}
	c.mu.Unlock()

	type greeting struct {
		frame *Frame
		err   error
	}
	ch := make(chan greeting, 1)
	go func() {
		frame, err := c.reader.ReadFrame()
		ch <- greeting{frame, err}
	}()

	select {
	case <-ctx.Done():
		c.terminate(StateClosed, ErrConnectionClosed)
		return fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	case g := <-ch:
		if g.err != nil {
			c.terminate(StateFailed, g.err)
			return fmt.Errorf("%w: awaiting greeting: %v", ErrConnection, g.err)
		}
		if g.frame.Type != FrameGreeting {
			err := fmt.Errorf("%w: expected greeting, got %s", ErrProtocol, g.frame.Type)
			c.terminate(StateFailed, err)
			return err
		}
	}

	c.mu.Lock()
	c.state = StateAwaitingAuth
	c.mu.Unlock()

	go c.readLoop()
	return nil
}

// Login authenticates with the given password
func (c *Connection) Login(ctx context.Context, password string) error {
	c.mu.Lock()
	if c.state != StateAwaitingAuth {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: login in state %s", ErrConnection, state)
	}
	c.mu.Unlock()

	_, err := c.submit(ctx, "auth "+password)
	if err != nil {
		if errors.Is(err, ErrCommand) {
			err = fmt.Errorf("%w: %v", ErrAuthentication, err)
			c.terminate(StateFailed, err)
		}
		return err
	}

	c.mu.Lock()
	if c.state == StateAwaitingAuth {
		c.state = StateAuthenticated
	}
	c.mu.Unlock()
	return nil
}

// Send submits one command and blocks until its reply frame arrives.
// Only command/reply and api/response frames resolve the call; events
// arriving in between are routed to the event sink. A reply whose
// Reply-Text starts with the error marker fails with ErrCommand.
func (c *Connection) Send(ctx context.Context, command string) (*Frame, error) {
	c.mu.Lock()
	switch c.state {
	case StateFailed, StateClosed:
		err := c.termErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	case StateAuthenticated:
		c.mu.Unlock()
	default:
		state := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: send in state %s", ErrConnection, state)
	}

	return c.submit(ctx, command)
}

// submit performs the serialized write-then-await-reply cycle
func (c *Connection) submit(ctx context.Context, command string) (*Frame, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	if c.state == StateFailed || c.state == StateClosed {
		err := c.termErr
		c.mu.Unlock()
		if err == nil {
			err = ErrConnectionClosed
		}
		return nil, err
	}
	reply := make(chan *Frame, 1)
	c.pending = reply
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCommand(commandName(command))
	}

	if _, err := c.conn.Write([]byte(command + "\n\n")); err != nil {
		err = fmt.Errorf("%w: write: %v", ErrConnectionClosed, err)
		c.terminate(StateFailed, err)
		return nil, err
	}

	select {
	case frame := <-reply:
		if replyText := frame.Header.Get(HeaderReplyText); strings.HasPrefix(replyText, "-") {
			return nil, fmt.Errorf("%w: %s", ErrCommand, replyText)
		}
		return frame, nil

	case <-c.done:
		return nil, c.terminalError()

	case <-ctx.Done():
		// Abandoning an in-flight command would desynchronize the wire
		// framing, so cancellation is fatal to the connection.
		c.terminate(StateClosed, ErrConnectionClosed)
		return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	}
}

// readLoop decodes inbound frames and routes them: command replies
// resolve the single pending command, everything else goes to the sink.
func (c *Connection) readLoop() {
	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			c.terminate(StateFailed, err)
			return
		}

		if c.metrics != nil {
			c.metrics.RecordFrameReceived(frame.Type.String(), len(frame.Body))
		}

		switch frame.Type {
		case FrameCommandReply, FrameAPIResponse:
			c.mu.Lock()
			pending := c.pending
			c.pending = nil
			c.mu.Unlock()

			if pending != nil {
				pending <- frame
			} else {
				c.log().WithField("type", frame.Type.String()).Warn("Discarding reply frame with no pending command")
			}
		default:
			c.events.HandleEvent(frame)
		}
	}
}

// Close shuts the connection down. It is idempotent, fails any pending
// command with ErrConnectionClosed, and never returns an error itself.
func (c *Connection) Close() {
	c.terminate(StateClosed, ErrConnectionClosed)
}

// terminate performs the single transition into a terminal state
func (c *Connection) terminate(state ConnState, err error) {
	c.mu.Lock()
	if c.state == StateFailed || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.termErr = err
	c.mu.Unlock()

	_ = c.conn.Close()
	close(c.done)
}

// terminalError returns the error the connection terminated with
func (c *Connection) terminalError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.termErr != nil {
		return c.termErr
	}
	return ErrConnectionClosed
}

// commandName extracts the leading word of a command for metrics labels
func commandName(command string) string {
	if i := strings.IndexByte(command, ' '); i > 0 {
		return command[:i]
	}
	return command
}
