package eventsocket

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// APIHandler produces the api/response body for an api command. The
// command is passed without the leading "api " word. An error becomes a
// "-ERR" body, matching how the switch reports api-level failures.
type APIHandler func(command string) (string, error)

// Server implements the switch side of the Event Socket protocol: it
// greets each client, enforces password authentication, and dispatches
// api commands to a pluggable handler. It exists as a simulator and as a
// test peer; it is not a full switch.
type Server struct {
	Password     string
	Handler      APIHandler
	Socket       net.Listener
	Clients      []net.Conn
	ClientsMutex sync.Mutex
	Running      bool
	logger       *log.Logger
	metrics      MetricsRecorder
}

// NewServer creates a server that accepts the given password
func NewServer(password string) *Server {
	return &Server{
		Password: password,
		Clients:  make([]net.Conn, 0),
	}
}

// SetLogger sets the logger for the server
func (s *Server) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// SetMetrics sets the metrics recorder for the server
func (s *Server) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// SetHandler sets the api command handler
func (s *Server) SetHandler(handler APIHandler) {
	s.Handler = handler
}

// log returns the logger or creates a default one
func (s *Server) log() *log.Logger {
	if s.logger == nil {
		s.logger = log.New()
	}
	return s.logger
}

// Addr returns the bound listener address
func (s *Server) Addr() net.Addr {
	if s.Socket == nil {
		return nil
	}
	return s.Socket.Addr()
}

// Start starts the server
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.Socket = listener
	s.Running = true

	s.log().WithField("address", listener.Addr().String()).Info("Event socket server listening")

	go func() {
		for s.Running {
			conn, err := s.Socket.Accept()
			if err != nil {
				if s.Running {
					s.log().WithError(err).Error("Error accepting connection")
				}
				continue
			}

			clientAddr := conn.RemoteAddr().String()
			s.log().WithField("client", clientAddr).Info("New client connected")

			s.ClientsMutex.Lock()
			s.Clients = append(s.Clients, conn)
			s.ClientsMutex.Unlock()

			if s.metrics != nil {
				s.metrics.RecordClientConnected()
			}

			go s.handleClient(conn)
		}
	}()

	return nil
}

// Stop stops the server and disconnects all clients
func (s *Server) Stop() {
	s.Running = false
	if s.Socket != nil {
		_ = s.Socket.Close()
	}

	s.ClientsMutex.Lock()
	for _, conn := range s.Clients {
		_ = conn.Close()
	}
	s.Clients = make([]net.Conn, 0)
	s.ClientsMutex.Unlock()

	s.log().Info("Event socket server stopped")
}

// BroadcastEvent sends a plain-encoded event frame to every connected
// client. Clients waiting on a command reply must not resolve it with
// this frame.
func (s *Server) BroadcastEvent(name string) {
	body := []byte("Event-Name: " + name + "\n\n")
	header := NewHeader()
	header.Add(HeaderContentType, "text/event-plain")

	s.ClientsMutex.Lock()
	clients := make([]net.Conn, len(s.Clients))
	copy(clients, s.Clients)
	s.ClientsMutex.Unlock()

	for _, conn := range clients {
		if err := writeFrame(conn, header, body); err != nil {
			s.log().WithField("client", conn.RemoteAddr().String()).WithError(err).Debug("Error sending event frame")
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordFrameSent("event", len(body))
		}
	}
}

// handleClient handles a client connection
func (s *Server) handleClient(conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()

	defer func() {
		_ = conn.Close()
		s.ClientsMutex.Lock()
		for i, c := range s.Clients {
			if c == conn {
				s.Clients = append(s.Clients[:i], s.Clients[i+1:]...)
				break
			}
		}
		s.ClientsMutex.Unlock()

		if s.metrics != nil {
			s.metrics.RecordClientDisconnected()
		}

		s.log().WithField("client", clientAddr).Info("Client disconnected")
	}()

	greeting := NewHeader()
	greeting.Add(HeaderContentType, ContentTypeAuthRequest)
	if err := s.sendFrame(conn, greeting, nil); err != nil {
		s.log().WithField("client", clientAddr).WithError(err).Error("Error sending greeting")
		return
	}

	reader := bufio.NewReader(conn)
	authenticated := false

	for s.Running {
		command, err := readCommand(reader)
		if err != nil {
			if err.Error() != "EOF" {
				s.log().WithFields(log.Fields{
					"client": clientAddr,
					"error":  err,
				}).Debug("Error reading from client")
			}
			return
		}

		if s.metrics != nil {
			s.metrics.RecordBytesReceived(len(command))
			s.metrics.RecordCommand(commandName(command))
		}

		s.log().WithFields(log.Fields{
			"client":  clientAddr,
			"command": commandName(command),
		}).Debug("Received command")

		switch {
		case strings.HasPrefix(command, "auth "):
			if strings.TrimPrefix(command, "auth ") == s.Password {
				authenticated = true
				if err := s.sendReply(conn, "+OK accepted"); err != nil {
					return
				}
			} else {
				s.log().WithField("client", clientAddr).Warn("Client failed authentication")
				if err := s.sendReply(conn, "-ERR invalid"); err != nil {
					return
				}
			}

		case strings.HasPrefix(command, "api "):
			if !authenticated {
				if err := s.sendReply(conn, "-ERR not authenticated"); err != nil {
					return
				}
				continue
			}
			body := s.runAPI(strings.TrimPrefix(command, "api "))
			header := NewHeader()
			header.Add(HeaderContentType, ContentTypeAPIResponse)
			if err := s.sendFrame(conn, header, []byte(body)); err != nil {
				return
			}

		case command == "exit":
			_ = s.sendReply(conn, "+OK bye")
			return

		default:
			if err := s.sendReply(conn, "-ERR command not found"); err != nil {
				return
			}
		}
	}
}

// runAPI dispatches an api command to the handler
func (s *Server) runAPI(command string) string {
	if s.Handler == nil {
		return "-ERR no api handler"
	}
	body, err := s.Handler(command)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordFrameError("api_error")
		}
		return "-ERR " + err.Error()
	}
	return body
}

// sendReply writes a command/reply frame carrying the given reply text
func (s *Server) sendReply(conn net.Conn, replyText string) error {
	header := NewHeader()
	header.Add(HeaderContentType, ContentTypeCommandReply)
	header.Add(HeaderReplyText, replyText)
	return s.sendFrame(conn, header, nil)
}

// sendFrame writes one frame and records its size
func (s *Server) sendFrame(conn net.Conn, header *Header, body []byte) error {
	if err := writeFrame(conn, header, body); err != nil {
		if s.metrics != nil {
			s.metrics.RecordFrameError("write_error")
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordFrameSent(frameTypeOf(header.Get(HeaderContentType)).String(), len(body))
	}
	return nil
}

// readCommand reads one blank-line-terminated command block and returns
// its first line. Leading blank lines between commands are skipped.
func readCommand(r *bufio.Reader) (string, error) {
	command := ""
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if command != "" {
				return command, nil
			}
			continue
		}
		if command == "" {
			command = line
		}
	}
}

// writeFrame serializes one frame: header lines, a Content-Length header
// when a body is present, a blank line, then the body bytes.
func writeFrame(w net.Conn, header *Header, body []byte) error {
	buf := new(bytes.Buffer)
	for _, name := range header.Names() {
		fmt.Fprintf(buf, "%s: %s\n", name, header.Get(name))
	}
	if body != nil {
		fmt.Fprintf(buf, "%s: %d\n", HeaderContentLength, len(body))
	}
	buf.WriteByte('\n')
	buf.Write(body)

	_, err := w.Write(buf.Bytes())
	return err
}
