// Package eventsocket implements the FreeSWITCH Event Socket protocol for
// issuing commands and receiving asynchronous events over a TCP connection.
package eventsocket

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Content types used on the wire to discriminate frame kinds
const (
	ContentTypeAuthRequest      = "auth/request"
	ContentTypeCommandReply     = "command/reply"
	ContentTypeAPIResponse      = "api/response"
	ContentTypeDisconnectNotice = "text/disconnect-notice"
	contentTypeEventPrefix      = "text/event-"
)

// Well-known header names
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderReplyText     = "Reply-Text"
)

// Custom error types
var (
	ErrConnection       = errors.New("connection failed")
	ErrProtocol         = errors.New("malformed frame")
	ErrAuthentication   = errors.New("authentication rejected")
	ErrCommand          = errors.New("command failed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrCanceled         = errors.New("command canceled")
)

// FrameType identifies the kind of a decoded frame
type FrameType int

// Frame type constants, derived from the Content-Type header at decode time
const (
	FrameUnknown FrameType = iota
	FrameGreeting
	FrameCommandReply
	FrameAPIResponse
	FrameEvent
)

// String returns a readable name for the frame type
func (t FrameType) String() string {
	switch t {
	case FrameGreeting:
		return "greeting"
	case FrameCommandReply:
		return "command/reply"
	case FrameAPIResponse:
		return "api/response"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// frameTypeOf maps a Content-Type header value to a FrameType
func frameTypeOf(contentType string) FrameType {
	switch {
	case contentType == ContentTypeAuthRequest:
		return FrameGreeting
	case contentType == ContentTypeCommandReply:
		return FrameCommandReply
	case contentType == ContentTypeAPIResponse:
		return FrameAPIResponse
	case strings.HasPrefix(contentType, contentTypeEventPrefix),
		contentType == ContentTypeDisconnectNotice:
		return FrameEvent
	default:
		return FrameUnknown
	}
}

// Header is an ordered mapping of header names to values
type Header struct {
	names  []string
	values map[string]string
}

// NewHeader creates an empty header block
func NewHeader() *Header {
	return &Header{values: make(map[string]string)}
}

// Add appends a header, keeping insertion order. A repeated name
// overwrites the value but keeps the original position.
func (h *Header) Add(name, value string) {
	if _, ok := h.values[name]; !ok {
		h.names = append(h.names, name)
	}
	h.values[name] = value
}

// Get returns the value for name, or "" if absent
func (h *Header) Get(name string) string {
	return h.values[name]
}

// Has reports whether name is present
func (h *Header) Has(name string) bool {
	_, ok := h.values[name]
	return ok
}

// Names returns the header names in insertion order
func (h *Header) Names() []string {
	return h.names
}

// Len returns the number of headers
func (h *Header) Len() int {
	return len(h.names)
}

// Frame represents one complete protocol message: a header block plus an
// optional body whose length is given by the Content-Length header.
type Frame struct {
	Type   FrameType
	Header *Header
	Body   []byte
}

// String returns a short description of the frame
func (f *Frame) String() string {
	return fmt.Sprintf("{Type: %s, Headers: %d, Body: %d bytes}", f.Type, f.Header.Len(), len(f.Body))
}

// FrameReader decodes a continuous byte stream into discrete frames.
// It is not restartable: after any error the reader must be discarded
// together with its underlying stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader creates a frame reader on top of r
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReader(r)}
}

// ReadFrame reads exactly one frame from the stream. It blocks until the
// header block is terminated by a blank line and, if Content-Length is
// declared, until the full body has been received. A frame is never
// returned partially decoded.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	header := NewHeader()

	for {
		line, err := fr.r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: reading header line: %v", ErrConnectionClosed, err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line without separator: %q", ErrProtocol, line)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	frame := &Frame{
		Type:   frameTypeOf(header.Get(HeaderContentType)),
		Header: header,
	}

	if !header.Has(HeaderContentLength) {
		return frame, nil
	}

	length, err := strconv.Atoi(header.Get(HeaderContentLength))
	if err != nil || length < 0 {
		return nil, fmt.Errorf("%w: invalid Content-Length %q", ErrProtocol, header.Get(HeaderContentLength))
	}

	body := make([]byte, length)
	if n, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("%w: stream ended with %d of %d body bytes", ErrConnectionClosed, n, length)
	}
	frame.Body = body

	return frame, nil
}
