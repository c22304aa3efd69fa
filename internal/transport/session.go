package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Conn is the subset of *websocket.Conn a Session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens a duplex connection to url
type DialFunc func(ctx context.Context, url string) (Conn, error)

// WebSocketDialer returns a DialFunc backed by gorilla/websocket
func WebSocketDialer(handshakeTimeout time.Duration) DialFunc {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// OutboundMessage is the JSON frame sent for every user submission
type OutboundMessage struct {
	Message string `json:"message"`
}

// Event is something the connection reports back to the owning pane
type Event interface {
	isEvent()
}

// Opened reports a successful dial
type Opened struct {
	conn Conn
}

// Frame is one inbound websocket message
type Frame struct {
	Type int
	Data []byte
}

// Failed reports a dial or read failure
type Failed struct {
	Err error
}

// Closed reports a close frame from the remote side
type Closed struct {
	Code   int
	Reason string
}

func (Opened) isEvent() {}
func (Frame) isEvent()  {}
func (Failed) isEvent() {}
func (Closed) isEvent() {}

// NewOpened wraps a connection in an Opened event. It exists for callers that
// drive a Session with their own connections, such as tests.
func NewOpened(conn Conn) Opened {
	return Opened{conn: conn}
}

// DecodeFrame returns the text carried by f
func DecodeFrame(f Frame) (string, error) {
	if f.Type != websocket.TextMessage {
		return "", &MalformedPayloadError{Reason: fmt.Sprintf("unexpected frame type %d", f.Type)}
	}
	if !utf8.Valid(f.Data) {
		return "", &MalformedPayloadError{Reason: "frame is not valid UTF-8"}
	}
	return string(f.Data), nil
}

// Options configures a Session
type Options struct {
	Pane   string
	URL    string
	Dial   DialFunc
	Emit   func(Event) bool // delivers an event to the pane queue; false once the pane is gone
	Logger *slog.Logger
	Tracer trace.Tracer
}

// Session owns one duplex connection and its lifecycle state machine.
//
// All methods must be called from the owning pane's event loop. The dial and
// read goroutines a Session starts never touch its state; they only Emit.
type Session struct {
	id     string
	pane   string
	url    string
	dial   DialFunc
	emit   func(Event) bool
	logger *slog.Logger
	tracer trace.Tracer

	state      State
	busy       bool
	conn       Conn
	err        error
	cancelDial context.CancelFunc
}

// NewSession creates an idle session
func NewSession(opts Options) (*Session, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Emit == nil {
		return nil, fmt.Errorf("emit cannot be nil")
	}
	if opts.Dial == nil {
		opts.Dial = WebSocketDialer(10 * time.Second)
	}
	if opts.Tracer == nil {
		opts.Tracer = noop.NewTracerProvider().Tracer("dualchat")
	}

	id := uuid.NewString()
	return &Session{
		id:     id,
		pane:   opts.Pane,
		url:    opts.URL,
		dial:   opts.Dial,
		emit:   opts.Emit,
		logger: opts.Logger.With("conn_id", id),
		tracer: opts.Tracer,
	}, nil
}

// ID returns the connection identifier used in logs
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state
func (s *Session) State() State { return s.state }

// Busy reports whether a reply is outstanding
func (s *Session) Busy() bool { return s.busy }

// Err returns the failure that moved the session to StateErrored
func (s *Session) Err() error { return s.err }

// ClearBusy marks the pane as no longer waiting for a frame
func (s *Session) ClearBusy() { s.busy = false }

func (s *Session) transition(to State) bool {
	if !CanTransition(s.state, to) {
		return false
	}
	s.logger.Debug("session state change", "from", s.state.String(), "to", to.String())
	s.state = to
	return true
}

// Open starts dialing in the background. The outcome arrives as an Opened or
// Failed event.
func (s *Session) Open(ctx context.Context) error {
	if !s.transition(StateConnecting) {
		return fmt.Errorf("cannot open session in state %s", s.state)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	s.cancelDial = cancel

	go func() {
		defer cancel()
		conn, err := s.dial(dialCtx, s.url)
		if err != nil {
			s.emit(Failed{Err: &ConnectionError{Op: "dial", Err: err}})
			return
		}
		if !s.emit(Opened{conn: conn}) {
			conn.Close()
		}
	}()

	s.logger.Info("connecting", "url", s.url)
	return nil
}

// HandleOpened moves a connecting session to StateOpen and starts reading
func (s *Session) HandleOpened(ev Opened) {
	if !s.transition(StateOpen) {
		// Closed while the dial was in flight.
		ev.conn.Close()
		return
	}
	s.conn = ev.conn
	s.logger.Info("connection established", "url", s.url)
	go s.readLoop(ev.conn)
}

func (s *Session) readLoop(conn Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				s.emit(Closed{Code: closeErr.Code, Reason: closeErr.Text})
				return
			}
			s.emit(Failed{Err: &ConnectionError{Op: "read", Err: err}})
			return
		}
		if !s.emit(Frame{Type: messageType, Data: data}) {
			return
		}
	}
}

// Send writes {"message": text}. Outside StateOpen it logs a warning, sends
// nothing and returns ErrNotOpen. A successful send marks the session busy.
func (s *Session) Send(ctx context.Context, text string) error {
	if s.state != StateOpen {
		s.logger.Warn("dropping message, connection not open", "state", s.state.String())
		return ErrNotOpen
	}

	_, span := s.tracer.Start(ctx, "session_send", trace.WithAttributes(
		attribute.String("pane", s.pane),
		attribute.Int("message.length", len(text)),
	))
	defer span.End()

	if err := s.write(text); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return err
	}
	return nil
}

func (s *Session) write(text string) error {
	if err := s.conn.WriteJSON(OutboundMessage{Message: text}); err != nil {
		connErr := &ConnectionError{Op: "write", Err: err}
		s.HandleFailure(connErr)
		return connErr
	}
	s.busy = true
	return nil
}

// HandleFailure moves the session to StateErrored and clears busy. It reports
// false when the session had already finished, in which case err is stale.
func (s *Session) HandleFailure(err error) bool {
	if !s.transition(StateErrored) {
		s.logger.Debug("ignoring failure after session ended", "state", s.state.String(), "error", err)
		return false
	}
	s.err = err
	s.busy = false
	s.release()
	s.logger.Error("connection failed", "error", err)
	return true
}

// HandleClosed records a close initiated by the remote side
func (s *Session) HandleClosed(ev Closed) bool {
	if !s.transition(StateClosed) {
		return false
	}
	s.busy = false
	s.release()
	s.logger.Info("connection closed by remote", "code", ev.Code, "reason", ev.Reason)
	return true
}

// Close sends a close frame and releases the connection. It is idempotent.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	if !s.transition(StateClosed) {
		return fmt.Errorf("cannot close session in state %s", s.state)
	}
	s.busy = false

	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	s.release()
	s.logger.Info("closed connection")
	return nil
}

func (s *Session) release() {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
