// Package pane binds one conversation log, one connection session and one
// reconciler into an independently running chat pane.
package pane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"DualChat/internal/conversation"
	"DualChat/internal/render"
	"DualChat/internal/telemetry"
	"DualChat/internal/transport"

	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrEmptySubmission marks blank input; it is never surfaced to the user
	ErrEmptySubmission = errors.New("empty submission")
	// ErrReplyTimeout is recorded when a reply does not start within Options.ReplyTimeout
	ErrReplyTimeout = errors.New("no reply received before timeout")
)

const defaultQueueSize = 64

// Snapshot is a read-only view of a pane for rendering
type Snapshot struct {
	Name    string
	Turns   []conversation.Turn
	Busy    bool
	Pending bool // show a pending indicator: busy and no assistant turn streaming yet
	State   transport.State
	Err     error
	Draft   string
}

// Options configures a Controller
type Options struct {
	Name     string
	Endpoint string
	// NewConverter builds this pane's own converter, so panes never share one
	NewConverter func() (render.Converter, error)
	Dial         transport.DialFunc
	ReplyTimeout time.Duration // 0 waits forever
	QueueSize    int
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *telemetry.Metrics
}

type event interface{}

type submitEvent struct{ text string }
type submitDraftEvent struct{}
type draftEvent struct{ text string }
type transportEvent struct{ ev transport.Event }
type timeoutEvent struct{ seq uint64 }

// Controller runs one pane. User input, inbound frames and connection
// lifecycle events all pass through a single queue and are applied one at a
// time by Run, so the log and session are only ever touched by one goroutine.
type Controller struct {
	name         string
	log          *conversation.Log
	session      *transport.Session
	reconciler   *Reconciler
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	replyTimeout time.Duration

	queue   chan event
	done    chan struct{}
	started atomic.Bool
	postMu  sync.RWMutex
	stopped bool // guarded by postMu; no event is queued once set

	// owned by the Run goroutine
	draft   string
	lastErr error
	sendSeq uint64
	timer   *time.Timer

	mu      sync.RWMutex
	snap    Snapshot
	updates chan struct{}
}

// New creates a pane with a fresh log, session and reconciler
func New(opts Options) (*Controller, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, fmt.Errorf("pane name is required")
	}
	if opts.NewConverter == nil {
		opts.NewConverter = func() (render.Converter, error) { return render.Plain{}, nil }
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}
	if opts.Metrics == nil {
		m, err := telemetry.NewMetrics(nil)
		if err != nil {
			return nil, err
		}
		opts.Metrics = m
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	converter, err := opts.NewConverter()
	if err != nil {
		return nil, fmt.Errorf("failed to create converter for pane %s: %w", opts.Name, err)
	}

	logger := opts.Logger.With("pane", opts.Name)
	c := &Controller{
		name:         opts.Name,
		log:          conversation.NewLog(),
		logger:       logger,
		metrics:      opts.Metrics,
		replyTimeout: opts.ReplyTimeout,
		queue:        make(chan event, opts.QueueSize),
		done:         make(chan struct{}),
		updates:      make(chan struct{}, 1),
	}

	session, err := transport.NewSession(transport.Options{
		Pane:   opts.Name,
		URL:    opts.Endpoint,
		Dial:   opts.Dial,
		Emit:   func(ev transport.Event) bool { return c.post(transportEvent{ev: ev}) },
		Logger: logger,
		Tracer: opts.Tracer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session for pane %s: %w", opts.Name, err)
	}
	c.session = session

	c.reconciler = &Reconciler{
		pane:      opts.Name,
		log:       c.log,
		session:   session,
		converter: converter,
		logger:    logger,
		tracer:    opts.Tracer,
		metrics:   opts.Metrics,
	}

	c.publish()
	return c, nil
}

// Name returns the pane name
func (c *Controller) Name() string { return c.name }

// Submit queues text as a user message. Blank text is ignored.
// It reports false once the pane has shut down.
func (c *Controller) Submit(text string) bool {
	return c.post(submitEvent{text: text})
}

// SetDraft records the current input buffer
func (c *Controller) SetDraft(text string) bool {
	return c.post(draftEvent{text: text})
}

// SubmitDraft submits the current input buffer and clears it
func (c *Controller) SubmitDraft() bool {
	return c.post(submitDraftEvent{})
}

// Snapshot returns the state as of the last processed event
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Updates signals after every processed event. Signals coalesce; read
// Snapshot for the current state.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

// Done is closed once Run has shut the pane down
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Run opens the connection and processes events until ctx is cancelled, then
// closes the connection. Pane failures never end Run.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("pane %s is already running", c.name)
	}

	if err := c.session.Open(ctx); err != nil {
		c.stopQueue()
		return fmt.Errorf("failed to open pane %s: %w", c.name, err)
	}
	c.publish()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case ev := <-c.queue:
			c.dispatch(ctx, ev)
			c.publish()
		}
	}
}

func (c *Controller) post(ev event) bool {
	c.postMu.RLock()
	defer c.postMu.RUnlock()
	if c.stopped {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.queue <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Controller) dispatch(ctx context.Context, ev event) {
	switch e := ev.(type) {
	case submitEvent:
		c.handleSubmit(ctx, e.text)
	case submitDraftEvent:
		c.handleSubmit(ctx, c.draft)
	case draftEvent:
		c.draft = e.text
	case transportEvent:
		c.handleTransport(ctx, e.ev)
	case timeoutEvent:
		c.handleTimeout(e.seq)
	default:
		c.logger.Error("unknown pane event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) handleSubmit(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		c.logger.Debug("ignoring empty submission")
		return ErrEmptySubmission
	}

	c.log.AppendUser(text)
	err := c.session.Send(ctx, text)
	c.draft = ""
	if err != nil {
		if !errors.Is(err, transport.ErrNotOpen) {
			c.metrics.ConnectionError(ctx, c.name)
		}
		return err
	}

	c.metrics.Submitted(ctx, c.name)
	c.armReplyTimer()
	return nil
}

func (c *Controller) handleTransport(ctx context.Context, ev transport.Event) {
	switch e := ev.(type) {
	case transport.Opened:
		c.session.HandleOpened(e)
	case transport.Frame:
		if c.session.State().Terminal() {
			c.logger.Debug("ignoring frame after connection ended", "state", c.session.State().String())
			return
		}
		if err := c.reconciler.Apply(ctx, e); err == nil && errors.Is(c.lastErr, ErrReplyTimeout) {
			c.lastErr = nil
		}
	case transport.Failed:
		if c.session.HandleFailure(e.Err) {
			c.metrics.ConnectionError(ctx, c.name)
			c.stopReplyTimer()
		}
	case transport.Closed:
		if c.session.HandleClosed(e) {
			c.stopReplyTimer()
		}
	}
}

func (c *Controller) armReplyTimer() {
	if c.replyTimeout <= 0 {
		return
	}
	c.stopReplyTimer()
	c.sendSeq++
	seq := c.sendSeq
	c.timer = time.AfterFunc(c.replyTimeout, func() {
		c.post(timeoutEvent{seq: seq})
	})
}

func (c *Controller) stopReplyTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) handleTimeout(seq uint64) {
	if seq != c.sendSeq || !c.session.Busy() {
		return
	}
	c.session.ClearBusy()
	c.lastErr = ErrReplyTimeout
	c.logger.Warn("reply timed out", "timeout", c.replyTimeout)
}

func (c *Controller) shutdown() {
	c.stopReplyTimer()
	if err := c.session.Close(); err != nil {
		c.logger.Error("failed to close pane session", "error", err)
	}
	c.publish()
	c.stopQueue()
}

// stopQueue rejects further events and discards the ones already queued.
// A dial that completed during shutdown leaves an Opened event whose
// connection nobody else will close.
func (c *Controller) stopQueue() {
	// Wakes posters blocked on a full queue before taking the write lock.
	close(c.done)
	c.postMu.Lock()
	c.stopped = true
	c.postMu.Unlock()

	for {
		select {
		case ev := <-c.queue:
			if te, ok := ev.(transportEvent); ok {
				if opened, ok := te.ev.(transport.Opened); ok {
					// The session is closed, so this only releases the connection.
					c.session.HandleOpened(opened)
				}
			}
		default:
			return
		}
	}
}

func (c *Controller) publish() {
	busy := c.session.Busy()
	pending := busy
	if last, ok := c.log.Last(); ok && last.Role == conversation.RoleAssistant {
		pending = false
	}
	err := c.session.Err()
	if err == nil {
		err = c.lastErr
	}

	snap := Snapshot{
		Name:    c.name,
		Turns:   c.log.Turns(),
		Busy:    busy,
		Pending: pending,
		State:   c.session.State(),
		Err:     err,
		Draft:   c.draft,
	}

	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	select {
	case c.updates <- struct{}{}:
	default:
	}
}
