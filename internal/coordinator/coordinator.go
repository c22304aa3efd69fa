// Package coordinator runs the two independent chat panes.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"DualChat/internal/pane"
	"DualChat/internal/render"
	"DualChat/internal/telemetry"
	"DualChat/internal/transport"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Side selects one of the two panes
type Side int

const (
	// Left is the first pane, named by Options.Names[0]
	Left Side = iota
	// Right is the second pane, named by Options.Names[1]
	Right
)

// String returns "left" or "right"
func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Options configures both panes. Everything here is either immutable or safe
// for concurrent use; per-pane state is built separately for each side.
type Options struct {
	Names        [2]string
	Endpoint     string
	NewConverter func() (render.Converter, error)
	Dial         transport.DialFunc
	ReplyTimeout time.Duration
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Metrics      *telemetry.Metrics
}

// Coordinator owns exactly two panes for the lifetime of the process
type Coordinator struct {
	panes  [2]*pane.Controller
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds both panes. Each gets its own log, session, reconciler and converter.
func New(opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	c := &Coordinator{logger: opts.Logger}
	for i, name := range opts.Names {
		p, err := pane.New(pane.Options{
			Name:         name,
			Endpoint:     opts.Endpoint,
			NewConverter: opts.NewConverter,
			Dial:         opts.Dial,
			ReplyTimeout: opts.ReplyTimeout,
			Logger:       opts.Logger,
			Tracer:       opts.Tracer,
			Metrics:      opts.Metrics,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create %s pane: %w", Side(i), err)
		}
		c.panes[i] = p
	}
	return c, nil
}

// Pane returns the controller for side
func (c *Coordinator) Pane(side Side) *pane.Controller {
	return c.panes[side]
}

// Start runs both panes in the background
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group != nil {
		return fmt.Errorf("coordinator already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	// A plain group: one pane returning early must not cancel the other.
	c.group = &errgroup.Group{}
	for _, p := range c.panes {
		p := p
		c.group.Go(func() error {
			return p.Run(ctx)
		})
	}

	c.logger.Info("started panes", "left", c.panes[Left].Name(), "right", c.panes[Right].Name())
	return nil
}

// Shutdown closes both connections and waits for the panes to stop
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	cancel, group := c.cancel, c.group
	c.mu.Unlock()
	if group == nil {
		return nil
	}

	cancel()
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed to stop panes: %w", err)
	}
	c.logger.Info("stopped panes")
	return nil
}
