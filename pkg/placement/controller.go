// Package placement drives a single ad placement from marker to rendered
// widget: it creates the slot container, waits for the shared resource,
// activates the widget and probes for a render on a growing delay until
// the render is seen or the attempt budget runs out.
//
// A Controller is confined to its scheduler. Start, Cancel and every
// callback run as turns on that scheduler and never block.
package placement

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/config"
	"github.com/wehubfusion/Adorn/pkg/dom"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/registry"
	"github.com/wehubfusion/Adorn/pkg/scheduler"
)

// Loader hands out shared resource loads.
type Loader interface {
	EnsureLoaded(desc registry.Descriptor) *registry.Future
}

// Activator runs a loaded widget against a container.
type Activator interface {
	Activate(res *registry.Resource, container *dom.Container, params map[string]string) error
}

// Options configures a Controller.
type Options struct {
	Page       *dom.Page
	Marker     *dom.Marker
	Descriptor registry.Descriptor
	Scheduler  scheduler.Scheduler
	Loader     Loader
	// Activator may be nil when the page runs widget scripts itself.
	Activator Activator
	// Probe falls back to the defaults when MaxAttempts is zero.
	Probe  config.Probe
	Logger *zap.Logger
	// Context parents the lifecycle span.
	Context context.Context
}

// Controller is the state machine of one placement.
type Controller struct {
	id        string
	page      *dom.Page
	marker    *dom.Marker
	desc      registry.Descriptor
	sched     scheduler.Scheduler
	loader    Loader
	activator Activator
	probe     config.Probe
	logger    *zap.Logger
	ctx       context.Context
	tracer    trace.Tracer

	state      State
	alive      bool
	cancelled  bool
	container  *dom.Container
	resource   *registry.Resource
	timer      scheduler.Timer
	attempts   []Attempt
	lastErr    error
	startedAt  time.Time
	span       trace.Span
	onTerminal []func(Outcome)
	outcome    *Outcome
}

// NewController validates opts and returns an idle controller.
func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Page == nil:
		return nil, fmt.Errorf("page is required")
	case opts.Marker == nil:
		return nil, fmt.Errorf("marker is required")
	case opts.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	case opts.Loader == nil:
		return nil, fmt.Errorf("loader is required")
	}
	if opts.Probe.MaxAttempts == 0 {
		opts.Probe = config.Default().Probe
	}
	if opts.Probe.MaxAttempts < 0 || opts.Probe.InitialDelay < 0 || opts.Probe.Step < 0 {
		return nil, adornerrors.NewError(adornerrors.CodeConfiguration, "probe settings must not be negative", nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Context == nil {
		opts.Context = context.Background()
	}

	return &Controller{
		id:        opts.Marker.PlacementID,
		page:      opts.Page,
		marker:    opts.Marker,
		desc:      opts.Descriptor,
		sched:     opts.Scheduler,
		loader:    opts.Loader,
		activator: opts.Activator,
		probe:     opts.Probe,
		logger:    opts.Logger.With(zap.String("placement_id", opts.Marker.PlacementID), zap.String("identity", opts.Descriptor.Identity)),
		ctx:       opts.Context,
		tracer:    otel.Tracer("adorn/placement"),
		alive:     true,
	}, nil
}

// ID returns the placement id.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Attempts returns a copy of the probe history.
func (c *Controller) Attempts() []Attempt {
	out := make([]Attempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

// Container returns the slot container once created.
func (c *Controller) Container() *dom.Container {
	return c.container
}

// Cancelled reports whether Cancel ran before a terminal state.
func (c *Controller) Cancelled() bool {
	return c.cancelled
}

// OnTerminal registers fn to run once when the controller reaches a
// terminal state. Registering after that runs fn immediately.
func (c *Controller) OnTerminal(fn func(Outcome)) {
	if c.outcome != nil {
		fn(*c.outcome)
		return
	}
	c.onTerminal = append(c.onTerminal, fn)
}

// Start materialises the container and requests the resource. Calling it
// again is a no-op that reports ErrDuplicateInvocation.
func (c *Controller) Start() error {
	if !c.alive {
		return adornerrors.NewError(adornerrors.CodeCancelled, "start "+c.id, adornerrors.ErrCancelled)
	}
	if c.state != Idle {
		return adornerrors.NewError(adornerrors.CodeDuplicateInvocation, "start "+c.id, adornerrors.ErrDuplicateInvocation)
	}

	c.startedAt = c.sched.Now()
	_, c.span = c.tracer.Start(c.ctx, "placement.lifecycle",
		trace.WithAttributes(
			attribute.String("placement.id", c.id),
			attribute.String("resource.identity", c.desc.Identity),
			attribute.Int("placement.anchor_index", c.marker.AnchorIndex),
		))

	container, created := c.page.EnsureContainer(c.marker)
	c.container = container
	c.transition(ContainerCreated)
	c.logger.Debug("Slot container ready", zap.Bool("created", created))

	c.transition(ResourceRequested)
	c.loader.EnsureLoaded(c.desc).Subscribe(c.sched, c.onResource)
	return nil
}

func (c *Controller) onResource(out registry.Outcome) {
	if !c.alive {
		return
	}
	if out.State != registry.Loaded {
		err := out.Err
		if err == nil {
			err = adornerrors.FetchFailure(c.desc.Identity, nil)
		}
		c.logger.Debug("Resource unavailable", zap.Error(err))
		c.finish(Exhausted, err)
		return
	}
	c.resource = out.Resource
	c.scheduleProbe()
}

// scheduleProbe re-activates the widget and arms the next probe.
func (c *Controller) scheduleProbe() {
	c.lastErr = nil
	if c.activator != nil {
		if err := c.activator.Activate(c.resource, c.container, c.desc.Params); err != nil {
			c.lastErr = err
		}
	}

	delay := c.probe.Delay(len(c.attempts))
	c.transition(AwaitingProbe)
	c.timer = c.sched.AfterFunc(delay, func() { c.runProbe(delay) })
}

func (c *Controller) runProbe(delay time.Duration) {
	if !c.alive {
		return
	}
	c.timer = nil

	matched := c.container.Match(c.desc.Signature)
	attempt := Attempt{
		Number:  len(c.attempts) + 1,
		Delay:   delay,
		At:      c.sched.Now(),
		Matched: matched,
		Err:     c.lastErr,
	}
	c.attempts = append(c.attempts, attempt)
	c.logger.Debug("Probe ran",
		zap.Int("attempt", attempt.Number),
		zap.Duration("delay", delay),
		zap.Bool("matched", matched))

	switch {
	case matched:
		c.finish(Succeeded, nil)
	case len(c.attempts) >= c.probe.MaxAttempts:
		err := error(adornerrors.NewError(adornerrors.CodeRenderNotDetected,
			fmt.Sprintf("no render after %d attempts", len(c.attempts)), adornerrors.ErrRenderNotDetected))
		if c.lastErr != nil {
			err = fmt.Errorf("%w (last activation: %v)", err, c.lastErr)
		}
		c.finish(Exhausted, err)
	default:
		c.scheduleProbe()
	}
}

// Cancel stops the pending probe and makes every later callback a no-op.
// No outcome is emitted for a cancelled placement.
func (c *Controller) Cancel() {
	if !c.alive {
		return
	}
	c.alive = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.state.Terminal() {
		return
	}
	c.cancelled = true
	c.logger.Debug("Placement cancelled", zap.String("state", c.state.String()))
	if c.span != nil {
		c.span.SetAttributes(
			attribute.Int("placement.attempts", len(c.attempts)),
			attribute.String("placement.status", "cancelled"))
		c.span.End()
	}
}

func (c *Controller) transition(next State) {
	c.logger.Debug("Placement transition",
		zap.String("from", c.state.String()),
		zap.String("to", next.String()))
	c.state = next
}

func (c *Controller) finish(state State, err error) {
	c.transition(state)
	c.alive = false
	c.timer = nil

	outcome := Outcome{
		PlacementID: c.id,
		Identity:    c.desc.Identity,
		State:       state,
		Attempts:    c.Attempts(),
		Err:         err,
		StartedAt:   c.startedAt,
		FinishedAt:  c.sched.Now(),
	}
	c.outcome = &outcome

	if c.span != nil {
		c.span.SetAttributes(
			attribute.Int("placement.attempts", len(c.attempts)),
			attribute.String("placement.status", string(state.Status())))
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, adornerrors.Categorize(err))
		} else {
			c.span.SetStatus(codes.Ok, "rendered")
		}
		c.span.End()
	}

	if state == Succeeded {
		c.logger.Info("Widget rendered", zap.Int("attempts", len(c.attempts)))
	} else {
		c.logger.Warn("Placement exhausted",
			zap.Int("attempts", len(c.attempts)),
			zap.String("error_code", adornerrors.Categorize(err)))
	}

	hooks := c.onTerminal
	c.onTerminal = nil
	for _, fn := range hooks {
		fn(outcome)
	}
}
