// Package orchestrator is the entry point for one rendered page. It inserts
// markers into the page's document, binds a placement controller to every
// marker once, and tears all of them down when the page goes away.
//
// Bind and Teardown must run on the page's scheduler. Prepare, Outcomes
// and Wait are safe from any goroutine.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/config"
	"github.com/wehubfusion/Adorn/pkg/document"
	"github.com/wehubfusion/Adorn/pkg/dom"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/placement"
	"github.com/wehubfusion/Adorn/pkg/registry"
	"github.com/wehubfusion/Adorn/pkg/report"
	"github.com/wehubfusion/Adorn/pkg/scheduler"
	"github.com/wehubfusion/Adorn/pkg/widget"
)

// Orchestrator manages the placements of one page.
type Orchestrator struct {
	group         *scheduler.Group
	loader        placement.Loader
	host          placement.Activator
	hostSet       bool
	reporter      report.Reporter
	probe         config.Probe
	prefix        string
	scriptTimeout time.Duration
	reportTimeout time.Duration
	pageID        string
	logger        *zap.Logger
	tracer        trace.Tracer

	// scheduler-confined
	controllers map[string]*placement.Controller
	order       []string

	mu       sync.Mutex
	prepared map[string]document.Document
	outcomes map[string]placement.Outcome
	pending  counter
	reports  counter
	tornDown bool
}

// counter tracks outstanding work; zero is closed whenever n is 0.
// Guarded by Orchestrator.mu.
type counter struct {
	n    int
	zero chan struct{}
}

func newCounter() counter {
	ch := make(chan struct{})
	close(ch)
	return counter{zero: ch}
}

func (c *counter) inc() {
	if c.n == 0 {
		c.zero = make(chan struct{})
	}
	c.n++
}

func (c *counter) dec() {
	c.n--
	if c.n == 0 {
		close(c.zero)
	}
}

func (c *counter) reset() {
	if c.n > 0 {
		c.n = 0
		close(c.zero)
	}
}

// New creates an orchestrator whose placements run on sched and share
// resources through loader.
func New(sched scheduler.Scheduler, loader placement.Loader, opts ...Option) (*Orchestrator, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if loader == nil {
		return nil, fmt.Errorf("loader is required")
	}

	defaults := config.Default()
	o := &Orchestrator{
		group:         scheduler.NewGroup(sched),
		loader:        loader,
		probe:         defaults.Probe,
		prefix:        defaults.MarkerPrefix,
		scriptTimeout: defaults.ScriptTimeout,
		reportTimeout: 5 * time.Second,
		pageID:        uuid.NewString(),
		logger:        zap.NewNop(),
		tracer:        otel.Tracer("adorn/orchestrator"),
		controllers:   make(map[string]*placement.Controller),
		prepared:      make(map[string]document.Document),
		outcomes:      make(map[string]placement.Outcome),
		pending:       newCounter(),
		reports:       newCounter(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("page_id", o.pageID))

	if !o.hostSet {
		host, err := widget.NewHost(o.logger, widget.WithTimeout(o.scriptTimeout))
		if err != nil {
			return nil, fmt.Errorf("failed to create widget host: %w", err)
		}
		o.host = host
	}
	return o, nil
}

// PageID returns the page instance id stamped on every outcome.
func (o *Orchestrator) PageID() string {
	return o.pageID
}

// Prefix returns the marker prefix.
func (o *Orchestrator) Prefix() string {
	return o.prefix
}

// Prepare inserts markers for every spec into doc. Results are memoized
// per input text, so preparing the same document twice returns the same
// bytes without rescanning.
func (o *Orchestrator) Prepare(doc document.Document, specs ...document.AnchorSpec) document.Document {
	key := o.prepareKey(doc, specs)

	o.mu.Lock()
	if out, ok := o.prepared[key]; ok {
		o.mu.Unlock()
		return out
	}
	o.mu.Unlock()

	out := doc
	for _, spec := range specs {
		if spec.Prefix == "" {
			spec.Prefix = o.prefix
		}
		if err := spec.Validate(); err != nil {
			o.logger.Debug("Skipping anchor spec", zap.Error(err))
			continue
		}
		var markers []document.Marker
		out, markers = document.InsertMarkers(out, spec)
		o.logger.Debug("Markers inserted",
			zap.String("kind", spec.Kind),
			zap.Int("markers", len(markers)))
	}

	o.mu.Lock()
	o.prepared[key] = out
	o.mu.Unlock()
	return out
}

func (o *Orchestrator) prepareKey(doc document.Document, specs []document.AnchorSpec) string {
	var b strings.Builder
	b.WriteString(doc.Text())
	for _, s := range specs {
		pattern := ""
		if s.Pattern != nil {
			pattern = s.Pattern.String()
		}
		fmt.Fprintf(&b, "\x00%s|%d|%s|%v|%d|%s", s.Kind, s.Level, pattern, s.Occurrences, s.Every, s.Prefix)
	}
	return b.String()
}

// Bind starts a controller for every marker on page that has none yet and
// returns how many were started. Descriptor i serves marker i; a single
// descriptor serves every marker.
func (o *Orchestrator) Bind(page *dom.Page, descriptors ...registry.Descriptor) (int, error) {
	if page == nil {
		return 0, fmt.Errorf("page is required")
	}
	o.mu.Lock()
	tornDown := o.tornDown
	o.mu.Unlock()
	if tornDown {
		return 0, adornerrors.ErrTornDown
	}
	if len(descriptors) == 0 {
		return 0, adornerrors.NewError(adornerrors.CodeConfiguration, "no widget descriptors", nil)
	}

	markers := page.Markers(o.prefix)
	ctx, span := o.tracer.Start(context.Background(), "page.bind",
		trace.WithAttributes(
			attribute.String("page.id", o.pageID),
			attribute.Int("page.markers", len(markers)),
		))
	defer span.End()

	bound := 0
	for i, marker := range markers {
		if _, ok := o.controllers[marker.PlacementID]; ok {
			o.logger.Debug("Placement already bound", zap.String("placement_id", marker.PlacementID))
			continue
		}

		var desc registry.Descriptor
		switch {
		case len(descriptors) == 1:
			desc = descriptors[0]
		case i < len(descriptors):
			desc = descriptors[i]
		default:
			o.logger.Debug("No descriptor for marker", zap.String("placement_id", marker.PlacementID), zap.Int("index", i))
			continue
		}

		c, err := placement.NewController(placement.Options{
			Page:       page,
			Marker:     marker,
			Descriptor: desc,
			Scheduler:  o.group,
			Loader:     o.loader,
			Activator:  o.host,
			Probe:      o.probe,
			Logger:     o.logger,
			Context:    ctx,
		})
		if err != nil {
			return bound, fmt.Errorf("failed to create controller for %s: %w", marker.PlacementID, err)
		}

		o.controllers[marker.PlacementID] = c
		o.order = append(o.order, marker.PlacementID)
		o.mu.Lock()
		o.pending.inc()
		o.mu.Unlock()
		c.OnTerminal(o.onTerminal)
		if err := c.Start(); err != nil {
			return bound, err
		}
		bound++
	}

	span.SetAttributes(attribute.Int("page.bound", bound))
	o.logger.Debug("Page bound", zap.Int("markers", len(markers)), zap.Int("bound", bound))
	return bound, nil
}

func (o *Orchestrator) onTerminal(out placement.Outcome) {
	reporter := o.reporter

	o.mu.Lock()
	o.outcomes[out.PlacementID] = out
	if reporter != nil {
		o.reports.inc()
	}
	o.pending.dec()
	o.mu.Unlock()

	if reporter == nil {
		return
	}
	msg := report.FromPlacement(o.pageID, out)
	go func() {
		defer func() {
			o.mu.Lock()
			o.reports.dec()
			o.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), o.reportTimeout)
		defer cancel()
		if err := reporter.Report(ctx, msg); err != nil {
			o.logger.Warn("Failed to report outcome",
				zap.String("placement_id", msg.PlacementID),
				zap.Error(err))
		}
	}()
}

// Teardown cancels every placement and pending timer of the page. After it
// returns no callback of this page runs and no outcome is emitted for the
// placements that were still pending.
func (o *Orchestrator) Teardown() {
	o.mu.Lock()
	if o.tornDown {
		o.mu.Unlock()
		return
	}
	o.tornDown = true
	o.mu.Unlock()

	cancelled := 0
	for _, id := range o.order {
		c := o.controllers[id]
		if !c.State().Terminal() {
			cancelled++
		}
		c.Cancel()
	}
	stopped := o.group.StopAll()

	o.mu.Lock()
	o.pending.reset()
	o.mu.Unlock()

	o.logger.Debug("Page torn down",
		zap.Int("cancelled", cancelled),
		zap.Int("timers_stopped", stopped))
}

// TornDown reports whether Teardown ran.
func (o *Orchestrator) TornDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tornDown
}

// Placement returns the controller bound to id. Scheduler-confined.
func (o *Orchestrator) Placement(id string) (*placement.Controller, bool) {
	c, ok := o.controllers[id]
	return c, ok
}

// Bound returns the number of bound placements. Scheduler-confined.
func (o *Orchestrator) Bound() int {
	return len(o.order)
}

// Outcomes returns the terminal outcomes recorded so far, keyed by
// placement id.
func (o *Orchestrator) Outcomes() map[string]placement.Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]placement.Outcome, len(o.outcomes))
	for k, v := range o.outcomes {
		out[k] = v
	}
	return out
}

// Wait blocks until every bound placement is terminal (or the page is torn
// down) and every outcome has been reported, or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.pending.zero
	o.mu.Unlock()

	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}

	o.mu.Lock()
	drained := o.reports.zero
	o.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
