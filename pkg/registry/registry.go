// Package registry loads each third-party widget resource at most once per
// process and fans the result out to every placement waiting on it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/concurrency"
	"github.com/wehubfusion/Adorn/pkg/dom"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
)

// LoadState is the lifecycle of one resource identity.
type LoadState int

const (
	Unloaded LoadState = iota
	Loading
	Loaded
	Failed
)

func (s LoadState) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("LoadState(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s LoadState) Terminal() bool {
	return s == Loaded || s == Failed
}

// Descriptor names a widget resource and how to recognise its rendering.
type Descriptor struct {
	// Identity deduplicates loads. Usually the script URL.
	Identity string
	// Location is where the resource is fetched from. Empty means Identity.
	Location string
	// Signature decides whether a slot holds rendered content. Nil uses
	// dom.DefaultSignature.
	Signature dom.Signature
	// Params are per-placement settings handed to the widget.
	Params map[string]string
}

// Source returns the fetch location.
func (d Descriptor) Source() string {
	if d.Location != "" {
		return d.Location
	}
	return d.Identity
}

// Resource is a loaded widget script.
type Resource struct {
	Identity  string
	Location  string
	Body      []byte
	FetchedAt time.Time
}

// Outcome is the final state of a load.
type Outcome struct {
	State    LoadState
	Resource *Resource
	Err      error
}

// Fetcher retrieves the bytes behind a descriptor.
type Fetcher interface {
	Fetch(ctx context.Context, desc Descriptor) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, desc Descriptor) ([]byte, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, desc Descriptor) ([]byte, error) {
	return f(ctx, desc)
}

// Options configures a Registry.
type Options struct {
	Logger  *zap.Logger
	Limiter *concurrency.Limiter
	// Timeout bounds a single fetch. Zero means 10s.
	Timeout time.Duration
}

// Registry is safe for concurrent use by many pages.
type Registry struct {
	fetcher Fetcher
	limiter *concurrency.Limiter
	timeout time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*Future
	fetches atomic.Int64
}

// New creates a registry backed by fetcher.
func New(fetcher Fetcher, opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Limiter == nil {
		opts.Limiter = concurrency.NewLimiter(4)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	opts.Limiter.Breaker().OnStateChange(func(from, to concurrency.BreakerState) {
		logger.Warn("Fetch circuit breaker changed state",
			zap.Stringer("from", from),
			zap.Stringer("to", to))
	})
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		fetcher: fetcher,
		limiter: opts.Limiter,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		tracer:  otel.Tracer("adorn/registry"),
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*Future),
	}
}

// EnsureLoaded returns the load handle for desc.Identity, starting the one
// and only fetch for that identity on first call. A failed identity stays
// failed for the life of the registry.
func (r *Registry) EnsureLoaded(desc Descriptor) *Future {
	if desc.Identity == "" {
		return resolvedFuture("", Outcome{
			State: Failed,
			Err:   adornerrors.NewError(adornerrors.CodeConfiguration, "descriptor has no identity", adornerrors.ErrFetchFailed),
		})
	}

	r.mu.Lock()
	if f, ok := r.entries[desc.Identity]; ok {
		r.mu.Unlock()
		return f
	}
	f := newFuture(desc.Identity)
	r.entries[desc.Identity] = f
	r.fetches.Add(1)
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Debug("Starting resource fetch",
		zap.String("identity", desc.Identity),
		zap.String("location", desc.Source()))
	go r.fetch(f, desc)
	return f
}

func (r *Registry) fetch(f *Future, desc Descriptor) {
	defer r.wg.Done()

	ctx, span := r.tracer.Start(r.ctx, "registry.fetch",
		trace.WithAttributes(
			attribute.String("resource.identity", desc.Identity),
			attribute.String("resource.location", desc.Source()),
		))
	defer span.End()

	start := time.Now()
	body, err := r.doFetch(ctx, desc)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("fetch.duration_ms", elapsed.Milliseconds()))

	if err != nil {
		failure := adornerrors.FetchFailure(desc.Identity, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, failure.Error())
		r.logger.Warn("Resource fetch failed",
			zap.String("identity", desc.Identity),
			zap.String("error_code", adornerrors.Categorize(err)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		f.complete(Outcome{State: Failed, Err: failure})
		return
	}

	span.SetAttributes(attribute.Int("resource.bytes", len(body)))
	span.SetStatus(codes.Ok, "loaded")
	r.logger.Debug("Resource loaded",
		zap.String("identity", desc.Identity),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", elapsed))
	f.complete(Outcome{State: Loaded, Resource: &Resource{
		Identity:  desc.Identity,
		Location:  desc.Source(),
		Body:      body,
		FetchedAt: time.Now(),
	}})
}

// doFetch runs the fetcher inside a limiter slot. A breaker rejection is not
// a fetch attempt: the load stays Loading and is retried once the breaker
// admits calls again. Only Close ends the wait.
func (r *Registry) doFetch(ctx context.Context, desc Descriptor) (body []byte, err error) {
	if r.fetcher == nil {
		return nil, adornerrors.NewError(adornerrors.CodeConfiguration, "no fetcher configured", nil)
	}
	for {
		err = r.limiter.Do(ctx, func(ctx context.Context) (err error) {
			ctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("fetcher panic: %v", p)
				}
			}()
			body, err = r.fetcher.Fetch(ctx, desc)
			return err
		})
		if !errors.Is(err, concurrency.ErrCircuitOpen) {
			break
		}

		wait := r.limiter.Breaker().RetryAfter()
		r.logger.Debug("Fetch deferred, circuit breaker open",
			zap.String("identity", desc.Identity),
			zap.Duration("retry_after", wait))
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			err = ctx.Err()
		}
		if ctx.Err() != nil {
			break
		}
	}
	if errors.Is(err, context.Canceled) && r.ctx.Err() != nil {
		err = fmt.Errorf("registry closed: %w", err)
	}
	return body, err
}

// State returns the load state of identity.
func (r *Registry) State(identity string) LoadState {
	r.mu.Lock()
	f, ok := r.entries[identity]
	r.mu.Unlock()
	if !ok {
		return Unloaded
	}
	return f.Outcome().State
}

// Fetches returns how many fetches have been started.
func (r *Registry) Fetches() int64 {
	return r.fetches.Load()
}

// Close cancels in-flight fetches and waits for them to resolve.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// SetDefault installs the process-wide registry.
func SetDefault(r *Registry) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultRegistry = r
}

// Default returns the process-wide registry. Until SetDefault is called it
// is a registry without a fetcher, so every load fails.
func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = New(nil, Options{})
	}
	return defaultRegistry
}
