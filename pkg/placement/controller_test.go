package placement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wehubfusion/Adorn/pkg/config"
	"github.com/wehubfusion/Adorn/pkg/dom"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/registry"
	"github.com/wehubfusion/Adorn/pkg/scheduler"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

const widgetID = "https://widgets.example/dmm.js"

// fakeActivator renders a link on the renderOn-th activation (1-based);
// zero never renders.
type fakeActivator struct {
	calls    int
	renderOn int
	err      error
}

func (f *fakeActivator) Activate(_ *registry.Resource, c *dom.Container, _ map[string]string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	if f.renderOn > 0 && f.calls >= f.renderOn {
		return c.AppendHTML(`<a href="https://al.dmm.co.jp/">item</a>`)
	}
	return nil
}

type fixture struct {
	sched    *scheduler.Manual
	reg      *registry.Registry
	page     *dom.Page
	marker   *dom.Marker
	activate *fakeActivator
}

// newFixture builds a page with one marker and a registry whose resource
// for widgetID has already resolved, so delivery is a single posted turn.
func newFixture(t *testing.T, fetchErr error) *fixture {
	t.Helper()
	reg := registry.New(registry.FetcherFunc(func(context.Context, registry.Descriptor) ([]byte, error) {
		if fetchErr != nil {
			return nil, fetchErr
		}
		return []byte("adorn.define(function(){})"), nil
	}), registry.Options{})
	t.Cleanup(reg.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := reg.EnsureLoaded(registry.Descriptor{Identity: widgetID}).Wait(ctx)
	require.NoError(t, err)

	page, err := dom.Parse(`<h2>A</h2><div data-adorn-marker="adorn" data-placement-id="adorn-h0" data-anchor-index="0"></div><p>p1</p>`)
	require.NoError(t, err)
	markers := page.Markers("adorn")
	require.Len(t, markers, 1)

	return &fixture{
		sched:    scheduler.NewManual(epoch),
		reg:      reg,
		page:     page,
		marker:   markers[0],
		activate: &fakeActivator{},
	}
}

func (f *fixture) controller(t *testing.T, probe config.Probe) *Controller {
	t.Helper()
	c, err := NewController(Options{
		Page:       f.page,
		Marker:     f.marker,
		Descriptor: registry.Descriptor{Identity: widgetID},
		Scheduler:  f.sched,
		Loader:     f.reg,
		Activator:  f.activate,
		Probe:      probe,
	})
	require.NoError(t, err)
	return c
}

var threeAttempts = config.Probe{InitialDelay: 2 * time.Second, Step: time.Second, MaxAttempts: 3}

func TestRenderDetectedOnFirstProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.activate.renderOn = 1
	c := f.controller(t, threeAttempts)

	var outcomes []Outcome
	c.OnTerminal(func(o Outcome) { outcomes = append(outcomes, o) })

	require.NoError(t, c.Start())
	assert.Equal(t, ResourceRequested, c.State())

	f.sched.RunPending()
	assert.Equal(t, AwaitingProbe, c.State())
	assert.Equal(t, 1, f.sched.PendingTimers())

	f.sched.Advance(2*time.Second - time.Millisecond)
	assert.Empty(t, c.Attempts(), "probe must not run before d0")

	f.sched.Advance(time.Millisecond)
	assert.Equal(t, Succeeded, c.State())
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusSuccess, outcomes[0].Status())
	assert.Len(t, outcomes[0].Attempts, 1)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, 0, f.sched.PendingTimers())
}

func TestExhaustsAfterMaxAttempts(t *testing.T) {
	f := newFixture(t, nil)
	c := f.controller(t, threeAttempts)

	var outcomes []Outcome
	c.OnTerminal(func(o Outcome) { outcomes = append(outcomes, o) })
	require.NoError(t, c.Start())
	f.sched.Advance(time.Hour)

	assert.Equal(t, Exhausted, c.State())
	require.Len(t, outcomes, 1)
	assert.Equal(t, StatusExhausted, outcomes[0].Status())
	assert.True(t, errors.Is(outcomes[0].Err, adornerrors.ErrRenderNotDetected))

	attempts := outcomes[0].Attempts
	require.Len(t, attempts, 3)
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second, 4 * time.Second},
		[]time.Duration{attempts[0].Delay, attempts[1].Delay, attempts[2].Delay})
	assert.Equal(t, epoch.Add(2*time.Second), attempts[0].At)
	assert.Equal(t, epoch.Add(5*time.Second), attempts[1].At)
	assert.Equal(t, epoch.Add(9*time.Second), attempts[2].At)
	for _, a := range attempts {
		assert.False(t, a.Matched)
	}

	assert.Equal(t, 3, f.activate.calls, "widget re-activated before every probe")
	assert.Equal(t, 0, f.sched.PendingTimers())
	assert.Equal(t, 0, f.sched.PendingPosts())
}

func TestRenderDetectedOnLaterProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.activate.renderOn = 2
	c := f.controller(t, config.Probe{InitialDelay: time.Second, Step: time.Second, MaxAttempts: 5})

	require.NoError(t, c.Start())
	f.sched.Advance(time.Hour)

	assert.Equal(t, Succeeded, c.State())
	attempts := c.Attempts()
	require.Len(t, attempts, 2)
	assert.False(t, attempts[0].Matched)
	assert.True(t, attempts[1].Matched)
}

func TestFetchFailureSkipsProbing(t *testing.T) {
	f := newFixture(t, errors.New("dns failure"))
	c := f.controller(t, threeAttempts)

	var outcome *Outcome
	c.OnTerminal(func(o Outcome) { outcome = &o })
	require.NoError(t, c.Start())
	f.sched.Advance(time.Hour)

	assert.Equal(t, Exhausted, c.State())
	require.NotNil(t, outcome)
	assert.Empty(t, outcome.Attempts)
	assert.True(t, adornerrors.IsFetchFailure(outcome.Err))
	assert.Equal(t, 0, f.activate.calls)
	assert.Equal(t, 0, f.sched.PendingTimers())
}

func TestCancelBeforeProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.activate.renderOn = 1
	c := f.controller(t, threeAttempts)

	called := false
	c.OnTerminal(func(Outcome) { called = true })
	require.NoError(t, c.Start())
	f.sched.RunPending()
	require.Equal(t, 1, f.sched.PendingTimers())

	c.Cancel()
	assert.Equal(t, 0, f.sched.PendingTimers())
	f.sched.Advance(time.Hour)

	assert.Empty(t, c.Attempts())
	assert.False(t, called, "cancelled placements emit no outcome")
	assert.True(t, c.Cancelled())
	assert.Equal(t, AwaitingProbe, c.State())
}

func TestCancelBeforeResourceArrives(t *testing.T) {
	f := newFixture(t, nil)
	c := f.controller(t, threeAttempts)

	require.NoError(t, c.Start())
	c.Cancel()
	f.sched.Advance(time.Hour)

	assert.Equal(t, 0, f.activate.calls)
	assert.Equal(t, ResourceRequested, c.State())
	assert.Error(t, c.Start())
}

func TestCancelAfterTerminalIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.activate.renderOn = 1
	c := f.controller(t, threeAttempts)
	require.NoError(t, c.Start())
	f.sched.Advance(time.Hour)

	c.Cancel()
	assert.Equal(t, Succeeded, c.State())
	assert.False(t, c.Cancelled())
}

func TestStartTwiceIsDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	c := f.controller(t, threeAttempts)

	require.NoError(t, c.Start())
	err := c.Start()
	require.Error(t, err)
	assert.Equal(t, adornerrors.CodeDuplicateInvocation, adornerrors.Categorize(err))

	f.sched.RunPending()
	assert.Equal(t, 1, f.sched.PendingTimers())
}

func TestTwoControllersShareOneContainer(t *testing.T) {
	f := newFixture(t, nil)
	first := f.controller(t, threeAttempts)
	second := f.controller(t, threeAttempts)

	require.NoError(t, first.Start())
	require.NoError(t, second.Start())
	assert.Same(t, first.Container().Node(), second.Container().Node())
	assert.Equal(t, int64(1), f.reg.Fetches())
}

func TestActivationErrorsStillProbe(t *testing.T) {
	f := newFixture(t, nil)
	f.activate.err = adornerrors.ScriptFailure(widgetID, errors.New("ReferenceError: x"))
	c := f.controller(t, config.Probe{InitialDelay: time.Second, MaxAttempts: 2})

	var outcome Outcome
	c.OnTerminal(func(o Outcome) { outcome = o })
	require.NoError(t, c.Start())
	f.sched.Advance(time.Hour)

	require.Len(t, outcome.Attempts, 2)
	assert.Error(t, outcome.Attempts[0].Err)
	assert.Equal(t, adornerrors.CodeRenderNotDetected, adornerrors.Categorize(outcome.Err))
	assert.Contains(t, outcome.Err.Error(), "ReferenceError")
}

func TestOnTerminalAfterCompletion(t *testing.T) {
	f := newFixture(t, nil)
	f.activate.renderOn = 1
	c := f.controller(t, threeAttempts)
	require.NoError(t, c.Start())
	f.sched.Advance(time.Hour)

	var got Outcome
	c.OnTerminal(func(o Outcome) { got = o })
	assert.Equal(t, Succeeded, got.State)
	assert.Equal(t, "adorn-h0", got.PlacementID)
	assert.Equal(t, widgetID, got.Identity)
}

func TestNewControllerValidation(t *testing.T) {
	f := newFixture(t, nil)
	base := Options{Page: f.page, Marker: f.marker, Scheduler: f.sched, Loader: f.reg}

	missing := []func(*Options){
		func(o *Options) { o.Page = nil },
		func(o *Options) { o.Marker = nil },
		func(o *Options) { o.Scheduler = nil },
		func(o *Options) { o.Loader = nil },
		func(o *Options) { o.Probe = config.Probe{MaxAttempts: -1} },
	}
	for _, mutate := range missing {
		opts := base
		mutate(&opts)
		_, err := NewController(opts)
		assert.Error(t, err)
	}

	c, err := NewController(base)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Probe, c.probe)
	assert.Equal(t, "adorn-h0", c.ID())
}

func TestStateStatus(t *testing.T) {
	assert.Equal(t, StatusPending, AwaitingProbe.Status())
	assert.Equal(t, StatusSuccess, Succeeded.Status())
	assert.Equal(t, StatusExhausted, Exhausted.Status())
	assert.True(t, Exhausted.Terminal())
	assert.Equal(t, "awaiting_probe", AwaitingProbe.String())
}

func TestExhaustedIsLoggedAtWarn(t *testing.T) {
	for _, tt := range []struct {
		name     string
		fetchErr error
	}{
		{name: "render not detected"},
		{name: "fetch failure", fetchErr: errors.New("404")},
	} {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.fetchErr)
			core, logs := observer.New(zapcore.DebugLevel)
			c, err := NewController(Options{
				Page:       f.page,
				Marker:     f.marker,
				Descriptor: registry.Descriptor{Identity: widgetID},
				Scheduler:  f.sched,
				Loader:     f.reg,
				Activator:  f.activate,
				Probe:      threeAttempts,
				Logger:     zap.New(core),
			})
			require.NoError(t, err)

			require.NoError(t, c.Start())
			f.sched.Advance(time.Hour)
			require.Equal(t, Exhausted, c.State())

			entries := logs.FilterMessage("Placement exhausted").All()
			require.Len(t, entries, 1)
			assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
		})
	}
}
