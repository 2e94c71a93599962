package widget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Adorn/pkg/dom"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/registry"
)

const renderingWidget = `
var loads = (typeof loads === 'number') ? loads + 1 : 1;
adorn.define(function(slot) {
	console.log("activating", slot.id);
	slot.render('<div class="dmm-widget"><a href="https://al.dmm.co.jp/?id=' + slot.params.cid + '">item</a></div>');
});
`

func newContainer(t *testing.T, id string) *dom.Container {
	t.Helper()
	page, err := dom.Parse(`<h2>A</h2><div data-adorn-marker="adorn" data-placement-id="` + id + `" data-anchor-index="0"></div>`)
	require.NoError(t, err)
	markers := page.Markers("adorn")
	require.Len(t, markers, 1)
	c, created := page.EnsureContainer(markers[0])
	require.True(t, created)
	return c
}

func resource(identity, body string) *registry.Resource {
	return &registry.Resource{Identity: identity, Body: []byte(body), FetchedAt: time.Now()}
}

func TestActivateRendersIntoSlot(t *testing.T) {
	host, err := NewHost(zap.NewNop())
	require.NoError(t, err)

	c := newContainer(t, "adorn-h0")
	err = host.Activate(resource("w.js", renderingWidget), c, map[string]string{"cid": "abc"})
	require.NoError(t, err)

	assert.True(t, host.Defined("w.js"))
	assert.Equal(t, 1, host.Activations())
	assert.Contains(t, c.HTML(), `href="https://al.dmm.co.jp/?id=abc"`)
	assert.True(t, c.Match(nil))
}

func TestScriptEvaluatedOncePerIdentity(t *testing.T) {
	host, err := NewHost(nil)
	require.NoError(t, err)

	res := resource("w.js", renderingWidget)
	first, second := newContainer(t, "adorn-h0"), newContainer(t, "adorn-h1")
	require.NoError(t, host.Activate(res, first, nil))
	require.NoError(t, host.Activate(res, second, nil))
	require.NoError(t, host.Activate(res, first, nil))

	loads, err := host.vm.RunString("loads")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loads.ToInteger())
	assert.Equal(t, 3, host.Activations())
}

func TestRenderReplacesContent(t *testing.T) {
	host, err := NewHost(nil)
	require.NoError(t, err)

	c := newContainer(t, "adorn-h0")
	res := resource("w.js", renderingWidget)
	require.NoError(t, host.Activate(res, c, nil))
	require.NoError(t, host.Activate(res, c, nil))

	page, err := dom.Parse(c.HTML())
	require.NoError(t, err)
	assert.Equal(t, 1, countClass(page.HTML(), "dmm-widget"))
}

func countClass(s, class string) int {
	n := 0
	for i := 0; i+len(class) <= len(s); i++ {
		if s[i:i+len(class)] == class {
			n++
		}
	}
	return n
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name        string
		script      string
		errContains string
	}{
		{name: "syntax error", script: "adorn.define(function(slot {", errContains: "SCRIPT_ERROR"},
		{name: "throws on load", script: "throw new Error('nope')", errContains: "nope"},
		{name: "never defines", script: "var x = 1;", errContains: "did not call adorn.define"},
		{name: "define without function", script: "adorn.define(42)", errContains: "expects a function"},
		{name: "throws on activate", script: "adorn.define(function(slot){ throw new Error('render failed'); })", errContains: "render failed"},
		{name: "host globals removed", script: "adorn.define(function(slot){ require('fs'); })", errContains: "SCRIPT_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, err := NewHost(nil)
			require.NoError(t, err)

			err = host.Activate(resource("bad.js", tt.script), newContainer(t, "adorn-h0"), nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
			assert.Equal(t, adornerrors.CodeScriptError, adornerrors.Categorize(err))
		})
	}
}

func TestLoadFailureIsSticky(t *testing.T) {
	host, err := NewHost(nil)
	require.NoError(t, err)

	res := resource("bad.js", "throw new Error('once')")
	first := host.Activate(res, newContainer(t, "adorn-h0"), nil)
	second := host.Activate(res, newContainer(t, "adorn-h1"), nil)
	require.Error(t, first)
	assert.Equal(t, first, second)
	assert.False(t, host.Defined("bad.js"))
	assert.Equal(t, 0, host.Activations())
}

func TestInfiniteLoopIsInterrupted(t *testing.T) {
	host, err := NewHost(nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	res := resource("spin.js", "adorn.define(function(slot){ for(;;){} })")
	err = host.Activate(res, newContainer(t, "adorn-h0"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script timeout")

	// the runtime stays usable after an interrupt
	require.NoError(t, host.Activate(resource("w.js", renderingWidget), newContainer(t, "adorn-h1"), nil))
}

func TestDefineOutsideEvaluation(t *testing.T) {
	host, err := NewHost(nil)
	require.NoError(t, err)

	_, err = host.vm.RunString("adorn.define(function(){})")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside script evaluation")
}

func TestSlotClear(t *testing.T) {
	host, err := NewHost(nil)
	require.NoError(t, err)

	c := newContainer(t, "adorn-h0")
	script := "adorn.define(function(slot){ slot.append('<img src=x>'); if (slot.params.mode === 'clear') { slot.clear(); } })"
	require.NoError(t, host.Activate(resource("c.js", script), c, map[string]string{"mode": "clear"}))
	assert.True(t, c.Empty())
	assert.False(t, c.Match(nil))
}
