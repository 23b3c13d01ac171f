package visibility_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firasghr/powgate/page"
	"github.com/firasghr/powgate/visibility"
)

// fakeHost is a document with arbitrary properties.
type fakeHost struct {
	bools     map[string]bool
	strings   map[string]string
	noTarget  bool
	listeners map[string][]func()
}

func (h *fakeHost) BoolProperty(name string) (bool, bool) {
	v, ok := h.bools[name]
	return v, ok
}

func (h *fakeHost) StringProperty(name string) (string, bool) {
	v, ok := h.strings[name]
	return v, ok && v != ""
}

func (h *fakeHost) AddEventListener(event string, fn func()) error {
	if h.noTarget {
		return errors.New("no addEventListener")
	}
	if h.listeners == nil {
		h.listeners = map[string][]func(){}
	}
	h.listeners[event] = append(h.listeners[event], fn)
	return nil
}

func TestMonitor_ProbeOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		bools     map[string]bool
		wantEvent string
		hidden    bool
	}{
		{"standard wins", map[string]bool{"hidden": false, "webkitHidden": true}, "visibilitychange", false},
		{"webkit", map[string]bool{"webkitHidden": true, "msHidden": false}, "webkitvisibilitychange", true},
		{"ms", map[string]bool{"msHidden": true}, "msvisibilitychange", true},
		{"none", nil, "visibilitychange", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m := visibility.NewMonitor(&fakeHost{bools: tt.bools})
			require.Equal(t, tt.wantEvent, m.Event())
			require.Equal(t, tt.hidden, m.IsHidden())
			require.Equal(t, tt.bools != nil, m.Supported())
		})
	}
}

func TestMonitor_CurrentState(t *testing.T) {
	t.Parallel()

	m := visibility.NewMonitor(&fakeHost{
		bools:   map[string]bool{"hidden": true},
		strings: map[string]string{"visibilityState": "prerender"},
	})
	require.Equal(t, "prerender", m.CurrentState())

	m = visibility.NewMonitor(&fakeHost{
		bools:   map[string]bool{"msHidden": true},
		strings: map[string]string{"webkitVisibilityState": "hidden"},
	})
	require.Equal(t, visibility.Hidden, m.CurrentState())

	m = visibility.NewMonitor(&fakeHost{bools: map[string]bool{"msHidden": true}})
	require.Equal(t, visibility.Hidden, m.CurrentState())

	m = visibility.NewMonitor(&fakeHost{})
	require.Equal(t, visibility.Visible, m.CurrentState())
}

func TestMonitor_OnChangeWithoutEventTarget(t *testing.T) {
	t.Parallel()

	h := &fakeHost{bools: map[string]bool{"hidden": true}, noTarget: true}
	m := visibility.NewMonitor(h)
	require.False(t, m.OnChange(func() { t.Fatal("handler must not run") }))
	require.Empty(t, h.listeners)
}

func TestMonitor_OverDocument(t *testing.T) {
	t.Parallel()

	for _, vendor := range []string{"", "webkit", "ms", "none"} {
		d, err := page.NewDocument(page.Options{URL: "https://example.com/", VendorPrefix: vendor, Hidden: true})
		require.NoError(t, err)

		m := visibility.NewMonitor(d)
		if vendor == "none" {
			require.False(t, m.IsHidden(), "unsupported host counts as visible")
			require.Equal(t, visibility.Visible, m.CurrentState())
			continue
		}
		require.True(t, m.IsHidden(), vendor)
		require.Equal(t, visibility.Hidden, m.CurrentState(), vendor)

		changes := 0
		require.True(t, m.OnChange(func() { changes++ }))
		require.NoError(t, d.SetHidden(false))
		require.Equal(t, 1, changes, vendor)
		require.False(t, m.IsHidden(), vendor)
		require.Equal(t, visibility.Visible, m.CurrentState(), vendor)
	}
}
