// Package visibility reports whether a page is in the foreground across the
// standard and vendor-prefixed Page Visibility APIs.
//
// Which API a host supports is probed once, when the Monitor is created.
// Hosts that support none of them are treated as always visible.
package visibility

// Visibility states.
const (
	Visible = "visible"
	Hidden  = "hidden"
)

// Host is the part of a page the Monitor reads.  page.Document implements
// it.
type Host interface {
	// BoolProperty returns document[name] and whether it is defined.
	BoolProperty(name string) (value, defined bool)
	// StringProperty returns document[name] and whether it is set.
	StringProperty(name string) (string, bool)
	// AddEventListener registers fn for a document event.  It fails when
	// the host has no event registration.
	AddEventListener(event string, fn func()) error
}

type api struct {
	hidden, event string
}

// Probe order: standard, then webkit, then ms.
var apis = []api{
	{hidden: "hidden", event: "visibilitychange"},
	{hidden: "webkitHidden", event: "webkitvisibilitychange"},
	{hidden: "msHidden", event: "msvisibilitychange"},
}

var stateProps = []string{"visibilityState", "webkitVisibilityState"}

// Monitor answers visibility questions about one page.
type Monitor struct {
	host       Host
	hiddenProp string
	stateProp  string
	event      string
}

// NewMonitor probes host once and returns a Monitor bound to the first
// supported API.
func NewMonitor(host Host) *Monitor {
	m := &Monitor{host: host, event: apis[0].event}
	for _, a := range apis {
		if _, ok := host.BoolProperty(a.hidden); ok {
			m.hiddenProp = a.hidden
			m.event = a.event
			break
		}
	}
	for _, p := range stateProps {
		if _, ok := host.StringProperty(p); ok {
			m.stateProp = p
			break
		}
	}
	return m
}

// Supported reports whether any hidden flag was found.
func (m *Monitor) Supported() bool { return m.hiddenProp != "" }

// Event returns the event name OnChange listens to.
func (m *Monitor) Event() string { return m.event }

// IsHidden reports whether the page is in the background.  Without a
// supported API the page counts as visible.
func (m *Monitor) IsHidden() bool {
	if m.hiddenProp == "" {
		return false
	}
	v, _ := m.host.BoolProperty(m.hiddenProp)
	return v
}

// CurrentState returns the host's visibility state string, or one derived
// from IsHidden when the host exposes none.
func (m *Monitor) CurrentState() string {
	if m.stateProp != "" {
		if s, ok := m.host.StringProperty(m.stateProp); ok {
			return s
		}
	}
	if m.IsHidden() {
		return Hidden
	}
	return Visible
}

// OnChange calls handler on every visibility change.  It reports false and
// does nothing when the host cannot register listeners.
func (m *Monitor) OnChange(handler func()) bool {
	return m.host.AddEventListener(m.event, handler) == nil
}
