// Package page provides the embedded page host a gate flow runs in.
//
// A Document is an otto JavaScript VM seeded with the browser globals gate
// pages rely on (window, navigator, document, location) plus a minimal
// element tree for the status line and the human gate.  Which visibility
// API the document exposes is selected by a vendor prefix, so the same
// flow can be exercised against standard, webkit-prefixed, ms-prefixed and
// visibility-less hosts.
//
// The VM and the element tree are guarded by one mutex.  Go callbacks
// (event handlers, click listeners, the navigation hook) always run with
// the mutex released, so they may call back into the Document.
package page

import (
	"errors"
	"fmt"
	"sync"

	"github.com/robertkrimen/otto"

	"github.com/firasghr/powgate/logger"
)

var (
	// ErrNoEventTarget is returned by AddEventListener on a document
	// without addEventListener.
	ErrNoEventTarget = errors.New("page: document has no addEventListener")
	// ErrNoReload is returned by Reload on a location without reload.
	ErrNoReload = errors.New("page: location has no reload")
)

// StatusID is the id of the status container every gate page carries.
const StatusID = "status"

// DefaultUserAgent is exposed as navigator.userAgent when Options leaves it
// empty.
const DefaultUserAgent = "Mozilla/5.0 (compatible; powgate/1.0)"

// Options configures a new Document.
type Options struct {
	// URL is the page address, exposed as location.href.
	URL string
	// UserAgent is exposed as navigator.userAgent.
	UserAgent string
	// Cookie seeds document.cookie.
	Cookie string
	// Hidden makes the page start as a background tab.
	Hidden bool
	// VendorPrefix selects the visibility API: "" (standard), "webkit",
	// "ms" or "none".
	VendorPrefix string
	// NoEventTarget removes document.addEventListener.
	NoEventTarget bool
	// NoReload removes location.reload.
	NoReload bool
	// Log receives script errors.  Nil discards them.
	Log *logger.Logger
}

// visibilityAPI names the document properties and event of one vendor.
type visibilityAPI struct {
	hidden, state, event string
}

var vendors = map[string]visibilityAPI{
	"":       {hidden: "hidden", state: "visibilityState", event: "visibilitychange"},
	"webkit": {hidden: "webkitHidden", state: "webkitVisibilityState", event: "webkitvisibilitychange"},
	"ms":     {hidden: "msHidden", event: "msvisibilitychange"},
	"none":   {},
}

// NavigateFunc observes navigations.  reload is true for location.reload.
type NavigateFunc func(href string, reload bool)

// Document is one loaded page.
type Document struct {
	mu       sync.Mutex
	vm       *otto.Otto
	opts     Options
	api      visibilityAPI
	hidden   bool
	root     *Element
	handlers map[string][]func()
	onNav    NavigateFunc
	// pendingReload is set when script calls location.reload; the
	// navigation hook fires once the script returns.
	pendingReload bool
	log           *logger.Logger
}

// NewDocument builds a Document from opts.
func NewDocument(opts Options) (*Document, error) {
	api, ok := vendors[opts.VendorPrefix]
	if !ok {
		return nil, fmt.Errorf("page: unknown vendor prefix %q", opts.VendorPrefix)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	log := opts.Log
	if log == nil {
		log = logger.Discard()
	}

	d := &Document{
		vm:       otto.New(),
		opts:     opts,
		api:      api,
		hidden:   opts.Hidden,
		handlers: make(map[string][]func()),
		log:      log,
	}
	d.root = &Element{doc: d, tag: "body"}
	status := &Element{doc: d, tag: "div", id: StatusID, parent: d.root}
	d.root.children = []*Element{status}

	if err := d.vm.Set("__reload", func(otto.FunctionCall) otto.Value {
		d.pendingReload = true
		return otto.UndefinedValue()
	}); err != nil {
		return nil, fmt.Errorf("page: install reload hook: %w", err)
	}
	if _, err := d.vm.Run(d.bootstrap()); err != nil {
		return nil, fmt.Errorf("page: bootstrap JS globals: %w", err)
	}
	if err := d.syncVisibility(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) bootstrap() string {
	addListener := `
document.addEventListener = function (type, fn) {
	(__listeners[type] = __listeners[type] || []).push(fn);
};`
	if d.opts.NoEventTarget {
		addListener = ""
	}
	reload := `location.reload = function () { __reload(); };`
	if d.opts.NoReload {
		reload = ""
	}
	return fmt.Sprintf(`
var window = this;
var self = this;
var navigator = { userAgent: %q };
var document = { cookie: %q };
var location = { href: %q };
var __listeners = {};
function __dispatch(type) {
	var fns = __listeners[type] || [];
	for (var i = 0; i < fns.length; i++) {
		try { fns[i].call(document, { type: type }); } catch (e) {}
	}
}
%s
%s
`, d.opts.UserAgent, d.opts.Cookie, d.opts.URL, addListener, reload)
}

// syncVisibility writes the vendor's visibility properties.  Callers hold
// mu, except during construction.
func (d *Document) syncVisibility() error {
	if d.api.hidden != "" {
		if err := d.setDocProp(d.api.hidden, d.hidden); err != nil {
			return err
		}
	}
	if d.api.state != "" {
		state := "visible"
		if d.hidden {
			state = "hidden"
		}
		if err := d.setDocProp(d.api.state, state); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) document() (*otto.Object, error) {
	v, err := d.vm.Get("document")
	if err != nil {
		return nil, fmt.Errorf("page: get document: %w", err)
	}
	if !v.IsObject() {
		return nil, errors.New("page: document is not an object")
	}
	return v.Object(), nil
}

func (d *Document) setDocProp(name string, value any) error {
	doc, err := d.document()
	if err != nil {
		return err
	}
	if err := doc.Set(name, value); err != nil {
		return fmt.Errorf("page: set document.%s: %w", name, err)
	}
	return nil
}

func (d *Document) docProp(name string) (otto.Value, bool) {
	doc, err := d.document()
	if err != nil {
		return otto.UndefinedValue(), false
	}
	v, err := doc.Get(name)
	if err != nil || v.IsUndefined() {
		return otto.UndefinedValue(), false
	}
	return v, true
}

// BoolProperty returns document[name] and whether it is defined.
func (d *Document) BoolProperty(name string) (value, defined bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.docProp(name)
	if !ok {
		return false, false
	}
	b, err := v.ToBoolean()
	if err != nil {
		return false, true
	}
	return b, true
}

// StringProperty returns document[name] and whether it is defined.  Empty
// strings and null count as undefined, as a JS truthiness test would.
func (d *Document) StringProperty(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.docProp(name)
	if !ok || v.IsNull() {
		return "", false
	}
	s, err := v.ToString()
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

// Cookie returns document.cookie.
func (d *Document) Cookie() string {
	v, _ := d.StringProperty("cookie")
	return v
}

// SetCookie replaces document.cookie.
func (d *Document) SetCookie(cookie string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setDocProp("cookie", cookie)
}

// Hidden reports the page's actual visibility, independent of which API
// exposes it.
func (d *Document) Hidden() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hidden
}

// AddEventListener registers fn for a document event.  Documents built with
// NoEventTarget refuse with ErrNoEventTarget.
func (d *Document) AddEventListener(event string, fn func()) error {
	if d.opts.NoEventTarget {
		return ErrNoEventTarget
	}
	d.mu.Lock()
	d.handlers[event] = append(d.handlers[event], fn)
	d.mu.Unlock()
	return nil
}

// SetHidden moves the page to the background or foreground.  On a change,
// the vendor's visibility event is dispatched to script listeners and then
// to Go handlers.  Handlers run on the calling goroutine, so once a page is
// hosted on a loop SetHidden must be called from a task on that loop.
func (d *Document) SetHidden(hidden bool) error {
	d.mu.Lock()
	if d.hidden == hidden {
		d.mu.Unlock()
		return nil
	}
	d.hidden = hidden
	if err := d.syncVisibility(); err != nil {
		d.mu.Unlock()
		return err
	}
	event := d.api.event
	var fns []func()
	if event != "" && !d.opts.NoEventTarget {
		if _, err := d.vm.Call("__dispatch", nil, event); err != nil {
			d.log.Debug("dispatch failed", "event", event, "err", err)
		}
		fns = append(fns, d.handlers[event]...)
	}
	nav := d.takeReload()
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	nav()
	return nil
}

// Href returns location.href.
func (d *Document) Href() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.vm.Run("location.href")
	if err != nil {
		return d.opts.URL
	}
	return v.String()
}

// OnNavigate installs the hook that observes reloads and navigations.
func (d *Document) OnNavigate(fn NavigateFunc) {
	d.mu.Lock()
	d.onNav = fn
	d.mu.Unlock()
}

// Reload calls location.reload.
func (d *Document) Reload() error {
	if d.opts.NoReload {
		return ErrNoReload
	}
	d.mu.Lock()
	d.pendingReload = true
	nav := d.takeReload()
	d.mu.Unlock()
	nav()
	return nil
}

// Navigate assigns location.href.
func (d *Document) Navigate(href string) {
	d.mu.Lock()
	if loc, err := d.vm.Get("location"); err == nil && loc.IsObject() {
		_ = loc.Object().Set("href", href)
	}
	fn := d.onNav
	d.mu.Unlock()
	if fn != nil {
		fn(href, false)
	}
}

// takeReload consumes a pending reload and returns the deferred hook call.
// Callers hold mu.
func (d *Document) takeReload() func() {
	if !d.pendingReload {
		return func() {}
	}
	d.pendingReload = false
	fn := d.onNav
	if fn == nil {
		return func() {}
	}
	href := d.opts.URL
	if v, err := d.vm.Run("location.href"); err == nil {
		href = v.String()
	}
	return func() { fn(href, true) }
}

// Eval runs script and returns the string value of its last expression.
func (d *Document) Eval(script string) (string, error) {
	d.mu.Lock()
	val, err := d.vm.Run(script)
	nav := d.takeReload()
	d.mu.Unlock()
	nav()

	if err != nil {
		return "", fmt.Errorf("page: eval: %w", err)
	}
	result, err := val.ToString()
	if err != nil {
		return "", fmt.Errorf("page: convert result to string: %w", err)
	}
	return result, nil
}

// Global returns a top-level string variable and whether it is defined and
// non-empty.
func (d *Document) Global(name string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.vm.Get(name)
	if err != nil || v.IsUndefined() || v.IsNull() {
		return "", false
	}
	s, err := v.ToString()
	if err != nil || s == "" {
		return "", false
	}
	return s, true
}

// Body returns the root element.
func (d *Document) Body() *Element { return d.root }

// GetElementByID finds an attached element by id, or returns nil.
func (d *Document) GetElementByID(id string) *Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root.find(id)
}

// Status returns the status container.
func (d *Document) Status() *Element {
	return d.GetElementByID(StatusID)
}
