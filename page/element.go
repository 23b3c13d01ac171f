package page

import "strings"

// Element is a node of the page's minimal element tree.  The tree only
// models what the gate needs: ids, text, a checkbox's state, click
// listeners and removal.
//
// Attached elements share their Document's mutex.  Listeners run without
// it held, so they may freely call back into the tree.
type Element struct {
	doc      *Document
	tag      string
	id       string
	text     string
	disabled bool
	checked  bool
	parent   *Element
	children []*Element
	onClick  []listener
}

type listener struct {
	fn   func()
	once bool
}

// NewElement creates a detached element.  It joins a document when
// appended to one of the document's elements.
func NewElement(tag, id, text string, children ...*Element) *Element {
	e := &Element{tag: tag, id: id, text: text}
	for _, c := range children {
		c.parent = e
		e.children = append(e.children, c)
	}
	return e
}

// ID returns the element id.
func (e *Element) ID() string { return e.id }

// Tag returns the element's tag name.
func (e *Element) Tag() string { return e.tag }

// Text returns the element's textContent: its own text followed by that of
// its descendants.
func (e *Element) Text() string {
	defer e.lock()()
	var sb strings.Builder
	e.collectText(&sb)
	return sb.String()
}

func (e *Element) collectText(sb *strings.Builder) {
	sb.WriteString(e.text)
	for _, c := range e.children {
		c.collectText(sb)
	}
}

// SetText replaces the element's children with text, like assigning
// textContent.
func (e *Element) SetText(text string) {
	defer e.lock()()
	for _, c := range e.children {
		c.parent = nil
	}
	e.children = nil
	e.text = text
}

// AppendText adds text to the end of the element's own text.
func (e *Element) AppendText(text string) {
	unlock := e.lock()
	e.text += text
	unlock()
}

// ReplaceChildren clears the element and adopts children, like assigning
// innerHTML.
func (e *Element) ReplaceChildren(children ...*Element) {
	defer e.lock()()
	for _, c := range e.children {
		c.parent = nil
	}
	e.text = ""
	e.children = nil
	for _, c := range children {
		c.adopt(e.doc)
		c.parent = e
		e.children = append(e.children, c)
	}
}

// AppendChild attaches child as the element's last child.
func (e *Element) AppendChild(child *Element) {
	defer e.lock()()
	child.adopt(e.doc)
	child.parent = e
	e.children = append(e.children, child)
}

func (e *Element) adopt(d *Document) {
	e.doc = d
	for _, c := range e.children {
		c.adopt(d)
	}
}

// FirstChild returns the first child element, or nil.
func (e *Element) FirstChild() *Element {
	defer e.lock()()
	if len(e.children) == 0 {
		return nil
	}
	return e.children[0]
}

// Remove detaches the element from its parent.
func (e *Element) Remove() {
	defer e.lock()()
	p := e.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == e {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	e.parent = nil
}

// Disabled reports the checkbox's disabled state.
func (e *Element) Disabled() bool {
	defer e.lock()()
	return e.disabled
}

// SetDisabled sets the disabled state.
func (e *Element) SetDisabled(v bool) {
	unlock := e.lock()
	e.disabled = v
	unlock()
}

// Checked reports the checkbox's checked state.
func (e *Element) Checked() bool {
	defer e.lock()()
	return e.checked
}

// SetChecked sets the checked state.
func (e *Element) SetChecked(v bool) {
	unlock := e.lock()
	e.checked = v
	unlock()
}

// OnClick registers fn for clicks.  With once set, fn is dropped after its
// first call.
func (e *Element) OnClick(fn func(), once bool) {
	unlock := e.lock()
	e.onClick = append(e.onClick, listener{fn: fn, once: once})
	unlock()
}

// Click dispatches a click.  Disabled elements ignore clicks, as a disabled
// checkbox does.
func (e *Element) Click() {
	unlock := e.lock()
	if e.disabled {
		unlock()
		return
	}
	fns := make([]func(), 0, len(e.onClick))
	kept := e.onClick[:0]
	for _, l := range e.onClick {
		fns = append(fns, l.fn)
		if !l.once {
			kept = append(kept, l)
		}
	}
	e.onClick = kept
	unlock()

	for _, fn := range fns {
		fn()
	}
}

// lock takes the owning document's mutex and returns its release.
func (e *Element) lock() func() {
	if e.doc == nil {
		return func() {}
	}
	e.doc.mu.Lock()
	return e.doc.mu.Unlock
}

func (e *Element) find(id string) *Element {
	if e.id == id {
		return e
	}
	for _, c := range e.children {
		if f := c.find(id); f != nil {
			return f
		}
	}
	return nil
}
