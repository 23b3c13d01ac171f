package page

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Default issuer paths, used when a gate page leaves ENDPOINT or STEP unset.
const (
	DefaultEndpointPath = "/.sensepitch.challenge.complete"
	DefaultStepPath     = "/.sensepitch.challenge.step"
)

// Gate holds the puzzle parameters a gate page hands out.  Endpoint and
// Step are absolute URLs.
type Gate struct {
	Challenge    string
	TargetPrefix string
	Endpoint     string
	Step         string
}

// ParseGatePage returns the inline scripts of an HTML document in document
// order.  External scripts and non-JavaScript script types are skipped.
func ParseGatePage(body []byte) ([]string, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("page: parse html: %w", err)
	}
	var scripts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && isInlineJS(n) {
			var sb strings.Builder
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.TextNode {
					sb.WriteString(c.Data)
				}
			}
			if src := strings.TrimSpace(sb.String()); src != "" {
				scripts = append(scripts, src)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return scripts, nil
}

func isInlineJS(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "src":
			return false
		case "type":
			t := strings.ToLower(strings.TrimSpace(a.Val))
			if t != "" && t != "text/javascript" && t != "application/javascript" {
				return false
			}
		}
	}
	return true
}

// LoadGate runs the page's inline scripts in d and reads the issuer
// globals CHALLENGE, TARGET_PREFIX, ENDPOINT and STEP.  Script errors are
// logged and skipped, as a browser would.  A page that defines no
// CHALLENGE is not a gate page and yields a nil Gate.
func LoadGate(d *Document, body []byte, pageURL string) (*Gate, error) {
	scripts, err := ParseGatePage(body)
	if err != nil {
		return nil, err
	}
	for i, src := range scripts {
		if _, err := d.Eval(src); err != nil {
			d.log.Debug("inline script failed", "index", i, "err", err)
		}
	}

	challenge, ok := d.Global("CHALLENGE")
	if !ok {
		return nil, nil
	}
	g := &Gate{Challenge: challenge}
	g.TargetPrefix, _ = d.Global("TARGET_PREFIX")

	endpoint, ok := d.Global("ENDPOINT")
	if !ok {
		endpoint = DefaultEndpointPath
	}
	step, ok := d.Global("STEP")
	if !ok {
		step = DefaultStepPath
	}
	if g.Endpoint, err = Resolve(pageURL, endpoint); err != nil {
		return nil, err
	}
	if g.Step, err = Resolve(pageURL, step); err != nil {
		return nil, err
	}
	return g, nil
}

// Resolve resolves ref against base.
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("page: parse base %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("page: parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
