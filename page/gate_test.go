package page_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firasghr/powgate/page"
)

const gateHTML = `<!DOCTYPE html>
<html><head>
<script>
var CHALLENGE = "k3J9x";
var TARGET_PREFIX = "888";
var ENDPOINT = "/.sensepitch.challenge.complete";
var STEP = "https://edge.example.com/.sensepitch.challenge.step";
</script>
<script src="/.sensepitch.challenge.files/script.js"></script>
<script type="application/ld+json">{"not": "js"}</script>
</head><body><div id="status">Checking your browser…</div>
<script>this is not javascript</script>
<script type="text/javascript">document.cookie = "seen=" + CHALLENGE.length;</script>
</body></html>`

func TestParseGatePage(t *testing.T) {
	scripts, err := page.ParseGatePage([]byte(gateHTML))
	require.NoError(t, err)
	require.Len(t, scripts, 3)
	require.Contains(t, scripts[0], `var CHALLENGE = "k3J9x";`)
	require.Equal(t, "this is not javascript", scripts[1])
}

func TestLoadGate(t *testing.T) {
	d := newDoc(t, page.Options{URL: "https://example.com/protected/page?x=1"})

	g, err := page.LoadGate(d, []byte(gateHTML), "https://example.com/protected/page?x=1")
	require.NoError(t, err)
	require.NotNil(t, g)
	require.Equal(t, page.Gate{
		Challenge:    "k3J9x",
		TargetPrefix: "888",
		Endpoint:     "https://example.com/.sensepitch.challenge.complete",
		Step:         "https://edge.example.com/.sensepitch.challenge.step",
	}, *g)

	// The script after the broken one still ran.
	require.Equal(t, "seen=5", d.Cookie())
}

func TestLoadGate_DefaultPaths(t *testing.T) {
	body := `<html><script>var CHALLENGE = "abc"; var TARGET_PREFIX = "0";</script></html>`
	d := newDoc(t, page.Options{})

	g, err := page.LoadGate(d, []byte(body), "http://127.0.0.1:8080/app/")
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8080"+page.DefaultEndpointPath, g.Endpoint)
	require.Equal(t, "http://127.0.0.1:8080"+page.DefaultStepPath, g.Step)
}

func TestLoadGate_NotAGatePage(t *testing.T) {
	d := newDoc(t, page.Options{})
	g, err := page.LoadGate(d, []byte(`<html><body><h1>Welcome back</h1></body></html>`), "https://example.com/")
	require.NoError(t, err)
	require.Nil(t, g)
}

func TestResolve(t *testing.T) {
	got, err := page.Resolve("https://example.com/a/b", "c?d=1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/a/c?d=1", got)

	_, err = page.Resolve("://bad", "c")
	require.Error(t, err)
}
