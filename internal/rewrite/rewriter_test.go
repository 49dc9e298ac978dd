package rewrite

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgespeed/edgespeed/internal/bridge"
	"github.com/edgespeed/edgespeed/internal/config"
	"github.com/edgespeed/edgespeed/internal/headers"
)

func newTestChannel(t *testing.T) *bridge.EventChannel {
	t.Helper()
	ch := bridge.NewEventChannel(func(ev bridge.Event) { ev.Fetch.DecrementRefCount() })
	require.NoError(t, ch.Initialize())
	t.Cleanup(ch.Terminate)
	return ch
}

func newTestRewriter(t *testing.T, cfg *config.Config) *Rewriter {
	t.Helper()
	r, err := New(cfg, nil)
	require.NoError(t, err)
	return r
}

// waitDone polls until the producer has called HandleDone, so the test can
// collect headers before the first drain the way a lookup consumer does.
func waitDone(t *testing.T, f *bridge.Fetch) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !f.Done() {
		if time.Now().After(deadline) {
			t.Fatal("producer never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

// collectAll drains the fetch from the test goroutine until the final
// segment arrives.
func collectAll(t *testing.T, f *bridge.Fetch) []byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var out bytes.Buffer
	for {
		segs, status := f.CollectAccumulatedWrites()
		require.NotEqual(t, bridge.CollectError, status)
		for _, seg := range segs {
			out.Write(seg.Data)
			if seg.Last {
				return out.Bytes()
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("fetch never finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStreamPassThrough(t *testing.T) {
	r := newTestRewriter(t, &config.Config{})
	ch := newTestChannel(t)

	origin := headers.NewSnapshot(200, http.Header{
		"Content-Type":   {"image/png"},
		"Content-Length": {"9"},
	})
	f := bridge.NewFetch(ch, bridge.Options{})
	r.StartFetch("example.com", origin, strings.NewReader("ainarybdp"), f)
	waitDone(t, f)

	// Non-rewritable fetches keep the origin headers as captured.
	snap := f.CollectHeaders()
	require.NotNil(t, snap)
	assert.Equal(t, "9", snap.Get("Content-Length"))

	out := collectAll(t, f)
	assert.Equal(t, []byte("ainarybdp"), out)
	assert.True(t, f.Success())

	f.Detach()
}

func TestRewriteHTML(t *testing.T) {
	r := newTestRewriter(t, &config.Config{
		HTMLOptimize: true,
		BodyRules: []config.BodyRule{
			{Regex: "World", Value: "Edge", ContentTypes: []string{"text/html"}},
		},
	})
	ch := newTestChannel(t)

	body := "<html>\n  <body>\n    <!-- greeting -->\n    <p>Hello   World</p>\n  </body>\n</html>\n"
	origin := headers.NewSnapshot(200, http.Header{"Content-Type": {"text/html; charset=utf-8"}})
	f := bridge.NewFetch(ch, bridge.Options{})
	r.StartFetch("example.com", origin, strings.NewReader(body), f)

	out := string(collectAll(t, f))
	assert.NotContains(t, out, "<!--")
	assert.NotContains(t, out, "World")
	assert.Contains(t, out, "Hello Edge")

	f.Detach()
}

func TestBodyRuleContentTypeFilter(t *testing.T) {
	r := newTestRewriter(t, &config.Config{
		BodyRules: []config.BodyRule{
			{Regex: "red", Value: "blue", ContentTypes: []string{"text/css"}},
		},
	})

	assert.Equal(t, []byte("color:blue"), r.RewriteBody("text/css", []byte("color:red")))
	assert.Equal(t, []byte("red herring"), r.RewriteBody("text/html", []byte("red herring")))
}

func TestOversizedBodyPassesThrough(t *testing.T) {
	r := newTestRewriter(t, &config.Config{
		MaxRewriteSize: 8,
		BodyRules:      []config.BodyRule{{Regex: "a", Value: "b"}},
	})
	ch := newTestChannel(t)

	body := strings.Repeat("a", 64)
	origin := headers.NewSnapshot(200, http.Header{"Content-Type": {"text/html"}})
	f := bridge.NewFetch(ch, bridge.Options{})
	r.StartFetch("example.com", origin, strings.NewReader(body), f)

	// Over the limit nothing is rewritten; every byte still arrives.
	out := collectAll(t, f)
	assert.Equal(t, []byte(body), out)

	f.Detach()
}

func TestComputedHeadersHonorPreservePolicy(t *testing.T) {
	r := newTestRewriter(t, &config.Config{HTMLOptimize: true})
	ch := newTestChannel(t)

	origin := headers.NewSnapshot(200, http.Header{
		"Content-Type":   {"text/html"},
		"Content-Length": {"5"},
		"Cache-Control":  {"max-age=600"},
	})

	f := bridge.NewFetch(ch, bridge.Options{PreserveCachingHeaders: headers.PreserveCacheControl})
	r.StartFetch("example.com", origin, strings.NewReader("<p>x</p>"), f)
	waitDone(t, f)

	snap := f.CollectHeaders()
	require.NotNil(t, snap)
	assert.Equal(t, "", snap.Get("Content-Length"))
	assert.Equal(t, "max-age=600", snap.Get("Cache-Control"))
	collectAll(t, f)
	f.Detach()

	f = bridge.NewFetch(ch, bridge.Options{PreserveCachingHeaders: headers.PreserveNone})
	r.StartFetch("example.com", origin, strings.NewReader("<p>x</p>"), f)
	waitDone(t, f)

	snap = f.CollectHeaders()
	require.NotNil(t, snap)
	assert.Equal(t, "max-age=0, no-cache", snap.Get("Cache-Control"))
	collectAll(t, f)
	f.Detach()
}

func TestInvalidRegexRejected(t *testing.T) {
	_, err := New(&config.Config{
		BodyRules: []config.BodyRule{{Regex: "(unclosed"}},
	}, nil)
	assert.Error(t, err)
}

func TestOptimizeHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"strips comments",
			"<p>a</p><!-- gone --><p>b</p>",
			"<p>a</p><p>b</p>",
		},
		{
			"collapses whitespace",
			"<p>a   b\n\t c</p>",
			"<p>a b c</p>",
		},
		{
			"preserves pre content",
			"<pre>a   b</pre>",
			"<pre>a   b</pre>",
		},
		{
			"preserves script content",
			"<script>var a =  1;</script>",
			"<script>var a =  1;</script>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(OptimizeHTML([]byte(tt.in))))
		})
	}
}
