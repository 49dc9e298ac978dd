// Package rewrite is the producer side of the fetch bridge: worker
// goroutines transform origin response bodies and feed the result into a
// bridge.Fetch as it is produced.
package rewrite

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/go-playground/validator/v10"

	"github.com/edgespeed/edgespeed/internal/bridge"
	"github.com/edgespeed/edgespeed/internal/config"
	"github.com/edgespeed/edgespeed/internal/headers"
	"github.com/edgespeed/edgespeed/internal/statistics"
)

const streamChunkSize = 32 * 1024

// Content types whose bodies go through the rewrite pass. Everything else
// streams through untouched.
var rewritableTypes = map[string]struct{}{
	"text/html":              {},
	"text/css":               {},
	"application/javascript": {},
	"text/javascript":        {},
}

type bodyRule struct {
	re           *regexp2.Regexp
	value        string
	contentTypes []string
}

func (r *bodyRule) applies(contentType string) bool {
	if len(r.contentTypes) == 0 {
		return true
	}
	for _, ct := range r.contentTypes {
		if ct == contentType {
			return true
		}
	}
	return false
}

// Rewriter applies the configured optimizations to response bodies and
// drives the producer side of a fetch.
type Rewriter struct {
	rules        []bodyRule
	htmlOptimize bool
	maxSize      int
	recorder     *statistics.Recorder
}

// New compiles the configured body rules. Rules that fail validation are
// skipped with a warning; a regex that does not compile is an error.
func New(cfg *config.Config, recorder *statistics.Recorder) (*Rewriter, error) {
	validate := validator.New()

	var rules []bodyRule
	for i := range cfg.BodyRules {
		rule := &cfg.BodyRules[i]
		if err := validate.Struct(rule); err != nil {
			slog.Warn("Invalid body rule", slog.Any("rule", rule), slog.Any("error", err))
			continue
		}
		re, err := regexp2.Compile(rule.Regex, regexp2.None)
		if err != nil {
			return nil, fmt.Errorf("regexp2.Compile %q: %w", rule.Regex, err)
		}
		rules = append(rules, bodyRule{re: re, value: rule.Value, contentTypes: rule.ContentTypes})
	}

	maxSize := cfg.MaxRewriteSize
	if maxSize <= 0 {
		maxSize = 4 * 1024 * 1024
	}

	return &Rewriter{
		rules:        rules,
		htmlOptimize: cfg.HTMLOptimize,
		maxSize:      maxSize,
		recorder:     recorder,
	}, nil
}

// Rewritable reports whether a body with the given Content-Type header goes
// through the rewrite pass.
func (r *Rewriter) Rewritable(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	_, ok := rewritableTypes[mediaType]
	return ok
}

// StartFetch launches the asynchronous rewrite of an origin response into
// f. It owns the producer half of the fetch from here on: headers first,
// then writes and flushes, then exactly one HandleDone.
func (r *Rewriter) StartFetch(host string, origin *headers.Snapshot, body io.Reader, f *bridge.Fetch) {
	go r.run(host, origin, body, f)
}

func (r *Rewriter) run(host string, origin *headers.Snapshot, body io.Reader, f *bridge.Fetch) {
	contentType := origin.Get("Content-Type")
	rewritable := r.Rewritable(contentType)

	f.HandleHeadersComplete(r.ComputeHeaders(origin, f.PreserveCachingHeaders()))

	if !rewritable {
		r.stream(host, origin, body, f, nil)
		return
	}

	// Rewriting needs the whole body. Oversized bodies fall back to
	// pass-through with whatever was already read as the first chunk.
	data, err := io.ReadAll(io.LimitReader(body, int64(r.maxSize)+1))
	if err != nil {
		slog.Warn("Origin body read failed", slog.String("host", host), slog.Any("error", err))
		f.HandleWrite(data)
		f.HandleDone(false)
		r.record(host, &statistics.FetchRecord{BytesIn: int64(len(data)), FailedCount: 1})
		return
	}
	if len(data) > r.maxSize {
		slog.Debug("Body exceeds rewrite limit, passing through", slog.String("host", host), slog.Int("limit", r.maxSize))
		r.stream(host, origin, body, f, data)
		return
	}

	rewritten := r.RewriteBody(contentType, data)
	f.HandleWrite(rewritten)
	f.HandleFlush()
	f.HandleDone(true)
	r.record(host, &statistics.FetchRecord{
		BytesIn:   int64(len(data)),
		BytesOut:  int64(len(rewritten)),
		Rewritten: 1,
	})
}

// stream copies the body into the fetch chunk by chunk, flushing after each
// chunk so the consumer can forward output as it arrives.
func (r *Rewriter) stream(host string, origin *headers.Snapshot, body io.Reader, f *bridge.Fetch, prefix []byte) {
	var in, out int64
	if len(prefix) > 0 {
		f.HandleWrite(prefix)
		f.HandleFlush()
		in += int64(len(prefix))
		out += int64(len(prefix))
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			f.HandleWrite(buf[:n])
			f.HandleFlush()
			in += int64(n)
			out += int64(n)
		}
		if err == io.EOF {
			f.HandleDone(true)
			r.record(host, &statistics.FetchRecord{BytesIn: in, BytesOut: out})
			return
		}
		if err != nil {
			slog.Warn("Origin body read failed", slog.String("host", host), slog.Any("error", err))
			f.HandleDone(false)
			r.record(host, &statistics.FetchRecord{BytesIn: in, BytesOut: out, FailedCount: 1})
			return
		}
	}
}

// RewriteBody runs the HTML optimizer and the configured regex rules over a
// complete body.
func (r *Rewriter) RewriteBody(contentType string, body []byte) []byte {
	out := body
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if r.htmlOptimize && mediaType == "text/html" {
		out = OptimizeHTML(out)
	}
	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.applies(mediaType) {
			continue
		}
		replaced, err := rule.re.Replace(string(out), rule.value, -1, -1)
		if err != nil {
			slog.Error("bodyRule regexp2.Replace", slog.Any("error", err))
			continue
		}
		out = []byte(replaced)
	}
	return out
}

// ComputeHeaders builds the response header snapshot for a fetch: the
// optimizer's recomputed headers merged with whatever the preserve policy
// keeps from the origin. The server uses the same computation to write the
// head of streamed responses.
func (r *Rewriter) ComputeHeaders(origin *headers.Snapshot, policy headers.PreservePolicy) *headers.Snapshot {
	computed := origin.Clone()
	if r.Rewritable(origin.Get("Content-Type")) {
		// Body length changes under rewrite, and rewritten output is
		// revalidated rather than served stale.
		computed.Header.Del("Content-Length")
		computed.Header.Del("Etag")
		if !strings.Contains(strings.ToLower(computed.Get("Cache-Control")), "no-store") {
			computed.Header.Set("Cache-Control", "max-age=0, no-cache")
		}
	}
	return headers.Merge(origin, computed, policy)
}

func (r *Rewriter) record(host string, rec *statistics.FetchRecord) {
	if r.recorder == nil {
		return
	}
	rec.Host = host
	r.recorder.Record(rec)
}
