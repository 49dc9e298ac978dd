// Package http implements the proxy front end and the consumer side of the
// fetch bridge: every event the channel delivers is handled on the
// dispatcher goroutine, which collects accumulated output and forwards it
// to the client without ever waiting on the rewrite workers.
package http

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/edgespeed/edgespeed/internal/bridge"
	"github.com/edgespeed/edgespeed/internal/config"
	"github.com/edgespeed/edgespeed/internal/headers"
	"github.com/edgespeed/edgespeed/internal/ipro"
	"github.com/edgespeed/edgespeed/internal/log"
	"github.com/edgespeed/edgespeed/internal/rewrite"
	"github.com/edgespeed/edgespeed/internal/server/utils"
	"github.com/edgespeed/edgespeed/internal/statistics"
)

// Server is an HTTP proxy that pushes origin responses through the rewrite
// pipeline before forwarding them to clients.
type Server struct {
	cfg      *config.Config
	rw       *rewrite.Rewriter
	cache    *ipro.Cache
	recorder *statistics.Recorder
	channel  *bridge.EventChannel

	listener   net.Listener
	ListenAddr string
}

// exchange is the consumer-owned state of one in-flight fetch. After
// construction it is touched only from the channel dispatcher goroutine;
// the connection goroutine just waits on done.
type exchange struct {
	conn net.Conn
	bw   *bufio.Writer

	url  string
	host string

	// lookup exchanges buffer the whole response and fill the IPRO cache;
	// streaming exchanges forward chunks as they are collected.
	lookup bool
	head   *headers.Snapshot

	headWritten bool
	failed      bool
	done        chan struct{}
	doneOnce    sync.Once
}

// finish releases the connection goroutine. Called from the dispatcher on
// the normal and failure paths, and from the fetch destroy hook so a
// shutdown that drops queued events cannot strand the connection.
func (ex *exchange) finish() {
	ex.doneOnce.Do(func() { close(ex.done) })
}

func New(cfg *config.Config, rw *rewrite.Rewriter, cache *ipro.Cache, recorder *statistics.Recorder) *Server {
	s := &Server{
		cfg:        cfg,
		rw:         rw,
		cache:      cache,
		recorder:   recorder,
		ListenAddr: cfg.ListenAddr,
	}
	s.channel = bridge.NewEventChannel(s.onEvent)
	return s
}

// Start listens and serves in the background.
func (s *Server) Start() (err error) {
	if s.listener, err = net.Listen("tcp", s.ListenAddr); err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	s.ListenAddr = s.listener.Addr().String()
	if err = s.channel.Initialize(); err != nil {
		_ = s.listener.Close()
		return fmt.Errorf("channel.Initialize: %w", err)
	}

	go s.acceptLoop()
	return nil
}

// Close stops accepting and tears the event channel down. Fetches whose
// events were still queued are dropped; their credits are returned so the
// producers can finish on their own.
func (s *Server) Close() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.channel.Terminate()
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Accept", slog.Any("error", err))
			continue
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	srcAddr := conn.RemoteAddr().String()
	defer func() {
		_ = conn.Close()
		slog.Debug("Connection closed", slog.String("src", srcAddr))
	}()

	reader := bufio.NewReaderSize(conn, 64*1024)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				log.LogDebugWithAddr(srcAddr, "", fmt.Sprintf("http.ReadRequest: %s", err.Error()))
			}
			return
		}

		if req.Method == http.MethodConnect {
			s.handleTunneling(conn, req)
			return
		}

		if !s.handleHTTP(conn, reader, req) {
			return
		}
	}
}

// handleHTTP serves one proxied exchange. Returns false when the
// connection cannot be reused.
func (s *Server) handleHTTP(conn net.Conn, reader *bufio.Reader, req *http.Request) bool {
	srcAddr := conn.RemoteAddr().String()
	destPort := req.URL.Port()
	if destPort == "" {
		destPort = "80"
	}
	host := req.URL.Hostname()
	if host == "" {
		host = req.Host
	}
	destAddr := net.JoinHostPort(host, destPort)
	fetchURL := req.URL.String()

	log.LogDebugWithAddr(srcAddr, destAddr, "HTTP request")

	// Serve straight out of the optimization cache when possible.
	if s.cfg.IPRO.Enabled && req.Method == http.MethodGet {
		if entry, ok := s.cache.Lookup(fetchURL); ok {
			log.LogDebugWithAddr(srcAddr, destAddr, "IPRO cache hit")
			s.record(&statistics.FetchRecord{Host: host, CacheHits: 1, BytesOut: int64(len(entry.Body)), LastFetch: time.Now()})
			return writeFullResponse(conn, entry.Headers, entry.Body) == nil && !req.Close
		}
	}

	target, err := utils.Connect(destAddr)
	if err != nil {
		log.LogWarnWithAddr(srcAddr, destAddr, fmt.Sprintf("utils.Connect: %s", err.Error()))
		_ = writeErrorResponse(conn, http.StatusServiceUnavailable)
		return false
	}
	defer func() {
		if cerr := target.Close(); cerr != nil {
			slog.Warn("target.Close", slog.String("dest", destAddr), slog.Any("error", cerr))
		}
	}()

	if err = req.Write(target); err != nil {
		log.LogWarnWithAddr(srcAddr, destAddr, fmt.Sprintf("req.Write: %s", err.Error()))
		_ = writeErrorResponse(conn, http.StatusServiceUnavailable)
		return false
	}

	resp, err := http.ReadResponse(bufio.NewReader(target), req)
	if err != nil {
		log.LogWarnWithAddr(srcAddr, destAddr, fmt.Sprintf("http.ReadResponse: %s", err.Error()))
		_ = writeErrorResponse(conn, http.StatusServiceUnavailable)
		return false
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Debug("resp.Body.Close", slog.String("dest", destAddr), slog.Any("error", cerr))
		}
	}()

	origin := headers.NewSnapshot(resp.StatusCode, resp.Header)

	lookup := s.cfg.IPRO.Enabled && req.Method == http.MethodGet &&
		s.rw.Rewritable(origin.Get("Content-Type")) && origin.Cacheable()

	ex := &exchange{
		conn:   conn,
		bw:     bufio.NewWriter(conn),
		url:    fetchURL,
		host:   host,
		lookup: lookup,
		head:   s.rw.ComputeHeaders(origin, s.cfg.PreserveCachingHeaders),
		done:   make(chan struct{}),
	}

	f := bridge.NewFetch(s.channel, bridge.Options{
		PreserveCachingHeaders: s.cfg.PreserveCachingHeaders,
		IPROLookup:             lookup,
		OnDestroy:              func(*bridge.Fetch) { ex.finish() },
	})
	f.Request = ex

	s.rw.StartFetch(host, origin, resp.Body, f)

	// The dispatcher drives the exchange from here; this goroutine only
	// waits so the next keep-alive request is not read early.
	<-ex.done
	if ex.failed {
		return false
	}
	return !req.Close && !resp.Close
}

// onEvent is the event channel callback: the single consumer context. It
// must return the event's refcount credit exactly once, even when it
// ignores the payload.
func (s *Server) onEvent(ev bridge.Event) {
	f := ev.Fetch
	defer f.DecrementRefCount()

	// The exchange may have been abandoned while the event was in flight.
	if f.Detached() {
		return
	}
	ex, ok := f.Request.(*exchange)
	if !ok {
		return
	}

	if ex.lookup {
		// Lookup fetches collect once, after the producer is done. Flush
		// wakeups carry nothing actionable.
		if ev.Kind == bridge.EventDone {
			s.finishLookup(f, ex)
		}
		return
	}
	s.pump(f, ex)
}

// pump drains the fetch and forwards the collected segments as chunked
// body data.
func (s *Server) pump(f *bridge.Fetch, ex *exchange) {
	segs, status := f.CollectAccumulatedWrites()
	if status == bridge.CollectError {
		s.fail(f, ex, "CollectAccumulatedWrites failed")
		return
	}

	for _, seg := range segs {
		if !ex.headWritten {
			if err := writeResponseHead(ex.bw, ex.head); err != nil {
				s.fail(f, ex, err.Error())
				return
			}
			ex.headWritten = true
		}
		if len(seg.Data) > 0 {
			if _, err := fmt.Fprintf(ex.bw, "%x\r\n", len(seg.Data)); err != nil {
				s.fail(f, ex, err.Error())
				return
			}
			if _, err := ex.bw.Write(seg.Data); err != nil {
				s.fail(f, ex, err.Error())
				return
			}
			if _, err := ex.bw.WriteString("\r\n"); err != nil {
				s.fail(f, ex, err.Error())
				return
			}
		}
		if seg.Last {
			if _, err := ex.bw.WriteString("0\r\n\r\n"); err != nil {
				s.fail(f, ex, err.Error())
				return
			}
			if err := ex.bw.Flush(); err != nil {
				s.fail(f, ex, err.Error())
				return
			}
			s.record(&statistics.FetchRecord{Host: ex.host, LastFetch: time.Now()})
			f.Detach()
			ex.finish()
			return
		}
	}
	if err := ex.bw.Flush(); err != nil {
		s.fail(f, ex, err.Error())
	}
}

// finishLookup runs on the done event of an IPRO fetch: headers first, then
// one full drain, then cache fill and a Content-Length response.
func (s *Server) finishLookup(f *bridge.Fetch, ex *exchange) {
	snap := f.CollectHeaders()
	segs, status := f.CollectAccumulatedWrites()
	if status == bridge.CollectError || snap == nil {
		s.fail(f, ex, "lookup collection failed")
		return
	}

	var body []byte
	for _, seg := range segs {
		body = append(body, seg.Data...)
	}

	if f.Success() && s.cache.Store(ex.url, body, snap) {
		log.LogDebugWithAddr("", ex.host, "IPRO cache fill")
	}
	s.record(&statistics.FetchRecord{Host: ex.host, BytesOut: int64(len(body)), LastFetch: time.Now()})

	if err := writeFullResponse(ex.conn, snap, body); err != nil {
		s.fail(f, ex, err.Error())
		return
	}
	f.Detach()
	ex.finish()
}

// fail abandons the exchange. The producer may still be running; its
// writes go nowhere once the fetch is detached.
func (s *Server) fail(f *bridge.Fetch, ex *exchange, msg string) {
	log.LogWarnWithAddr("", ex.host, msg)
	s.record(&statistics.FetchRecord{Host: ex.host, FailedCount: 1, LastFetch: time.Now()})
	ex.failed = true
	f.Detach()
	ex.finish()
}

// handleTunneling relays a CONNECT request verbatim. Tunneled bytes never
// touch the rewrite pipeline.
func (s *Server) handleTunneling(conn net.Conn, req *http.Request) {
	srcAddr := conn.RemoteAddr().String()
	destAddr := req.Host
	log.LogDebugWithAddr(srcAddr, destAddr, "HTTP CONNECT request")

	dest, err := utils.Connect(destAddr)
	if err != nil {
		log.LogWarnWithAddr(srcAddr, destAddr, fmt.Sprintf("utils.Connect: %s", err.Error()))
		_ = writeErrorResponse(conn, http.StatusServiceUnavailable)
		return
	}
	if _, err = conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = dest.Close()
		return
	}
	go utils.CopyHalf(dest, conn)
	utils.CopyHalf(conn, dest)
}

func (s *Server) record(rec *statistics.FetchRecord) {
	if s.recorder != nil {
		s.recorder.Record(rec)
	}
}

// writeResponseHead writes the status line and headers for a streamed
// response. Body framing is always chunked; the rewritten length is not
// known up front.
func writeResponseHead(w io.Writer, snap *headers.Snapshot) error {
	statusCode := snap.StatusCode
	if _, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)); err != nil {
		return err
	}
	for key, values := range snap.Header {
		if key == "Content-Length" || key == "Transfer-Encoding" {
			continue
		}
		for _, v := range values {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "Transfer-Encoding: chunked\r\n\r\n")
	return err
}

func writeFullResponse(w io.Writer, snap *headers.Snapshot, body []byte) error {
	bw := bufio.NewWriter(w)
	statusCode := snap.StatusCode
	if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode)); err != nil {
		return err
	}
	for key, values := range snap.Header {
		if key == "Content-Length" || key == "Transfer-Encoding" {
			continue
		}
		for _, v := range values {
			if _, err := fmt.Fprintf(bw, "%s: %s\r\n", key, v); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(bw, "Content-Length: %d\r\n\r\n", len(body)); err != nil {
		return err
	}
	if _, err := bw.Write(body); err != nil {
		return err
	}
	return bw.Flush()
}

func writeErrorResponse(w io.Writer, statusCode int) error {
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Length: 0\r\nConnection: close\r\n\r\n",
		statusCode, http.StatusText(statusCode))
	return err
}
