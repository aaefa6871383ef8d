package llmproxy

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// idleReadTimeout bounds how long the proxy waits for the next chunk of
// an upstream streaming response before aborting the session.
const idleReadTimeout = 120 * time.Second

// maxCarryBuffer bounds the unterminated-line carry buffer per stream:
// a runaway upstream that never emits a newline can only ever hold this
// much unparsed data in memory.
const maxCarryBuffer = 1 << 20

// hopByHopHeaders are stripped from both directions per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"TE", "Trailer", "Transfer-Encoding", "Upgrade",
}

// SessionRecorder receives finalized (or aborted) sessions. storage.Store
// and sink.FanOut both satisfy it.
type SessionRecorder interface {
	RecordSession(Session)
}

// observedPaths lists the generation endpoints whose response bodies
// get teed into session records.
var observedPaths = map[string]bool{
	"/api/generate": true,
	"/api/chat":     true,
}

// Proxy is a transparent reverse proxy that tees observed paths'
// response streams into Session records without buffering.
type Proxy struct {
	target   *url.URL
	rp       *httputil.ReverseProxy
	recorder SessionRecorder
	logger   *zap.Logger
}

// New builds a Proxy forwarding to backendURL, recording sessions for
// observed paths via recorder.
func New(backendURL string, recorder SessionRecorder, logger *zap.Logger) (*Proxy, error) {
	target, err := url.Parse(backendURL)
	if err != nil {
		return nil, err
	}

	p := &Proxy{target: target, recorder: recorder, logger: logger}

	rp := &httputil.ReverseProxy{
		Director:       p.direct,
		ModifyResponse: p.modifyResponse,
		FlushInterval:  -1, // stream immediately, never buffer for latency
		ErrorHandler:   p.handleError,
	}
	p.rp = rp
	return p, nil
}

// Router returns the gorilla/mux router the scheduler mounts as the
// proxy listener's handler. Every path — observed or not — resolves to
// the same reverse-proxy handler; only the response-body treatment
// differs, decided in modifyResponse.
func (p *Proxy) Router() *mux.Router {
	r := mux.NewRouter()
	r.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		p.rp.ServeHTTP(w, req)
	})
	return r
}

func (p *Proxy) direct(req *http.Request) {
	req.URL.Scheme = p.target.Scheme
	req.URL.Host = p.target.Host
	req.Host = p.target.Host
	stripHopByHop(req.Header)
}

func (p *Proxy) handleError(w http.ResponseWriter, req *http.Request, err error) {
	p.logger.Warn("llmproxy: upstream request failed", zap.String("path", req.URL.Path), zap.Error(err))
	w.WriteHeader(http.StatusBadGateway)
}

// modifyResponse strips hop-by-hop response headers and, for observed
// paths, wraps the body in a teeing reader that streams bytes to the
// client unmodified while parsing a copy for session tracking.
func (p *Proxy) modifyResponse(res *http.Response) error {
	stripHopByHop(res.Header)

	path := res.Request.URL.Path
	if !observedPaths[path] {
		return nil
	}

	sess := newSession("", time.Now())
	if p.recorder != nil {
		p.recorder.RecordSession(*sess)
	}
	res.Body = &teeingBody{
		underlying: res.Body,
		session:    sess,
		recorder:   p.recorder,
		logger:     p.logger,
		carry:      make([]byte, 0, 4096),
	}
	return nil
}

func stripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// teeingBody wraps an upstream response body: every Read returns the
// upstream bytes to the caller (the ReverseProxy's copy loop, which
// writes them to the client) unmodified and without holding any back.
// The same bytes are fed to the NDJSON line parser inside Read, before
// it returns, so each chunk is parsed before it is written to the
// client, not after.
type teeingBody struct {
	underlying io.ReadCloser
	session    *Session
	recorder   SessionRecorder
	logger     *zap.Logger

	mu        sync.Mutex
	carry     []byte
	finalized bool
}

type readResult struct {
	n   int
	err error
}

func (b *teeingBody) Read(p []byte) (int, error) {
	resultCh := make(chan readResult, 1)
	go func() {
		n, err := b.underlying.Read(p)
		resultCh <- readResult{n, err}
	}()

	select {
	case res := <-resultCh:
		if res.n > 0 {
			b.feed(p[:res.n])
		}
		if res.err != nil {
			b.onStreamEnd(res.err)
		}
		return res.n, res.err
	case <-time.After(idleReadTimeout):
		b.onStreamEnd(io.ErrUnexpectedEOF)
		return 0, io.ErrUnexpectedEOF
	}
}

func (b *teeingBody) Close() error {
	err := b.underlying.Close()
	b.onStreamEnd(io.EOF)
	return err
}

// feed appends newly-read bytes to the carry buffer, extracts complete
// lines, and applies each parsed chunk to the session.
func (b *teeingBody) feed(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}

	b.carry = append(b.carry, chunk...)
	for {
		idx := bytes.IndexByte(b.carry, '\n')
		if idx < 0 {
			break
		}
		line := b.carry[:idx]
		b.carry = b.carry[idx+1:]
		b.applyLine(bytes.TrimSpace(line))
	}

	if len(b.carry) > maxCarryBuffer {
		b.logger.Warn("llmproxy: carry buffer exceeded cap, dropping unterminated line",
			zap.Int("size", len(b.carry)))
		b.carry = b.carry[:0]
	}
}

func (b *teeingBody) applyLine(line []byte) {
	if len(line) == 0 {
		return
	}
	chunk, err := parseChunk(line)
	if err != nil {
		b.logger.Debug("llmproxy: failed to parse streamed chunk", zap.Error(err))
		return
	}
	b.session.observe(chunk, time.Now())
	if b.session.Ended {
		b.emit()
	}
}

// onStreamEnd runs once, when the underlying body reports an error or
// EOF (client hang-up, upstream close, or idle timeout), aborting any
// session that never saw a done=true chunk.
func (b *teeingBody) onStreamEnd(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	if !b.session.Ended {
		b.session.abort(time.Now())
	}
	b.emit()
}

// emit reports the session exactly once; callers hold b.mu.
func (b *teeingBody) emit() {
	if b.finalized {
		return
	}
	b.finalized = true
	if b.recorder != nil {
		b.recorder.RecordSession(*b.session)
	}
}
