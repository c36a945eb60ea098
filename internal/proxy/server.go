// Package proxy implements the per-session credential-injecting
// TLS-interception forward proxy described in spec.md §4.5.
package proxy

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clauderon/clauderon/internal/audit"
	"github.com/clauderon/clauderon/internal/credentials"
	"github.com/clauderon/clauderon/internal/logging"
	"github.com/clauderon/clauderon/internal/session"
)

// Server is one credential proxy instance: either "global" (process-wide,
// no session affinity) or "session-scoped" (filters by the bound session's
// access mode). Per spec.md §4.5's concurrency model, AccessMode is guarded
// by its own RWMutex so update_access_mode takes effect immediately without
// restarting the listener, and the correlation tracker is a lock-free map.
type Server struct {
	CA          *CA
	Rules       []Rule
	Credentials *credentials.Manager
	Audit       *audit.Logger
	SessionID   string // empty for a global proxy

	log         *logging.Logger
	correlation *correlationTracker

	accessMu   sync.RWMutex
	accessMode session.AccessMode

	client *http.Client
}

// New builds a proxy Server. accessMode only matters for a session-scoped
// proxy (sessionID non-empty); a global proxy never rejects by method.
func New(ca *CA, rules []Rule, creds *credentials.Manager, auditLog *audit.Logger, sessionID string, accessMode session.AccessMode, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Default()
	}
	return &Server{
		CA:          ca,
		Rules:       rules,
		Credentials: creds,
		Audit:       auditLog,
		SessionID:   sessionID,
		log:         log,
		correlation: newCorrelationTracker(),
		accessMode:  accessMode,
		client:      &http.Client{Timeout: 60 * time.Second},
	}
}

// UpdateAccessMode swaps the access mode a session-scoped proxy enforces.
// Per spec.md §8 scenario 4, this takes effect on the very next request.
func (s *Server) UpdateAccessMode(mode session.AccessMode) {
	s.accessMu.Lock()
	defer s.accessMu.Unlock()
	s.accessMode = mode
}

func (s *Server) currentAccessMode() session.AccessMode {
	s.accessMu.RLock()
	defer s.accessMu.RUnlock()
	return s.accessMode
}

// ServeHTTP implements http.Handler: a CONNECT request triggers TLS
// interception; any other method is treated as an already-plaintext
// forward-proxy request (used for HTTP_PROXY traffic).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.handleRequest(w, r, r.Host)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := hostOnly(r.Host)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		s.log.WithError(err).Warn("failed to hijack connection", zap.String("host", host))
		return
	}
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	leaf, err := s.CA.LeafFor(host)
	if err != nil {
		s.log.WithError(err).Warn("failed to mint leaf certificate", zap.String("host", host))
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
	})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		s.log.Debug("TLS handshake with agent failed", zap.String("host", host), zap.Error(err))
		return
	}

	s.serveTLSConnection(tlsConn, host)
}

// serveTLSConnection reads successive plaintext HTTP requests off the
// MITM'd connection and proxies each upstream, supporting keep-alive.
func (s *Server) serveTLSConnection(conn net.Conn, host string) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("stopped reading intercepted requests", zap.String("host", host), zap.Error(err))
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = host
		if req.Host == "" {
			req.Host = host
		}

		respWriter := newBufferedResponseWriter(conn)
		s.handleRequest(respWriter, req, host)
		if err := respWriter.Flush(); err != nil {
			return
		}
		if req.Close {
			return
		}
	}
}

// handleRequest applies read-only filtering, rule matching, auth injection,
// upstream forwarding, and audit recording for one request.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, host string) {
	clientAddr := r.RemoteAddr
	if clientAddr == "" {
		clientAddr = host
	}
	correlationID := s.correlation.Start(clientAddr, r.Method, r.URL.Path, host)

	if s.SessionID != "" && s.currentAccessMode() == session.AccessReadOnly && !isSafeMethod(r.Method) {
		s.rejectReadOnly(w, r, clientAddr, correlationID, host)
		return
	}

	authInjected := s.injectAuth(r, host)

	r.RequestURI = ""
	resp, err := s.client.Do(r)
	if err != nil {
		s.respondUpstreamError(w, clientAddr, correlationID, host, r, authInjected, err)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	s.finishAndAudit(clientAddr, correlationID, host, r, authInjected, resp.StatusCode)
}

func (s *Server) rejectReadOnly(w http.ResponseWriter, r *http.Request, clientAddr, correlationID, host string) {
	const body = "Write operations not allowed in read-only mode"
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusForbidden)
	_, _ = io.WriteString(w, body)
	s.finishAndAudit(clientAddr, correlationID, host, r, false, http.StatusForbidden)
}

func (s *Server) respondUpstreamError(w http.ResponseWriter, clientAddr, correlationID, host string, r *http.Request, authInjected bool, err error) {
	class := ClassifyError(err)
	w.Header().Set("X-Proxy-Error-Type", string(class))
	w.WriteHeader(http.StatusBadGateway)
	s.log.Debug("upstream request failed", zap.String("host", host), zap.String("class", string(class)), zap.Error(err))
	s.finishAndAudit(clientAddr, correlationID, host, r, authInjected, http.StatusBadGateway)
}

func (s *Server) finishAndAudit(clientAddr, correlationID, host string, r *http.Request, authInjected bool, responseCode int) {
	_, duration, ok := s.correlation.Finish(clientAddr)
	if !ok {
		s.log.Warn("no in-flight entry for completed request", zap.String("client_addr", clientAddr), zap.String("correlation_id", correlationID))
	}

	var sessionIDPtr *string
	if s.SessionID != "" {
		id := s.SessionID
		sessionIDPtr = &id
	}
	code := responseCode

	s.Audit.Record(audit.Record{
		CorrelationID: correlationID,
		SessionID:     sessionIDPtr,
		Service:       host,
		Method:        r.Method,
		Path:          r.URL.Path,
		AuthInjected:  authInjected,
		ResponseCode:  &code,
		DurationMs:    duration.Milliseconds(),
	})
}

// injectAuth rewrites r's auth header per the first matching rule, per
// spec.md §4.5. Returns whether injection actually happened.
func (s *Server) injectAuth(r *http.Request, host string) bool {
	rule := MatchRule(s.Rules, host)
	if rule == nil {
		return false
	}

	value, ok := s.Credentials.Get(rule.CredentialKey)
	if !ok || value == "" {
		return false
	}

	if rule.CredentialKey == credentials.ServiceAnthropic {
		r.Header.Del("Authorization")
		if !IsValidAnthropicToken(value) {
			s.log.Warn("anthropic credential missing required oauth prefix, skipping injection", zap.String("host", host))
			return false
		}
	}

	r.Header.Set(rule.HeaderName, FormatHeaderValue(rule.Format, value))
	return true
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// bufferedResponseWriter adapts a raw net.Conn to http.ResponseWriter so
// handleRequest can be reused for both the top-level listener (given a real
// http.ResponseWriter by net/http) and the MITM'd per-request loop (given a
// raw connection after TLS termination).
type bufferedResponseWriter struct {
	conn       net.Conn
	buf        *bufio.Writer
	header     http.Header
	statusCode int
	wroteHead  bool
}

func newBufferedResponseWriter(conn net.Conn) *bufferedResponseWriter {
	return &bufferedResponseWriter{conn: conn, buf: bufio.NewWriter(conn), header: make(http.Header)}
}

func (w *bufferedResponseWriter) Header() http.Header { return w.header }

func (w *bufferedResponseWriter) WriteHeader(statusCode int) {
	if w.wroteHead {
		return
	}
	w.wroteHead = true
	w.statusCode = statusCode
	fmt.Fprintf(w.buf, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	_ = w.header.Write(w.buf)
	_, _ = w.buf.WriteString("\r\n")
}

func (w *bufferedResponseWriter) Write(p []byte) (int, error) {
	if !w.wroteHead {
		w.WriteHeader(http.StatusOK)
	}
	return w.buf.Write(p)
}

func (w *bufferedResponseWriter) Flush() error {
	return w.buf.Flush()
}
