package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/previewlabs/previewproxy/internal/helper"
	log "github.com/sirupsen/logrus"
)

// entry is the explicit-proxy acceptor: it owns the listening socket
// CONNECT requests and plain proxy requests arrive on. The accept loop
// only accepts and dispatches; full sessions run on the http server's
// per-connection goroutines.
type entry struct {
	proxy  *Proxy
	server *http.Server
}

func newEntry(proxy *Proxy) *entry {
	e := &entry{proxy: proxy}
	e.server = &http.Server{
		Addr:        proxy.Opts.Addr,
		Handler:     e,
		IdleTimeout: proxy.Opts.IdleTimeout,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connContextKey, c.(*wrapClientConn).connCtx)
		},
	}
	return e
}

func (e *entry) start() error {
	addr := e.server.Addr
	if addr == "" {
		addr = ":http"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	log.Infof("Proxy start listen at %v\n", e.server.Addr)
	pln := &wrapListener{
		Listener: ln,
		proxy:    e.proxy,
	}
	return e.server.Serve(pln)
}

func (e *entry) close() error {
	return e.server.Close()
}

func (e *entry) shutdown(ctx context.Context) error {
	return e.server.Shutdown(ctx)
}

func (e *entry) ServeHTTP(res http.ResponseWriter, req *http.Request) {
	// proxy via connect tunnel
	if req.Method == "CONNECT" {
		e.handleConnect(res, req)
		return
	}

	if !req.URL.IsAbs() || req.URL.Host == "" {
		res.WriteHeader(400)
		io.WriteString(res, "this is a proxy server, direct requests are not served\n")
		return
	}

	// plain http proxy request
	connCtx := req.Context().Value(connContextKey).(*ConnContext)
	connCtx.setState(StateHostResolved)
	e.proxy.attacker.initHttpDialFn(req)
	e.proxy.attacker.attack(res, req)
}

func (e *entry) handleConnect(res http.ResponseWriter, req *http.Request) {
	proxy := e.proxy

	log := log.WithFields(log.Fields{
		"in":   "Proxy.entry.handleConnect",
		"host": req.Host,
	})

	if !strings.Contains(req.Host, ":") {
		req.Host = req.Host + ":443"
		req.URL.Host = req.Host
	}

	connCtx := req.Context().Value(connContextKey).(*ConnContext)
	connCtx.setState(StateHostResolved)
	// keep the CONNECT target for sessions that never dial upstream
	connCtx.targetAddr = req.Host

	shouldIntercept := proxy.shouldIntercept == nil || proxy.shouldIntercept(req)
	f := newFlow()
	f.Request = NewRequest(req)
	f.ConnContext = connCtx
	f.ConnContext.Intercept = shouldIntercept
	defer f.finish()

	// trigger addon event Requestheaders
	for _, addon := range proxy.Addons {
		addon.Requestheaders(f)
	}

	if !shouldIntercept {
		log.Debugf("begin transpond %v", req.Host)
		e.directTransfer(res, req, f)
		return
	}

	if f.ConnContext.ClientConn.UpstreamCert {
		e.httpsDialFirstAttack(res, req, f)
		return
	}

	log.Debugf("begin intercept %v", req.Host)
	e.httpsDialLazyAttack(res, req, f)
}

// establishConnection hijacks the client socket and answers the CONNECT
// preamble.
func (e *entry) establishConnection(res http.ResponseWriter, f *Flow) (net.Conn, error) {
	cconn, _, err := res.(http.Hijacker).Hijack()
	if err != nil {
		res.WriteHeader(502)
		return nil, err
	}
	_, err = io.WriteString(cconn, "HTTP/1.1 200 Connection Established\r\n\r\n")
	if err != nil {
		cconn.Close()
		return nil, err
	}

	f.Response = &Response{
		StatusCode: 200,
		Header:     make(http.Header),
	}

	// trigger addon event Responseheaders
	for _, addon := range e.proxy.Addons {
		addon.Responseheaders(f)
	}

	return cconn, nil
}

// directTransfer tunnels an out-of-scope CONNECT verbatim.
func (e *entry) directTransfer(res http.ResponseWriter, req *http.Request, f *Flow) {
	proxy := e.proxy
	log := log.WithFields(log.Fields{
		"in":   "Proxy.entry.directTransfer",
		"host": req.Host,
	})

	conn, err := proxy.getUpstreamConn(req.Context(), req)
	if err != nil {
		log.Error(err)
		res.WriteHeader(502)
		e.errorSession(req, err)
		return
	}
	defer conn.Close()

	cconn, err := e.establishConnection(res, f)
	if err != nil {
		log.Error(err)
		return
	}
	defer cconn.Close()

	transfer(log, conn, cconn)
}

// httpsDialFirstAttack dials upstream before answering the client
// hello, so the client leg can mirror the origin's ALPN choice.
func (e *entry) httpsDialFirstAttack(res http.ResponseWriter, req *http.Request, f *Flow) {
	proxy := e.proxy
	log := log.WithFields(log.Fields{
		"in":   "Proxy.entry.httpsDialFirstAttack",
		"host": req.Host,
	})

	conn, err := proxy.attacker.httpsDial(req.Context(), req)
	if err != nil {
		log.Error(err)
		res.WriteHeader(502)
		e.errorSession(req, err)
		return
	}

	cconn, err := e.establishConnection(res, f)
	if err != nil {
		conn.Close()
		log.Error(err)
		return
	}

	peek, err := cconn.(*wrapClientConn).Peek(3)
	if err != nil {
		cconn.Close()
		conn.Close()
		log.Error(err)
		e.errorSession(req, err)
		return
	}
	if !helper.IsTls(peek) {
		// non-TLS payload inside the tunnel, relay verbatim
		transfer(log, conn, cconn)
		cconn.Close()
		conn.Close()
		return
	}

	// is tls
	f.ConnContext.ClientConn.Tls = true
	proxy.attacker.httpsTlsDial(req.Context(), cconn, conn)
}

// httpsDialLazyAttack answers the client hello first and only dials
// upstream when the first request needs it.
func (e *entry) httpsDialLazyAttack(res http.ResponseWriter, req *http.Request, f *Flow) {
	proxy := e.proxy
	log := log.WithFields(log.Fields{
		"in":   "Proxy.entry.httpsDialLazyAttack",
		"host": req.Host,
	})

	cconn, err := e.establishConnection(res, f)
	if err != nil {
		log.Error(err)
		return
	}

	peek, err := cconn.(*wrapClientConn).Peek(3)
	if err != nil {
		cconn.Close()
		log.Error(err)
		e.errorSession(req, err)
		return
	}

	if !helper.IsTls(peek) {
		conn, err := proxy.attacker.httpsDial(req.Context(), req)
		if err != nil {
			cconn.Close()
			log.Error(err)
			e.errorSession(req, err)
			return
		}
		transfer(log, conn, cconn)
		conn.Close()
		cconn.Close()
		return
	}

	// is tls
	f.ConnContext.ClientConn.Tls = true
	proxy.attacker.httpsLazyAttack(req.Context(), cconn, req)
}

func (e *entry) errorSession(req *http.Request, err error) {
	connCtx := req.Context().Value(connContextKey).(*ConnContext)
	connCtx.setState(StateErrored)
	e.proxy.emit(&Event{
		Kind:  EventError,
		Host:  req.Host,
		URL:   req.URL.String(),
		Error: err.Error(),
	})
}
