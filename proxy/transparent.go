package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/previewlabs/previewproxy/internal/helper"
	log "github.com/sirupsen/logrus"
)

// transparent accepts connections redirected by an external traffic
// redirector (iptables REDIRECT or equivalent). The client never speaks
// the proxy protocol here, so the destination comes from the socket's
// original address and the TLS SNI.
type transparent struct {
	proxy *Proxy

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func newTransparent(proxy *Proxy) *transparent {
	return &transparent{proxy: proxy}
}

func (t *transparent) start() error {
	ln, err := net.Listen("tcp", t.proxy.Opts.TransparentAddr)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ln.Close()
		return nil
	}
	t.listener = ln
	t.mu.Unlock()

	log.Infof("Transparent proxy start listen at %v\n", t.proxy.Opts.TransparentAddr)

	pln := &wrapListener{
		Listener: ln,
		proxy:    t.proxy,
	}
	for {
		conn, err := pln.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		go t.handleConn(conn.(*wrapClientConn))
	}
}

func (t *transparent) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

func (t *transparent) handleConn(cconn *wrapClientConn) {
	proxy := t.proxy
	connCtx := cconn.connCtx
	log := log.WithFields(log.Fields{
		"in":   "Proxy.transparent.handleConn",
		"host": cconn.RemoteAddr().String(),
	})

	dst, err := proxy.Opts.Redirector.OriginalDst(cconn.Conn)
	if err != nil {
		log.Error(err)
		connCtx.setState(StateErrored)
		proxy.emit(&Event{
			Kind:  EventError,
			Error: "resolve original destination: " + err.Error(),
		})
		cconn.Close()
		return
	}
	connCtx.targetAddr = dst
	connCtx.setState(StateHostResolved)
	connCtx.Intercept = true

	peek, err := cconn.Peek(3)
	if err != nil {
		logErr(log, err)
		connCtx.setState(StateErrored)
		cconn.Close()
		return
	}

	if !helper.IsTls(peek) {
		t.handlePlainConn(cconn)
		return
	}
	cconn.connCtx.ClientConn.Tls = true
	t.handleTlsConn(cconn)
}

// handlePlainConn feeds a redirected http connection straight to the
// attacker; the Host header names the destination.
func (t *transparent) handlePlainConn(cconn *wrapClientConn) {
	connCtx := cconn.connCtx
	connCtx.dialFn = func(ctx context.Context) error {
		return t.dialTarget(ctx, connCtx, false)
	}
	t.proxy.attacker.servePlainConn(cconn, connCtx)
}

// handleTlsConn terminates the client TLS leg. The leaf certificate
// name comes from the SNI, or from the original destination address
// when the hello carries none.
func (t *transparent) handleTlsConn(cconn *wrapClientConn) {
	proxy := t.proxy
	connCtx := cconn.connCtx
	log := log.WithFields(log.Fields{
		"in":   "Proxy.transparent.handleTlsConn",
		"host": connCtx.targetAddr,
	})

	clientTlsConn := tls.Server(cconn, &tls.Config{
		SessionTicketsDisabled: true, // GetConfigForClient must run for every handshake
		GetConfigForClient: func(chi *tls.ClientHelloInfo) (*tls.Config, error) {
			connCtx.ClientConn.clientHello = chi
			c, err := proxy.attacker.getCertForHello(chi, connCtx)
			if err != nil {
				return nil, err
			}
			return &tls.Config{
				SessionTicketsDisabled: true,
				Certificates:           []tls.Certificate{*c},
				NextProtos:             []string{"http/1.1"},
			}, nil
		},
	})
	if err := clientTlsConn.Handshake(); err != nil {
		cconn.Close()
		proxy.attacker.handshakeFailed(connCtx, log, err)
		return
	}

	connCtx.dialFn = func(ctx context.Context) error {
		return t.dialTarget(ctx, connCtx, true)
	}

	// will go to attacker.ServeHTTP
	proxy.attacker.serveConn(clientTlsConn, connCtx)
}

// dialTarget connects to the session's original destination and
// optionally runs the origin TLS leg.
func (t *transparent) dialTarget(ctx context.Context, connCtx *ConnContext, useTls bool) error {
	proxy := t.proxy

	plainConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", connCtx.targetAddr)
	if err != nil {
		proxy.Stats.UpstreamErrors.Inc()
		return fmt.Errorf("%w: %v: %v", ErrUpstreamDial, connCtx.targetAddr, err)
	}

	serverConn := newServerConn()
	serverConn.Address = connCtx.targetAddr
	serverConn.Conn = &wrapServerConn{
		Conn:    plainConn,
		proxy:   proxy,
		connCtx: connCtx,
	}
	connCtx.ServerConn = serverConn
	for _, addon := range proxy.Addons {
		addon.ServerConnected(connCtx)
	}

	if !useTls {
		serverConn.client = newPlainClient(serverConn.Conn)
		return nil
	}
	return proxy.attacker.serverTlsHandshake(ctx, connCtx)
}

// newPlainClient builds an http client pinned to an existing tcp conn.
func newPlainClient(conn net.Conn) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return conn, nil
			},
			ForceAttemptHTTP2:  false,
			DisableCompression: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
