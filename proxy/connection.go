package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"sync"

	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// SessionState tracks where an intercepted session is in its lifetime.
type SessionState int32

const (
	StateAccepted SessionState = iota
	StateHostResolved
	StateTLSEstablished
	StateRequestForwarded
	StateResponseRelayed
	StateClosed
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateHostResolved:
		return "host_resolved"
	case StateTLSEstablished:
		return "tls_established"
	case StateRequestForwarded:
		return "request_forwarded"
	case StateResponseRelayed:
		return "response_relayed"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

func (s SessionState) terminal() bool {
	return s == StateClosed || s == StateErrored
}

// client connection
type ClientConn struct {
	Id                 uuid.UUID
	Conn               net.Conn
	Tls                bool
	NegotiatedProtocol string
	UpstreamCert       bool // connect to upstream server to mirror ALPN before answering the client hello

	clientHello *tls.ClientHelloInfo
}

func newClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		Id:           uuid.NewV4(),
		Conn:         c,
		Tls:          false,
		UpstreamCert: true,
	}
}

func (c *ClientConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	m["id"] = c.Id
	m["tls"] = c.Tls
	m["address"] = c.Conn.RemoteAddr().String()
	return json.Marshal(m)
}

// server connection
type ServerConn struct {
	Id      uuid.UUID
	Address string
	Conn    net.Conn

	tlsConn  *tls.Conn
	tlsState *tls.ConnectionState
	client   *http.Client
}

func newServerConn() *ServerConn {
	return &ServerConn{
		Id: uuid.NewV4(),
	}
}

func (c *ServerConn) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	m["id"] = c.Id
	m["address"] = c.Address
	peername := ""
	if c.Conn != nil {
		peername = c.Conn.RemoteAddr().String()
	}
	m["peername"] = peername
	return json.Marshal(m)
}

func (c *ServerConn) TlsState() *tls.ConnectionState {
	return c.tlsState
}

// connection context ctx key
var connContextKey = new(struct{})

// ConnContext is one intercepted session: the client connection plus
// the lazily created upstream connection.
type ConnContext struct {
	ClientConn *ClientConn `json:"clientConn"`
	ServerConn *ServerConn `json:"serverConn"`
	Intercept  bool        `json:"intercept"` // whether to terminate TLS and parse requests
	FlowCount  atomic.Uint32

	proxy              *Proxy
	state              atomic.Int32
	targetAddr         string // transparent mode: pre-redirect original destination
	dialFn             func(ctx context.Context) error
	closeAfterResponse bool // after http response, http server will close the connection
}

func newConnContext(c net.Conn, proxy *Proxy) *ConnContext {
	return &ConnContext{
		ClientConn: newClientConn(c),
		proxy:      proxy,
	}
}

func (connCtx *ConnContext) Id() uuid.UUID {
	return connCtx.ClientConn.Id
}

// State returns the session's current lifecycle state.
func (connCtx *ConnContext) State() SessionState {
	return SessionState(connCtx.state.Load())
}

// TargetHost returns the resolved destination of this session.
func (connCtx *ConnContext) TargetHost() string {
	if connCtx.ServerConn != nil && connCtx.ServerConn.Address != "" {
		return connCtx.ServerConn.Address
	}
	return connCtx.targetAddr
}

// setState moves the session forward. Terminal states stick.
func (connCtx *ConnContext) setState(next SessionState) {
	for {
		cur := connCtx.state.Load()
		if SessionState(cur).terminal() {
			return
		}
		if connCtx.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

// wrap tcpListener for remote client
type wrapListener struct {
	net.Listener
	proxy *Proxy
}

func (l *wrapListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	proxy := l.proxy
	wc := newWrapClientConn(c, proxy)
	connCtx := newConnContext(wc, proxy)
	wc.connCtx = connCtx

	proxy.Stats.ClientsAccepted.Inc()
	proxy.registry.register(connCtx)
	for _, addon := range proxy.Addons {
		addon.ClientConnected(connCtx.ClientConn)
	}

	return wc, nil
}

// wrap tcpConn for remote client
type wrapClientConn struct {
	net.Conn
	r       *bufio.Reader
	proxy   *Proxy
	connCtx *ConnContext

	closeMu   sync.Mutex
	closed    bool
	closeErr  error
	closeChan chan struct{}
}

func newWrapClientConn(c net.Conn, proxy *Proxy) *wrapClientConn {
	return &wrapClientConn{
		Conn:      c,
		r:         bufio.NewReader(c),
		proxy:     proxy,
		closeChan: make(chan struct{}),
	}
}

func (c *wrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *wrapClientConn) Read(data []byte) (int, error) {
	return c.r.Read(data)
}

func (c *wrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	log.Debugln("in wrapClientConn close", c.connCtx.ClientConn.Conn.RemoteAddr())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()
	close(c.closeChan)

	c.connCtx.setState(StateClosed)
	c.proxy.registry.unregister(c.connCtx.Id())

	for _, addon := range c.proxy.Addons {
		addon.ClientDisconnected(c.connCtx.ClientConn)
	}

	if c.connCtx.ServerConn != nil && c.connCtx.ServerConn.Conn != nil {
		c.connCtx.ServerConn.Conn.Close()
	}

	return c.closeErr
}

// wrap tcpConn for remote server
type wrapServerConn struct {
	net.Conn
	proxy   *Proxy
	connCtx *ConnContext

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

func (c *wrapServerConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return c.closeErr
	}
	log.Debugln("in wrapServerConn close", c.connCtx.ClientConn.Conn.RemoteAddr())

	c.closed = true
	c.closeErr = c.Conn.Close()
	c.closeMu.Unlock()

	for _, addon := range c.proxy.Addons {
		addon.ServerDisconnected(c.connCtx)
	}

	if !c.connCtx.ClientConn.Tls {
		if wc, ok := c.connCtx.ClientConn.Conn.(*wrapClientConn); ok {
			if tc, ok := wc.Conn.(*net.TCPConn); ok {
				tc.CloseRead()
			}
		}
	} else {
		// if keep-alive connection close
		if !c.connCtx.closeAfterResponse {
			c.connCtx.ClientConn.Conn.Close()
		}
	}

	return c.closeErr
}
