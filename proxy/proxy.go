package proxy

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/previewlabs/previewproxy/cert"
	"github.com/previewlabs/previewproxy/internal/helper"
	"github.com/previewlabs/previewproxy/redirect"
	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Options configure a Proxy before Start. The rule set and host scoping
// lists are read-only once the proxy is running.
type Options struct {
	// Addr is the explicit-proxy listen address (CONNECT requests and
	// plain proxy requests). Empty disables the explicit listener.
	Addr string

	// TransparentAddr receives redirected connections with no CONNECT
	// preamble. Empty disables the transparent listener.
	TransparentAddr string

	// Redirector recovers the original destination of a transparently
	// redirected connection. Defaults to the platform resolver.
	Redirector redirect.Resolver

	// CaKeyFile/CaCertFile locate the root key pair. Both empty means
	// an in-memory CA that changes on restart.
	CaKeyFile  string
	CaCertFile string
	NewCaFunc  func() (*cert.CA, error)

	StreamLargeBodies int64 // request/response bodies above this size are streamed, default 5MB
	SslInsecure       bool
	Upstream          string
	IdleTimeout       time.Duration // keep-alive idle limit per connection, default 30s

	// AllowHosts/IgnoreHosts scope which hosts get intercepted. Out of
	// scope connections are tunneled untouched.
	AllowHosts  []string
	IgnoreHosts []string

	Debug int
}

// Stats are process-wide counters, safe for concurrent reads.
type Stats struct {
	ClientsAccepted atomic.Int64 `json:"-"`
	HandshakeErrors atomic.Int64 `json:"-"`
	UpstreamErrors  atomic.Int64 `json:"-"`
}

type Proxy struct {
	Opts    *Options
	Version string
	Addons  []Addon
	Stats   Stats

	registry        *Registry
	entry           *entry
	transparent     *transparent
	attacker        *attacker
	shouldIntercept func(req *http.Request) bool // req is received CONNECT request
}

func NewProxy(opts *Options) (*Proxy, error) {
	if opts.StreamLargeBodies <= 0 {
		opts.StreamLargeBodies = 1024 * 1024 * 5
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	if opts.Redirector == nil {
		opts.Redirector = redirect.System()
	}
	if opts.Upstream != "" {
		if _, err := url.Parse(opts.Upstream); err != nil {
			return nil, fmt.Errorf("parse upstream %v: %w", opts.Upstream, err)
		}
	}

	proxy := &Proxy{
		Opts:    opts,
		Version: "1.0.1",
		Addons:  make([]Addon, 0),
	}
	proxy.registry = newRegistry()

	attacker, err := newAttacker(proxy)
	if err != nil {
		return nil, err
	}
	proxy.attacker = attacker

	proxy.entry = newEntry(proxy)
	if opts.TransparentAddr != "" {
		proxy.transparent = newTransparent(proxy)
	}

	if len(opts.AllowHosts) > 0 || len(opts.IgnoreHosts) > 0 {
		proxy.shouldIntercept = func(req *http.Request) bool {
			if len(opts.IgnoreHosts) > 0 && helper.MatchHost(req.Host, opts.IgnoreHosts) {
				return false
			}
			if len(opts.AllowHosts) > 0 && !helper.MatchHost(req.Host, opts.AllowHosts) {
				return false
			}
			return true
		}
	}

	return proxy, nil
}

func (proxy *Proxy) AddAddon(addon Addon) {
	proxy.Addons = append(proxy.Addons, addon)
}

// Registry exposes the live session registry, keyed by session id.
func (proxy *Proxy) Registry() *Registry {
	return proxy.registry
}

// GetCertificate returns the root certificate clients must trust.
func (proxy *Proxy) GetCertificate() *x509.Certificate {
	return proxy.attacker.ca.GetRootCA()
}

func (proxy *Proxy) Start() error {
	n := 2
	if proxy.transparent != nil {
		n++
	}
	errChan := make(chan error, n)

	go func() {
		errChan <- proxy.attacker.start()
	}()
	go func() {
		errChan <- proxy.entry.start()
	}()
	if proxy.transparent != nil {
		go func() {
			errChan <- proxy.transparent.start()
		}()
	}

	return <-errChan
}

// Close stops the listeners and force-closes every registered session.
// Suspended reads and writes unblock with a close-induced error and each
// session unwinds through its error path.
func (proxy *Proxy) Close() error {
	err := proxy.entry.close()
	if proxy.transparent != nil {
		if terr := proxy.transparent.close(); err == nil {
			err = terr
		}
	}
	proxy.registry.CloseAll()
	return err
}

// Shutdown closes the listeners, then waits for in-flight sessions to
// finish until ctx expires, then force-closes the rest.
func (proxy *Proxy) Shutdown(ctx context.Context) error {
	err := proxy.entry.shutdown(ctx)
	if proxy.transparent != nil {
		if terr := proxy.transparent.close(); err == nil {
			err = terr
		}
	}
	proxy.registry.CloseAll()
	return err
}

// SetShouldInterceptRule overrides the allow/ignore host scoping.
func (proxy *Proxy) SetShouldInterceptRule(rule func(req *http.Request) bool) {
	proxy.shouldIntercept = rule
}

func (proxy *Proxy) emit(ev *Event) {
	for _, addon := range proxy.Addons {
		addon.Event(ev)
	}
}

func clientProxy(upstream string) func(*http.Request) (*url.URL, error) {
	if upstream != "" {
		upstreamUrl, _ := url.Parse(upstream)
		return http.ProxyURL(upstreamUrl)
	}
	return http.ProxyFromEnvironment
}

func (proxy *Proxy) realUpstreamProxy() func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		return clientProxy(proxy.Opts.Upstream)(req)
	}
}

// getUpstreamConn dials the real destination, through the upstream
// proxy when one is configured.
func (proxy *Proxy) getUpstreamConn(ctx context.Context, req *http.Request) (net.Conn, error) {
	address := req.Host
	if req.Method != "CONNECT" && req.URL.IsAbs() {
		address = helper.CanonicalAddr(req.URL)
	}

	proxyUrl, err := clientProxy(proxy.Opts.Upstream)(req)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if proxyUrl != nil {
		conn, err = helper.GetProxyConn(ctx, proxyUrl, address)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", address)
	}
	if err != nil {
		proxy.Stats.UpstreamErrors.Inc()
		return nil, fmt.Errorf("%w: %v: %v", ErrUpstreamDial, address, err)
	}
	return conn, nil
}

func newCa(opts *Options) (*cert.CA, error) {
	if opts.NewCaFunc != nil {
		return opts.NewCaFunc()
	}
	if opts.CaKeyFile == "" && opts.CaCertFile == "" {
		log.Warn("no ca path pair configured, using in-memory ca")
		return cert.NewMemory()
	}
	return cert.Load(opts.CaKeyFile, opts.CaCertFile)
}
