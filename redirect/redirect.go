// Package redirect is the contract between the proxy core and the
// external traffic redirector (iptables/pf rules are managed outside
// this process). The core only needs to recover, per redirected
// connection, the destination the client originally dialed.
package redirect

import "net"

// Resolver recovers the pre-redirect original destination ("host:port",
// host is an IP literal) of a transparently redirected connection.
type Resolver interface {
	OriginalDst(conn net.Conn) (string, error)
}

// Func adapts a plain function to a Resolver.
type Func func(conn net.Conn) (string, error)

func (f Func) OriginalDst(conn net.Conn) (string, error) {
	return f(conn)
}

// Static always reports the same destination. Useful in tests and for
// redirectors that steer a single target port.
func Static(address string) Resolver {
	return Func(func(net.Conn) (string, error) {
		return address, nil
	})
}
