//go:build !linux

package redirect

import (
	"errors"
	"net"
)

var errUnsupported = errors.New("redirect: original destination lookup requires linux")

// System returns the platform resolver. Only linux netfilter redirects
// are supported; other platforms must supply their own Resolver.
func System() Resolver {
	return Func(func(net.Conn) (string, error) {
		return "", errUnsupported
	})
}
