//go:build linux

package redirect

import (
	"encoding/binary"
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SO_ORIGINAL_DST and IP6T_SO_ORIGINAL_DST share value 80.
const soOriginalDst = 80

// System returns the platform resolver, reading the netfilter
// conntrack entry the REDIRECT target left on the socket.
func System() Resolver {
	return Func(originalDst)
}

func originalDst(conn net.Conn) (string, error) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return "", fmt.Errorf("redirect: not a tcp connection")
	}

	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return "", err
	}

	var addr string
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		// IPv4 first, then the IPv6 conntrack table.
		mreq, err4 := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, soOriginalDst)
		if err4 == nil {
			// Multiaddr holds a raw sockaddr_in.
			ip := net.IPv4(mreq.Multiaddr[4], mreq.Multiaddr[5], mreq.Multiaddr[6], mreq.Multiaddr[7])
			port := binary.BigEndian.Uint16(mreq.Multiaddr[2:4])
			addr = net.JoinHostPort(ip.String(), fmt.Sprint(port))
			return
		}

		var sin6 unix.RawSockaddrInet6
		size := uint32(unsafe.Sizeof(sin6))
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.SOL_IPV6),
			soOriginalDst,
			uintptr(unsafe.Pointer(&sin6)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			sockErr = fmt.Errorf("redirect: SO_ORIGINAL_DST failed: %v (v4), %v (v6)", err4, syscall.Errno(errno))
			return
		}
		ip := net.IP(sin6.Addr[:])
		port := binary.BigEndian.Uint16((*[2]byte)(unsafe.Pointer(&sin6.Port))[:])
		addr = net.JoinHostPort(ip.String(), fmt.Sprint(port))
	})
	if err != nil {
		return "", err
	}
	if sockErr != nil {
		return "", sockErr
	}
	return addr, nil
}
