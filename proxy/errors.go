package proxy

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Per-session error taxonomy. Every one of these terminates a single
// session; none escapes to affect other sessions or the accept loops.
var (
	// ErrHandshake wraps TLS handshake failures and malformed CONNECT
	// preambles on the client leg.
	ErrHandshake = errors.New("client handshake failed")

	// ErrUpstreamDial wraps failures to reach the real destination. The
	// session answers the client with a synthesized 502 and closes.
	ErrUpstreamDial = errors.New("upstream dial failed")
)

// Noise produced by clients and origins tearing connections down.
func logErr(log *log.Entry, err error) (loged bool) {
	msg := err.Error()

	strs := []string{
		"read: connection reset by peer",
		"write: broken pipe",
		"i/o timeout",
		"net/http: TLS handshake timeout",
		"use of closed network connection",
		"connection reset by peer",
	}

	for _, str := range strs {
		if strings.Contains(msg, str) {
			log.Debug(err)
			return
		}
	}

	loged = true
	log.Error(err)
	return
}
