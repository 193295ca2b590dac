package helper

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// IsTls reports whether buf starts like a TLS handshake record.
func IsTls(buf []byte) bool {
	return len(buf) >= 3 && buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x03
}

// SSLKEYLOGFILE support, so Wireshark can decrypt intercepted traffic.
var tlsKeyLogWriter io.Writer
var tlsKeyLogOnce sync.Once

func GetTlsKeyLogWriter() io.Writer {
	tlsKeyLogOnce.Do(func() {
		logfile := os.Getenv("SSLKEYLOGFILE")
		if logfile == "" {
			return
		}

		writer, err := os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Debugf("GetTlsKeyLogWriter OpenFile error: %v", err)
			return
		}

		tlsKeyLogWriter = writer
	})
	return tlsKeyLogWriter
}
