package proxy

import (
	"io"
	"net"

	log "github.com/sirupsen/logrus"
)

// transfer pumps bytes both ways until either side closes.
func transfer(log *log.Entry, server, client io.ReadWriteCloser) {
	done := make(chan struct{})
	defer close(done)

	errChan := make(chan error)
	go func() {
		_, err := io.Copy(server, client)
		log.Debugln("client copy end", err)
		client.Close()
		select {
		case errChan <- err:
		case <-done:
		}
	}()
	go func() {
		_, err := io.Copy(client, server)
		log.Debugln("server copy end", err)
		server.Close()
		if clientConn, ok := client.(*wrapClientConn); ok {
			if tc, ok := clientConn.Conn.(*net.TCPConn); ok {
				tc.CloseRead()
			}
		}
		select {
		case errChan <- err:
		case <-done:
		}
	}()

	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			logErr(log, err)
			return // early return, the other goroutine hits the closed conn
		}
	}
}
