package addon

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/previewlabs/previewproxy/proxy"
	log "github.com/sirupsen/logrus"
)

// Dumper writes request/response summaries to a file, one exchange per
// block. Level 1 adds decoded text bodies.
type Dumper struct {
	proxy.BaseAddon
	Out   io.Writer
	Level int // 0: header, 1: header + body
}

func NewDumper(file string, level int) *Dumper {
	out, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		panic(err)
	}
	if level != 1 {
		level = 0
	}
	return &Dumper{Out: out, Level: level}
}

func (d *Dumper) Requestheaders(f *proxy.Flow) {
	go func() {
		<-f.Done()
		d.dump(f)
	}()
}

func (d *Dumper) dump(f *proxy.Flow) {
	log := log.WithField("in", "Dumper")

	buf := bytes.NewBuffer(make([]byte, 0))
	fmt.Fprintf(buf, "%s %s %s\r\n", f.Request.Method, f.Request.URL.RequestURI(), f.Request.Proto)
	fmt.Fprintf(buf, "Host: %s\r\n", f.Request.URL.Host)
	if len(f.Request.Raw().TransferEncoding) > 0 {
		fmt.Fprintf(buf, "Transfer-Encoding: %s\r\n", strings.Join(f.Request.Raw().TransferEncoding, ","))
	}
	if f.Request.Raw().Close {
		fmt.Fprintf(buf, "Connection: close\r\n")
	}

	err := f.Request.Header.WriteSubset(buf, nil)
	if err != nil {
		log.Error(err)
	}
	buf.WriteString("\r\n")

	if d.Level == 1 && f.Request.Body != nil && len(f.Request.Body) > 0 {
		buf.Write(f.Request.Body)
		buf.WriteString("\r\n\r\n")
	}

	if f.Response != nil {
		if d.Level == 1 && f.Response.IsTextContentType() && len(f.Response.Body) > 0 {
			// decode in place so the dumped headers match the dumped body
			f.Response.ReplaceToDecodedBody()
		}

		fmt.Fprintf(buf, "%v %v %v\r\n", f.Request.Proto, f.Response.StatusCode, http.StatusText(f.Response.StatusCode))
		err = f.Response.Header.WriteSubset(buf, nil)
		if err != nil {
			log.Error(err)
		}
		buf.WriteString("\r\n")

		if d.Level == 1 && f.Response.IsTextContentType() && len(f.Response.Body) > 0 {
			buf.Write(f.Response.Body)
			buf.WriteString("\r\n\r\n")
		}
	}

	buf.WriteString("\r\n\r\n")

	_, err = d.Out.Write(buf.Bytes())
	if err != nil {
		log.Error(err)
	}
}
