package addon

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"testing"

	"github.com/previewlabs/previewproxy/proxy"
	"github.com/stretchr/testify/require"
)

func gzipBody(t *testing.T, body string) []byte {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	w := gzip.NewWriter(buf)
	_, err := w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDumperDecodesTextBodies(t *testing.T) {
	out := bytes.NewBuffer(nil)
	d := &Dumper{Out: out, Level: 1}

	f := newTestFlow(t, "GET", "http://www.example.com/page")
	f.Response = &proxy.Response{
		StatusCode: 200,
		Header: http.Header{
			"Content-Type":     []string{"text/html; charset=utf-8"},
			"Content-Encoding": []string{"gzip"},
		},
		Body: gzipBody(t, "hello preview"),
	}

	d.dump(f)

	require.Contains(t, out.String(), "GET /page HTTP/1.1")
	require.Contains(t, out.String(), "hello preview")
	// the encoding header is dropped along with the encoding itself
	require.NotContains(t, out.String(), "Content-Encoding")
}

func TestDumperHeaderOnlyLevel(t *testing.T) {
	out := bytes.NewBuffer(nil)
	d := &Dumper{Out: out, Level: 0}

	f := newTestFlow(t, "GET", "http://www.example.com/page")
	f.Response = &proxy.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       []byte("hello preview"),
	}

	d.dump(f)

	require.Contains(t, out.String(), "200")
	require.NotContains(t, out.String(), "hello preview")
}
