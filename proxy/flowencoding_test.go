package proxy

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func encodedResponse(t *testing.T, enc string, body []byte) *Response {
	t.Helper()
	buf := bytes.NewBuffer(nil)
	switch enc {
	case "gzip":
		w := gzip.NewWriter(buf)
		w.Write(body)
		w.Close()
	case "br":
		w := brotli.NewWriter(buf)
		w.Write(body)
		w.Close()
	case "zstd":
		w, err := zstd.NewWriter(buf)
		handleError(t, err)
		w.Write(body)
		w.Close()
	default:
		buf.Write(body)
	}

	header := make(http.Header)
	if enc != "" {
		header.Set("Content-Encoding", enc)
	}
	return &Response{StatusCode: 200, Header: header, Body: buf.Bytes()}
}

func TestDecodedBody(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")

	for _, enc := range []string{"", "gzip", "br", "zstd"} {
		name := enc
		if name == "" {
			name = "identity"
		}
		t.Run(name, func(t *testing.T) {
			res := encodedResponse(t, enc, want)
			got, err := res.DecodedBody()
			handleError(t, err)
			if !bytes.Equal(got, want) {
				t.Fatalf("expected %q, got %q", want, got)
			}
		})
	}
}

func TestDecodedBodyUnknownEncoding(t *testing.T) {
	res := &Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Encoding": []string{"snappy"}},
		Body:       []byte("x"),
	}
	if _, err := res.DecodedBody(); err == nil {
		t.Fatal("expected an error for unknown encoding")
	}
}

func TestIsTextContentType(t *testing.T) {
	cases := map[string]bool{
		"text/html; charset=utf-8": true,
		"application/json":         true,
		"application/javascript":   true,
		"image/png":                false,
		"":                         false,
	}
	for contentType, want := range cases {
		header := make(http.Header)
		if contentType != "" {
			header.Set("Content-Type", contentType)
		}
		res := &Response{Header: header}
		if res.IsTextContentType() != want {
			t.Fatalf("IsTextContentType(%q) should be %v", contentType, want)
		}
	}
}
