package proxy

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

var errEncodingNotSupport = errors.New("content-encoding not support")

var textContentTypes = []string{
	"text",
	"javascript",
	"json",
}

func (r *Response) IsTextContentType() bool {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return false
	}
	for _, substr := range textContentTypes {
		if strings.Contains(contentType, substr) {
			return true
		}
	}
	return false
}

// DecodedBody undoes the Content-Encoding for observability sinks; the
// bytes relayed to the client stay untouched.
func (r *Response) DecodedBody() ([]byte, error) {
	if len(r.Body) == 0 {
		return r.Body, nil
	}

	enc := r.Header.Get("Content-Encoding")
	if enc == "" || enc == "identity" {
		return r.Body, nil
	}

	decodedBody, decodedErr := decode(enc, r.Body)
	if decodedErr != nil {
		log.Error(decodedErr)
		return nil, decodedErr
	}

	return decodedBody, nil
}

func (r *Response) ReplaceToDecodedBody() {
	body, err := r.DecodedBody()
	if err != nil {
		return
	}

	r.Body = body
	r.Header.Del("Content-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(body)))
	r.Header.Del("Transfer-Encoding")
}

func decode(enc string, body []byte) ([]byte, error) {
	switch enc {
	case "gzip":
		dreader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		if err := dreader.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "deflate":
		dreader := flate.NewReader(bytes.NewReader(body))
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		if err := dreader.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "br":
		dreader := brotli.NewReader(bytes.NewReader(body))
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "zstd":
		dreader, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer dreader.Close()
		buf := bytes.NewBuffer(make([]byte, 0))
		if _, err := io.Copy(buf, dreader.IOReadCloser()); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, errEncodingNotSupport
}
