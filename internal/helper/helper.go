package helper

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
)

func NewStructFromFile(filename string, v interface{}) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

var portMap = map[string]string{
	"http":  "80",
	"https": "443",
}

// CanonicalAddr returns url.Host but always with a ":port" suffix.
func CanonicalAddr(url *url.URL) string {
	port := url.Port()
	if port == "" {
		port = portMap[url.Scheme]
	}
	return net.JoinHostPort(url.Hostname(), port)
}

// SplitHostPort is like net.SplitHostPort but tolerates a missing port.
func SplitHostPort(address string) (string, string) {
	index := strings.LastIndex(address, ":")
	if index == -1 {
		return address, ""
	}
	return address[:index], address[index+1:]
}

// ReaderToBuffer drains r up to limit bytes. When the limit is reached
// the buffered prefix is stitched back onto the reader and a nil buffer
// is returned, signalling the caller to stream instead.
func ReaderToBuffer(r io.Reader, limit int64) ([]byte, io.Reader, error) {
	buf := bytes.NewBuffer(make([]byte, 0))
	lr := io.LimitReader(r, limit)

	_, err := io.Copy(buf, lr)
	if err != nil {
		return nil, nil, err
	}

	if int64(buf.Len()) == limit {
		return nil, io.MultiReader(bytes.NewBuffer(buf.Bytes()), r), nil
	}

	return buf.Bytes(), nil, nil
}
