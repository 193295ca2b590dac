package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	uuid "github.com/satori/go.uuid"
)

// flow http request
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header http.Header
	Body   []byte

	raw *http.Request
}

// NewRequest wraps a received http request into a flow request.
func NewRequest(req *http.Request) *Request {
	return &Request{
		Method: req.Method,
		URL:    req.URL,
		Proto:  req.Proto,
		Header: req.Header,
		raw:    req,
	}
}

func (req *Request) Raw() *http.Request {
	return req.raw
}

// Host returns the request host without port.
func (req *Request) Host() string {
	if req.URL.Hostname() != "" {
		return req.URL.Hostname()
	}
	return req.raw.Host
}

func (req *Request) MarshalJSON() ([]byte, error) {
	r := make(map[string]interface{})
	r["method"] = req.Method
	r["url"] = req.URL.String()
	r["proto"] = req.Proto
	r["header"] = req.Header
	return json.Marshal(r)
}

// flow http response
type Response struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	BodyReader io.Reader   `json:"-"`

	close bool // connection close
}

// Flow is one request/response exchange on a session.
type Flow struct {
	Id          uuid.UUID
	ConnContext *ConnContext
	Request     *Request
	Response    *Response

	// When true, bodies are not buffered and the Request/Response addon
	// hooks are skipped.
	Stream            bool
	UseSeparateClient bool // use separate http client to send http request
	done              chan struct{}
}

func newFlow() *Flow {
	return &Flow{
		Id:   uuid.NewV4(),
		done: make(chan struct{}),
	}
}

func (f *Flow) Done() <-chan struct{} {
	return f.done
}

func (f *Flow) finish() {
	close(f.done)
}

// Emit puts an observability event on the stream.
func (f *Flow) Emit(ev *Event) {
	if ev.Host == "" {
		ev.Host = f.Request.Host()
	}
	if ev.URL == "" {
		ev.URL = f.Request.URL.String()
	}
	if f.ConnContext == nil || f.ConnContext.proxy == nil {
		return
	}
	f.ConnContext.proxy.emit(ev)
}

func (f *Flow) MarshalJSON() ([]byte, error) {
	j := make(map[string]interface{})
	j["id"] = f.Id
	j["request"] = f.Request
	j["response"] = f.Response
	return json.Marshal(j)
}
