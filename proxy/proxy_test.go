package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/previewlabs/previewproxy/cert"
	"github.com/previewlabs/previewproxy/redirect"
	"github.com/previewlabs/previewproxy/rule"
)

func handleError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func testSendRequest(t *testing.T, endpoint string, client *http.Client, bodyWant string) {
	t.Helper()
	req, err := http.NewRequest("GET", endpoint, nil)
	handleError(t, err)
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	handleError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	handleError(t, err)
	if string(body) != bodyWant {
		t.Fatalf("expected %s, but got %s", bodyWant, body)
	}
}

// rewriteAddon applies a rule set, the way the headerrewrite addon does,
// without importing it (the addon package depends on this one).
type rewriteAddon struct {
	BaseAddon
	set *rule.Set
}

func (a *rewriteAddon) Requestheaders(f *Flow) {
	if f.Request.Raw().Method == "CONNECT" {
		return
	}
	matched := a.set.Apply(f.Request.Host(), f.Request.Header)
	if len(matched) == 0 {
		f.Emit(&Event{Kind: EventSkip})
		return
	}
	for _, r := range matched {
		f.Emit(&Event{Kind: EventMatch, Rule: r.String()})
	}
}

// eventRecorder captures the observability stream for assertions.
type eventRecorder struct {
	BaseAddon
	mu     sync.Mutex
	events []Event
}

func (a *eventRecorder) Event(ev *Event) {
	a.mu.Lock()
	a.events = append(a.events, *ev)
	a.mu.Unlock()
}

func (a *eventRecorder) byKind(kind EventKind) []Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range a.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (a *eventRecorder) reset() {
	a.mu.Lock()
	a.events = a.events[:0]
	a.mu.Unlock()
}

func TestProxy(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	// echoes the preview header back so tests can observe what the
	// origin received
	mux.HandleFunc("/echo-header", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get(rule.DefaultHeader)))
	})

	// start http server
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	handleError(t, err)
	defer ln.Close()
	go http.Serve(ln, mux)

	// start https server, its leaf signed by a throwaway root
	tlsLn, err := net.Listen("tcp", "127.0.0.1:0")
	handleError(t, err)
	defer tlsLn.Close()
	originCa, err := cert.NewMemory()
	handleError(t, err)
	originLeaf, err := originCa.GetCert("localhost")
	handleError(t, err)
	go http.Serve(tls.NewListener(tlsLn, &tls.Config{
		Certificates: []tls.Certificate{*originLeaf},
	}), mux)

	httpEndpoint := "http://" + ln.Addr().String() + "/"
	httpsPort := tlsLn.Addr().(*net.TCPAddr).Port
	httpsEndpoint := "https://localhost:" + strconv.Itoa(httpsPort) + "/"

	set, err := rule.NewSet([]rule.Rule{
		{HostContains: "localhost", Header: rule.DefaultHeader, Value: "token-1"},
		{HostContains: "127.0.0.1", Header: rule.DefaultHeader, Value: "token-2"},
	})
	handleError(t, err)

	recorder := &eventRecorder{}

	// start proxy
	testProxy, err := NewProxy(&Options{
		Addr:            ":29080",
		TransparentAddr: ":29082",
		Redirector:      redirect.Static(ln.Addr().String()),
		SslInsecure:     true,
	})
	handleError(t, err)
	testProxy.AddAddon(&LogAddon{})
	testProxy.AddAddon(&rewriteAddon{set: set})
	testProxy.AddAddon(recorder)
	go testProxy.Start()
	time.Sleep(time.Millisecond * 10) // wait for test proxy startup
	defer testProxy.Close()

	getProxyClient := func() *http.Client {
		return &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
				Proxy: func(r *http.Request) (*url.URL, error) {
					return url.Parse("http://127.0.0.1:29080")
				},
			},
		}
	}

	t.Run("can proxy http", func(t *testing.T) {
		testSendRequest(t, httpEndpoint, getProxyClient(), "ok")
	})

	t.Run("can proxy https", func(t *testing.T) {
		testSendRequest(t, httpsEndpoint, getProxyClient(), "ok")
	})

	t.Run("rewrites header on http", func(t *testing.T) {
		testSendRequest(t, httpEndpoint+"echo-header", getProxyClient(), "token-2")
	})

	t.Run("rewrites header on https", func(t *testing.T) {
		testSendRequest(t, httpsEndpoint+"echo-header", getProxyClient(), "token-1")
	})

	t.Run("no rewrite without proxy", func(t *testing.T) {
		testSendRequest(t, httpEndpoint+"echo-header", nil, "")
	})

	t.Run("emits match and response events", func(t *testing.T) {
		recorder.reset()
		testSendRequest(t, httpsEndpoint+"echo-header", getProxyClient(), "token-1")

		matches := recorder.byKind(EventMatch)
		if len(matches) != 1 {
			t.Fatalf("expected 1 match event, got %v", len(matches))
		}
		if matches[0].Host != "localhost" {
			t.Fatalf("expected host localhost, got %v", matches[0].Host)
		}
		if matches[0].Rule == "" {
			t.Fatal("match event should carry the rule")
		}

		responses := recorder.byKind(EventResponse)
		if len(responses) != 1 {
			t.Fatalf("expected 1 response event, got %v", len(responses))
		}
		if responses[0].StatusCode != 200 {
			t.Fatalf("expected status code 200, got %v", responses[0].StatusCode)
		}
	})

	t.Run("emits skip event when no rule matches", func(t *testing.T) {
		skipSet, err := rule.NewSet([]rule.Rule{
			{HostContains: "no-such-host", Header: rule.DefaultHeader, Value: "x"},
		})
		handleError(t, err)

		skipRecorder := &eventRecorder{}
		skipProxy, err := NewProxy(&Options{
			Addr:        ":29081",
			SslInsecure: true,
		})
		handleError(t, err)
		skipProxy.AddAddon(&rewriteAddon{set: skipSet})
		skipProxy.AddAddon(skipRecorder)
		go skipProxy.Start()
		time.Sleep(time.Millisecond * 10)
		defer skipProxy.Close()

		client := &http.Client{
			Transport: &http.Transport{
				Proxy: func(r *http.Request) (*url.URL, error) {
					return url.Parse("http://127.0.0.1:29081")
				},
			},
		}
		testSendRequest(t, httpEndpoint+"echo-header", client, "")

		if len(skipRecorder.byKind(EventSkip)) != 1 {
			t.Fatal("expected a skip event")
		}
		if len(skipRecorder.byKind(EventMatch)) != 0 {
			t.Fatal("expected no match event")
		}
	})

	t.Run("synthesizes 502 on upstream dial failure", func(t *testing.T) {
		recorder.reset()
		req, err := http.NewRequest("GET", "http://127.0.0.1:1/", nil)
		handleError(t, err)
		resp, err := getProxyClient().Do(req)
		handleError(t, err)
		defer resp.Body.Close()
		if resp.StatusCode != 502 {
			t.Fatalf("expected 502, got %v", resp.StatusCode)
		}
		if len(recorder.byKind(EventError)) == 0 {
			t.Fatal("expected an error event")
		}
	})

	t.Run("transparent plain http", func(t *testing.T) {
		// the transport dials the transparent listener, standing in for
		// an iptables REDIRECT
		client := &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return net.Dial("tcp", "127.0.0.1:29082")
				},
			},
		}
		testSendRequest(t, httpEndpoint+"echo-header", client, "token-2")
	})

	t.Run("transparent tls with sni", func(t *testing.T) {
		tlsProxy, err := NewProxy(&Options{
			Addr:            ":29083",
			TransparentAddr: ":29084",
			Redirector:      redirect.Static(tlsLn.Addr().String()),
			SslInsecure:     true,
		})
		handleError(t, err)
		tlsProxy.AddAddon(&rewriteAddon{set: set})
		go tlsProxy.Start()
		time.Sleep(time.Millisecond * 10)
		defer tlsProxy.Close()

		client := &http.Client{
			Transport: &http.Transport{
				DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return tls.Dial("tcp", "127.0.0.1:29084", &tls.Config{
						ServerName:         "localhost",
						InsecureSkipVerify: true,
					})
				},
			},
		}
		testSendRequest(t, httpsEndpoint+"echo-header", client, "token-1")
	})

	t.Run("lazy attack without upstream cert", func(t *testing.T) {
		lazyRecorder := &eventRecorder{}
		lazyProxy, err := NewProxy(&Options{
			Addr:        ":29085",
			SslInsecure: true,
		})
		handleError(t, err)
		lazyProxy.AddAddon(NewUpstreamCertAddon(false))
		lazyProxy.AddAddon(&rewriteAddon{set: set})
		lazyProxy.AddAddon(lazyRecorder)
		go lazyProxy.Start()
		time.Sleep(time.Millisecond * 10)
		defer lazyProxy.Close()

		lazyClient := &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
				Proxy: func(r *http.Request) (*url.URL, error) {
					return url.Parse("http://127.0.0.1:29085")
				},
			},
		}

		t.Run("rewrites header on https", func(t *testing.T) {
			testSendRequest(t, httpsEndpoint+"echo-header", lazyClient, "token-1")
		})

		t.Run("handshake failure event carries the connect target", func(t *testing.T) {
			lazyRecorder.reset()

			conn, err := net.Dial("tcp", "127.0.0.1:29085")
			handleError(t, err)
			defer conn.Close()

			_, err = conn.Write([]byte("CONNECT preview.example:443 HTTP/1.1\r\nHost: preview.example:443\r\n\r\n"))
			handleError(t, err)
			br := bufio.NewReader(conn)
			resp, err := http.ReadResponse(br, nil)
			handleError(t, err)
			resp.Body.Close()
			if resp.StatusCode != 200 {
				t.Fatalf("expected 200 Connection Established, got %v", resp.StatusCode)
			}

			// a TLS record header followed by junk, never a valid hello
			_, err = conn.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x04, 0xde, 0xad, 0xbe, 0xef})
			handleError(t, err)

			deadline := time.Now().Add(time.Second)
			for {
				errs := lazyRecorder.byKind(EventError)
				if len(errs) > 0 {
					if errs[0].Host != "preview.example:443" {
						t.Fatalf("expected host preview.example:443, got %q", errs[0].Host)
					}
					break
				}
				if time.Now().After(deadline) {
					t.Fatal("no error event after failed handshake")
				}
				time.Sleep(10 * time.Millisecond)
			}
		})
	})

	t.Run("close sweeps live sessions", func(t *testing.T) {
		sweepProxy, err := NewProxy(&Options{
			Addr:        ":29086",
			SslInsecure: true,
		})
		handleError(t, err)
		go sweepProxy.Start()
		time.Sleep(time.Millisecond * 10)

		client := &http.Client{
			Transport: &http.Transport{
				Proxy: func(r *http.Request) (*url.URL, error) {
					return url.Parse("http://127.0.0.1:29086")
				},
			},
		}
		testSendRequest(t, httpEndpoint, client, "ok")

		// the keep-alive session stays registered after the response
		if sweepProxy.Registry().Len() == 0 {
			t.Fatal("expected a live session in the registry")
		}

		sweepProxy.Close()

		deadline := time.Now().Add(time.Second)
		for sweepProxy.Registry().Len() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("registry not empty after Close: %v sessions", sweepProxy.Registry().Len())
			}
			time.Sleep(10 * time.Millisecond)
		}
	})
}
