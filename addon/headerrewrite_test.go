package addon

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/previewlabs/previewproxy/proxy"
	"github.com/previewlabs/previewproxy/rule"
	"github.com/stretchr/testify/require"
)

func mustSet(t *testing.T, rules []rule.Rule) *rule.Set {
	t.Helper()
	set, err := rule.NewSet(rules)
	require.NoError(t, err)
	return set
}

func newTestFlow(t *testing.T, method, rawurl string) *proxy.Flow {
	t.Helper()
	u, err := url.Parse(rawurl)
	require.NoError(t, err)
	raw := &http.Request{Method: method, URL: u, Proto: "HTTP/1.1", Host: u.Host, Header: make(http.Header)}
	return &proxy.Flow{Request: proxy.NewRequest(raw)}
}

func TestHeaderRewriteSetsHeader(t *testing.T) {
	set := mustSet(t, []rule.Rule{
		{HostContains: "example", Header: rule.DefaultHeader, Value: "token-1"},
	})
	a := NewHeaderRewrite(set)

	f := newTestFlow(t, "GET", "https://www.example.com/path")
	a.Requestheaders(f)
	require.Equal(t, "token-1", f.Request.Header.Get(rule.DefaultHeader))
}

func TestHeaderRewriteNoMatchLeavesHeaders(t *testing.T) {
	set := mustSet(t, []rule.Rule{
		{HostContains: "example", Header: rule.DefaultHeader, Value: "token-1"},
	})
	a := NewHeaderRewrite(set)

	f := newTestFlow(t, "GET", "https://www.other.com/path")
	f.Request.Header.Set("Accept", "text/html")
	a.Requestheaders(f)
	require.Empty(t, f.Request.Header.Get(rule.DefaultHeader))
	require.Equal(t, "text/html", f.Request.Header.Get("Accept"))
}

func TestHeaderRewriteLastRuleWins(t *testing.T) {
	set := mustSet(t, []rule.Rule{
		{HostContains: "example", Header: rule.DefaultHeader, Value: "first"},
		{HostContains: "example.com", Header: rule.DefaultHeader, Value: "second"},
	})
	a := NewHeaderRewrite(set)

	f := newTestFlow(t, "GET", "https://www.example.com/")
	a.Requestheaders(f)
	require.Equal(t, "second", f.Request.Header.Get(rule.DefaultHeader))
}

func TestHeaderRewriteSkipsConnect(t *testing.T) {
	set := mustSet(t, []rule.Rule{
		{HostContains: "example", Header: rule.DefaultHeader, Value: "token-1"},
	})
	a := NewHeaderRewrite(set)

	f := newTestFlow(t, "CONNECT", "https://www.example.com:443")
	a.Requestheaders(f)
	require.Empty(t, f.Request.Header.Get(rule.DefaultHeader))
}
