package addon

import (
	"github.com/previewlabs/previewproxy/proxy"
	"github.com/previewlabs/previewproxy/rule"
)

// HeaderRewrite applies the configured rule set to every intercepted
// request before it is forwarded. Matching is pure: the addon never
// looks at anything but the request host and headers.
type HeaderRewrite struct {
	proxy.BaseAddon
	set *rule.Set
}

func NewHeaderRewrite(set *rule.Set) *HeaderRewrite {
	return &HeaderRewrite{set: set}
}

func (a *HeaderRewrite) Requestheaders(f *proxy.Flow) {
	if f.Request.Raw().Method == "CONNECT" {
		return
	}

	host := f.Request.Host()
	matched := a.set.Apply(host, f.Request.Header)
	if len(matched) == 0 {
		f.Emit(&proxy.Event{Kind: proxy.EventSkip})
		return
	}
	for _, r := range matched {
		f.Emit(&proxy.Event{
			Kind: proxy.EventMatch,
			Rule: r.String(),
		})
	}
}
