// Package web exposes the live observability event stream over a
// websocket endpoint plus a small stats endpoint, for tailing rewrite
// decisions without scraping logs.
package web

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/previewlabs/previewproxy/proxy"
	_log "github.com/sirupsen/logrus"
)

var log = _log.WithField("at", "web addon")

type WebAddon struct {
	proxy.BaseAddon
	addr      string
	proxy     *proxy.Proxy
	upgrader  *websocket.Upgrader
	serverMux *http.ServeMux
	server    *http.Server

	conns   []*concurrentConn
	connsMu sync.RWMutex
}

func NewWebAddon(addr string, p *proxy.Proxy) *WebAddon {
	web := new(WebAddon)
	web.addr = addr
	web.proxy = p
	web.upgrader = &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	web.serverMux = new(http.ServeMux)
	web.serverMux.HandleFunc("/events", web.events)
	web.serverMux.HandleFunc("/stats", web.stats)

	web.server = &http.Server{Addr: web.addr, Handler: web.serverMux}
	log = log.WithField("in", "WebAddon")
	web.conns = make([]*concurrentConn, 0)

	go func() {
		log.Infof("server start listen at %v\n", web.addr)
		err := web.server.ListenAndServe()
		log.Error(err)
	}()

	return web
}

// events upgrades to a websocket and streams every observability event
// as one JSON text message.
func (web *WebAddon) events(w http.ResponseWriter, r *http.Request) {
	c, err := web.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}

	conn := newConn(c)
	web.addConn(conn)
	defer func() {
		web.removeConn(conn)
		c.Close()
	}()

	conn.readloop()
}

func (web *WebAddon) stats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"clients_accepted": web.proxy.Stats.ClientsAccepted.Load(),
		"handshake_errors": web.proxy.Stats.HandshakeErrors.Load(),
		"upstream_errors":  web.proxy.Stats.UpstreamErrors.Load(),
		"active_sessions":  web.proxy.Registry().Len(),
	})
}

func (web *WebAddon) addConn(c *concurrentConn) {
	web.connsMu.Lock()
	web.conns = append(web.conns, c)
	web.connsMu.Unlock()
}

func (web *WebAddon) removeConn(conn *concurrentConn) {
	web.connsMu.Lock()
	defer web.connsMu.Unlock()

	index := -1
	for i, c := range web.conns {
		if conn == c {
			index = i
			break
		}
	}

	if index == -1 {
		return
	}
	web.conns = append(web.conns[:index], web.conns[index+1:]...)
}

func (web *WebAddon) Event(ev *proxy.Event) {
	web.connsMu.RLock()
	conns := web.conns
	web.connsMu.RUnlock()

	if len(conns) == 0 {
		return
	}

	b, err := json.Marshal(ev)
	if err != nil {
		log.Error(err)
		return
	}
	for _, c := range conns {
		c.writeMessage(b)
	}
}
