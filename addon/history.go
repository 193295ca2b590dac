package addon

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/previewlabs/previewproxy/proxy"
	log "github.com/sirupsen/logrus"
)

// HistoryEvent is one persisted observability event.
type HistoryEvent struct {
	ID         int64     `json:"id"`
	Event      string    `json:"event"`
	Host       string    `json:"host"`
	URL        string    `json:"url"`
	Rule       string    `json:"rule,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// History persists the event stream to a sqlite database so rewrite
// decisions can be inspected after the fact.
type History struct {
	proxy.BaseAddon

	mu sync.Mutex
	db *sql.DB
}

func NewHistory(file string) (*History, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event TEXT NOT NULL,
			host TEXT NOT NULL,
			url TEXT NOT NULL,
			rule TEXT NOT NULL DEFAULT '',
			status_code INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_events_host ON events(host);
	`)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &History{db: db}, nil
}

func (h *History) Event(ev *proxy.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.db.Exec(
		"INSERT INTO events (event, host, url, rule, status_code) VALUES (?, ?, ?, ?, ?)",
		string(ev.Kind), ev.Host, ev.URL, ev.Rule, ev.StatusCode,
	)
	if err != nil {
		log.WithField("in", "History").Error(err)
	}
}

// Recent returns the newest events, newest first.
func (h *History) Recent(limit int) ([]HistoryEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rows, err := h.db.Query(
		"SELECT id, event, host, url, rule, status_code, created_at FROM events ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]HistoryEvent, 0, limit)
	for rows.Next() {
		var ev HistoryEvent
		if err := rows.Scan(&ev.ID, &ev.Event, &ev.Host, &ev.URL, &ev.Rule, &ev.StatusCode, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (h *History) Close() error {
	return h.db.Close()
}
