package addon

import (
	"path/filepath"
	"testing"

	"github.com/previewlabs/previewproxy/proxy"
	"github.com/stretchr/testify/require"
)

func TestHistoryRecordsEvents(t *testing.T) {
	file := filepath.Join(t.TempDir(), "events.db")
	h, err := NewHistory(file)
	require.NoError(t, err)
	defer h.Close()

	h.Event(&proxy.Event{
		Kind: proxy.EventMatch,
		Host: "www.example.com",
		URL:  "https://www.example.com/",
		Rule: "example -> X-Gtm-Server-Preview: token-1",
	})
	h.Event(&proxy.Event{
		Kind:       proxy.EventResponse,
		Host:       "www.example.com",
		URL:        "https://www.example.com/",
		StatusCode: 200,
	})

	events, err := h.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)

	// newest first
	require.Equal(t, "response", events[0].Event)
	require.Equal(t, 200, events[0].StatusCode)
	require.Equal(t, "match", events[1].Event)
	require.Equal(t, "example -> X-Gtm-Server-Preview: token-1", events[1].Rule)
	require.Equal(t, "www.example.com", events[1].Host)
}

func TestHistoryRecentLimit(t *testing.T) {
	file := filepath.Join(t.TempDir(), "events.db")
	h, err := NewHistory(file)
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < 5; i++ {
		h.Event(&proxy.Event{Kind: proxy.EventSkip, Host: "a.test", URL: "http://a.test/"})
	}

	events, err := h.Recent(3)
	require.NoError(t, err)
	require.Len(t, events, 3)
}
