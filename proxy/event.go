package proxy

// EventKind labels an observability event.
type EventKind string

const (
	// EventMatch is emitted once per rule applied to a request.
	EventMatch EventKind = "match"
	// EventSkip is emitted for requests no rule matched.
	EventSkip EventKind = "skip"
	// EventResponse carries the upstream status code as it is relayed.
	EventResponse EventKind = "response"
	// EventError marks a session that terminated in the Errored state.
	EventError EventKind = "error"
)

// Event is one record on the observability stream. Format and
// destination are the sink's concern; the core only fans events out to
// the configured addons.
type Event struct {
	Kind       EventKind `json:"event"`
	Host       string    `json:"host"`
	URL        string    `json:"url"`
	Rule       string    `json:"rule,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}
