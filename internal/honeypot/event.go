package honeypot

import "time"

type Category string

const (
	CategoryConnect    Category = "connect"
	CategoryCommand    Category = "command"
	CategoryAuth       Category = "auth"
	CategoryError      Category = "error"
	CategoryDisconnect Category = "disconnect"
	CategoryReject     Category = "reject"
)

// Event is one append-only record of attacker activity.
type Event struct {
	Timestamp  time.Time         `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	SessionID  string            `json:"session_id,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	Category   Category          `json:"category"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
	Tag        string            `json:"tag,omitempty"`
}

// EventSink receives the events produced by sessions and listeners.
type EventSink interface {
	Record(ev Event)
}
