package model

// Session is a browser session as reported by the upstream service.
// Sessions belong to the upstream; the relay only observes them.
type Session struct {
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Idle reports whether no browser connection is attached to the session.
func (s Session) Idle() bool {
	return s.ConnectionID == ""
}

// SessionList is the body of GET /v1/sessions.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}

// AcquireResponse is the body of GET /v1/acquire.
type AcquireResponse struct {
	SessionID string `json:"sessionId"`
}
