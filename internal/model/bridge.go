package model

import "time"

// BridgeState represents the lifecycle state of a bridge.
type BridgeState string

const (
	BridgeStateConnecting   BridgeState = "connecting"
	BridgeStateBridging     BridgeState = "bridging"
	BridgeStateReconnecting BridgeState = "reconnecting"
	BridgeStateClosed       BridgeState = "closed"

	// BridgeStateAbandoned marks journal rows left open by a previous process.
	BridgeStateAbandoned BridgeState = "abandoned"
)

// BridgeRecord is the journal entry describing one client connection.
type BridgeRecord struct {
	ID          string      `json:"id"`
	RemoteAddr  string      `json:"remoteAddr"`
	SessionID   string      `json:"sessionId,omitempty"`
	Reused      bool        `json:"reused"`
	State       BridgeState `json:"state"`
	CloseCode   *int        `json:"closeCode,omitempty"`
	CloseReason string      `json:"closeReason,omitempty"`
	Reconnects  int         `json:"reconnects"`
	CreatedAt   time.Time   `json:"createdAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Duration returns how long the bridge has existed, or existed until its last update once closed.
func (b *BridgeRecord) Duration() time.Duration {
	if b.State == BridgeStateClosed || b.State == BridgeStateAbandoned {
		return b.UpdatedAt.Sub(b.CreatedAt)
	}
	return time.Since(b.CreatedAt)
}
