package call

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Cancellation reasons delivered to a user's non-controlling sessions when
// the call resolves elsewhere.
const (
	ReasonAcceptedElsewhere = "accepted_elsewhere"
	ReasonRejectedElsewhere = "rejected_elsewhere"
	ReasonRejected          = "rejected"
	ReasonHangup            = "hangup"
)

// Join and start failure reasons.
const (
	ReasonBusy       = "busy"
	ReasonOffline    = "offline"
	ReasonNotInCall  = "not_in_call"
	ReasonNoApprover = "no_approver"
	ReasonEnded      = "ended"
	ReasonAlone      = "alone"
)

// IncomingCall rings every session of the callee.
type IncomingCall struct {
	Type         string    `json:"type"`
	RoomID       uuid.UUID `json:"roomId"`
	FromUserID   uuid.UUID `json:"fromUserId"`
	FromUsername string    `json:"fromUsername"`
}

// StartResult answers a callStart. A busy callee yields ok=false with
// reason "busy", which moves the client into the join flow.
type StartResult struct {
	Type   string     `json:"type"`
	OK     bool       `json:"ok"`
	Reason string     `json:"reason,omitempty"`
	RoomID *uuid.UUID `json:"roomId,omitempty"`
}

// IncomingCallCancelled clears a ringing or outgoing call UI.
type IncomingCallCancelled struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"roomId"`
	Reason string    `json:"reason"`
}

// CallRejected tells the caller's sessions the callee declined the ring.
type CallRejected struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"roomId"`
}

// RoomPeers tells a session who is already in the room.
type RoomPeers struct {
	Type   string      `json:"type"`
	RoomID uuid.UUID   `json:"roomId"`
	Peers  []uuid.UUID `json:"peers"`
}

// RoomPeerJoined announces a new member to everyone already in the room.
type RoomPeerJoined struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"roomId"`
	UserID uuid.UUID `json:"userId"`
}

// RoomPeerLeft announces a departure.
type RoomPeerLeft struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"roomId"`
	UserID uuid.UUID `json:"userId"`
}

// CallEnded is sent to the last remaining member before the room dissolves.
type CallEnded struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"roomId"`
	Reason string    `json:"reason"`
}

// JoinPending acknowledges a queued join request.
type JoinPending struct {
	Type   string    `json:"type"`
	RoomID uuid.UUID `json:"roomId"`
}

// JoinRequest asks the room owner to admit a waiting user. At most one is
// outstanding per room.
type JoinRequest struct {
	Type     string    `json:"type"`
	RoomID   uuid.UUID `json:"roomId"`
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
}

// JoinResult resolves a join request for the waiting user.
type JoinResult struct {
	Type   string     `json:"type"`
	OK     bool       `json:"ok"`
	Reason string     `json:"reason,omitempty"`
	RoomID *uuid.UUID `json:"roomId,omitempty"`
}

// Signal relays a WebRTC envelope verbatim between room members.
type Signal struct {
	Type    string          `json:"type"`
	From    uuid.UUID       `json:"from"`
	Payload json.RawMessage `json:"payload"`
}
