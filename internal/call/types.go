package call

import (
	"context"
	"encoding/json"
	"time"
)

// Signal event names on the wire. These are stable wire identifiers shared
// with every relay implementation and the remote peer.
const (
	EventOffer     = "call-offer"
	EventAnswer    = "call-answer"
	EventCandidate = "ice-candidate"
	EventEnd       = "call-end"
	EventReject    = "call-reject"
)

// Message is one signaling envelope. Every message carries the CallID it
// belongs to; handlers drop messages whose CallID does not match the active
// session (stale signals from completed or abandoned calls).
type Message struct {
	Event      string          `json:"event"`
	CallID     string          `json:"call_id"`
	CallType   CallType        `json:"call_type,omitempty"`
	CallerID   string          `json:"caller_id,omitempty"`
	CallerName string          `json:"caller_name,omitempty"`
	Offer      string          `json:"offer,omitempty"`     // SDP
	Answer     string          `json:"answer,omitempty"`    // SDP
	Candidate  json.RawMessage `json:"candidate,omitempty"` // ICE candidate init
}

// Signaler carries signaling messages between users over per-user channels.
// The call package defines the interface; the relay package provides the
// implementations (in-process, redis, gossipsub mesh, websocket).
type Signaler interface {
	// Send delivers msg to the recipient's channel. It must not return
	// before the channel is ready to carry the message, and must respect
	// ctx for the combined ready+publish wait.
	Send(ctx context.Context, toUserID string, msg Message) error

	// Subscribe opens the user's inbound signaling channel. The returned
	// cancel func is idempotent and closes the channel.
	Subscribe(userID string) (<-chan Message, func(), error)
}

// CallLog persists call history. All writes are best effort from the
// manager's point of view: failures are logged, never surfaced to callers.
type CallLog interface {
	Insert(callID, callerID, recipientID string, callType CallType, startedAt time.Time) error
	MarkDeclined(callID string) error
	Finish(callID string, endedAt time.Time, durationSec int) error
}

// Profiles resolves a user id to display data for the in-call UI.
type Profiles interface {
	// Lookup returns the user's display name and avatar reference. A user
	// that cannot be resolved is not an error; implementations return
	// ("Unknown", "") in that case.
	Lookup(ctx context.Context, userID string) (fullName, image string, err error)
}

// Ringer plays and stops the incoming-call alert sound.
type Ringer interface {
	Start()
	Stop()
}

// NopRinger is the silent default used when no audio alert is wired.
type NopRinger struct{}

func (NopRinger) Start() {}
func (NopRinger) Stop()  {}
