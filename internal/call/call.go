// Package call owns the lifecycle of one peer-to-peer audio/video call at a
// time for the signed-in user: local media acquisition, offer/answer/ICE
// negotiation via a pub/sub signaling relay, call state tracking, and resource
// cleanup on completion, rejection, or failure. It is designed to be maximally
// standalone — coupling to the rest of the daemon is via the Signaler, CallLog,
// Profiles and Ringer interfaces only.
package call

import (
	"errors"
	"time"
)

// Status is the current phase of the call session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusCalling   Status = "calling" // outgoing, offer sent, awaiting answer
	StatusRinging   Status = "ringing" // incoming, offer received, awaiting accept/reject
	StatusConnected Status = "connected"
	StatusEnded     Status = "ended" // transient, auto-reverts to idle
)

// CallType distinguishes audio-only from audio+video calls.
type CallType string

const (
	TypeVoice CallType = "voice"
	TypeVideo CallType = "video"
)

var (
	// ErrNotInitialized is returned by StartCall before Initialize has bound
	// the manager to a user identity.
	ErrNotInitialized = errors.New("call manager not initialized")

	// ErrCallInProgress is returned by StartCall while another call session
	// is active — exactly one non-idle session exists per user.
	ErrCallInProgress = errors.New("a call is already in progress")

	// ErrMediaUnsupported means no media capture stack is available on this
	// platform. Fatal to the call attempt; never retried.
	ErrMediaUnsupported = errors.New("media devices not supported on this device")
)

// State is a snapshot of the call session. GetState and subscriber callbacks
// always receive a copy; the stream handles inside are read-only references —
// only the manager stops tracks and closes the peer connection.
type State struct {
	Status          Status    `json:"status"`
	CallID          string    `json:"call_id,omitempty"`
	CallType        CallType  `json:"call_type"`
	IsIncoming      bool      `json:"is_incoming"`
	RemoteUserID    string    `json:"remote_user_id,omitempty"`
	RemoteUserName  string    `json:"remote_user_name,omitempty"`
	RemoteUserImage string    `json:"remote_user_image,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"` // zero unless connected or later
	Muted           bool      `json:"muted"`
	VideoOff        bool      `json:"video_off"`

	LocalStream  *LocalStream  `json:"local_stream,omitempty"`
	RemoteStream *RemoteStream `json:"remote_stream,omitempty"`
}

// Timings are the session manager's timing contracts. They encode real
// protocol behaviour (tests exercise them), so they are named and
// configurable rather than inline literals.
type Timings struct {
	// AutoAcceptDelay is how long an unattended terminal waits before
	// auto-answering an incoming call.
	AutoAcceptDelay time.Duration

	// EndedResetDelay is how long the transient ended state is held before
	// reverting to idle, so the UI can show "call ended".
	EndedResetDelay time.Duration

	// SignalTimeout bounds every signaling-relay send, including the wait
	// for the ephemeral send channel to report ready.
	SignalTimeout time.Duration
}

// DefaultTimings match the production contracts: 300ms auto-accept,
// 2s ended→idle, 8s signaling bound.
func DefaultTimings() Timings {
	return Timings{
		AutoAcceptDelay: 300 * time.Millisecond,
		EndedResetDelay: 2 * time.Second,
		SignalTimeout:   8 * time.Second,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.AutoAcceptDelay <= 0 {
		t.AutoAcceptDelay = d.AutoAcceptDelay
	}
	if t.EndedResetDelay <= 0 {
		t.EndedResetDelay = d.EndedResetDelay
	}
	if t.SignalTimeout <= 0 {
		t.SignalTimeout = d.SignalTimeout
	}
	return t
}
