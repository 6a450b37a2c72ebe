package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configures a Manager. Signaler is required; everything else has a
// working default (silent ringer, no persistence, platform media stack).
type Options struct {
	Signaler Signaler
	CallLog  CallLog  // nil disables call-history writes
	Profiles Profiles // nil means incoming callers show as "Unknown"
	Ringer   Ringer   // nil means NopRinger
	NewPeer  NewPeerFunc
	Timings  Timings

	// SelfName is sent as caller_name in outgoing offers so the remote side
	// has a display name even before its profile lookup completes.
	SelfName string

	// STUNServers override the built-in public STUN set used by the platform
	// media stack. Ignored when NewPeer is injected.
	STUNServers []string

	// VideoDisabled forces audio-only capture on every call, for terminals
	// without a camera. Video calls still render the remote camera.
	VideoDisabled bool

	// Unattended marks this terminal as an operator-less kiosk: incoming
	// calls are auto-answered after Timings.AutoAcceptDelay instead of
	// ringing. Explicit capability, set at construction or via SetUnattended.
	Unattended bool
}

// Manager owns the single call session of the signed-in user and bridges
// relay signaling to it. All state transitions funnel through one mutex;
// subscriber callbacks always run outside it with a state copy.
type Manager struct {
	sig      Signaler
	logStore CallLog
	profiles Profiles
	ringer   Ringer
	newPeer  NewPeerFunc
	timings  Timings
	selfName string
	noVideo  bool

	mu         sync.Mutex
	userID     string
	unsub      func()
	unattended bool
	closed     bool

	// seq is bumped whenever a session starts or resets. Timers and peer
	// callbacks capture the value at creation and become no-ops once it
	// moves on, so signals from a dead session can never mutate a live one.
	seq uint64

	st           State
	peer         PeerLink
	pendingOffer string
	startTime    time.Time

	listeners  map[int]func(State)
	nextListen int
}

// New creates a Manager. It does not listen for signals until Initialize
// binds it to a user identity.
func New(opts Options) *Manager {
	if opts.Ringer == nil {
		opts.Ringer = NopRinger{}
	}
	if opts.NewPeer == nil {
		opts.NewPeer = platformPeer(opts.STUNServers)
	}
	m := &Manager{
		sig:        opts.Signaler,
		logStore:   opts.CallLog,
		profiles:   opts.Profiles,
		ringer:     opts.Ringer,
		newPeer:    opts.NewPeer,
		timings:    opts.Timings.withDefaults(),
		selfName:   opts.SelfName,
		noVideo:    opts.VideoDisabled,
		unattended: opts.Unattended,
		listeners:  make(map[int]func(State)),
	}
	m.st = idleState()
	return m
}

func idleState() State {
	return State{Status: StatusIdle, CallType: TypeVoice}
}

// Initialize binds the manager to userID and (re)establishes the inbound
// signaling subscription, tearing down any prior one first. Safe to call
// repeatedly across reconnects.
func (m *Manager) Initialize(userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("call manager is closed")
	}
	old := m.unsub
	m.unsub = nil
	m.mu.Unlock()

	if old != nil {
		old()
	}

	ch, cancel, err := m.sig.Subscribe(userID)
	if err != nil {
		return fmt.Errorf("subscribe signaling channel: %w", err)
	}

	m.mu.Lock()
	m.userID = userID
	m.unsub = cancel
	m.mu.Unlock()

	go m.recvLoop(ch)
	log.Printf("CALL: listening for signals as %s", userID)
	return nil
}

// Close tears down the subscription and any active call.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	unsub := m.unsub
	m.unsub = nil
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	m.EndCall(context.Background())
}

// Subscribe registers a state observer. The handler is invoked once
// immediately with the current state and again after every change. The
// returned func unregisters it and is safe to call more than once.
func (m *Manager) Subscribe(handler func(State)) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = handler
	snap := m.st
	m.mu.Unlock()

	handler(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// GetState returns a copy of the current session state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Unattended reports whether auto-answer mode is active.
func (m *Manager) Unattended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unattended
}

// SetUnattended switches auto-answer mode. Affects the next incoming call.
func (m *Manager) SetUnattended(on bool) {
	m.mu.Lock()
	m.unattended = on
	m.mu.Unlock()
}

// notifyLocked snapshots state and listeners; the caller runs the returned
// func after releasing the mutex so handlers never run under it.
func (m *Manager) notifyLocked() func() {
	snap := m.st
	hs := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		hs = append(hs, fn)
	}
	return func() {
		for _, fn := range hs {
			fn(snap)
		}
	}
}

func newCallID() string {
	return fmt.Sprintf("call_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// StartCall places an outgoing call. It fails if the manager is not
// initialized, another call is active, or media cannot be acquired even
// after the video→audio downgrade. On success the session is in the
// calling state awaiting the remote answer.
func (m *Manager) StartCall(ctx context.Context, recipientID, recipientName, recipientImage string, callType CallType) error {
	m.mu.Lock()
	if m.userID == "" {
		m.mu.Unlock()
		return ErrNotInitialized
	}
	if m.st.Status != StatusIdle {
		m.mu.Unlock()
		return ErrCallInProgress
	}

	callID := newCallID()
	selfID := m.userID
	m.seq++
	sess := m.seq
	m.st = State{
		Status:          StatusCalling,
		CallID:          callID,
		CallType:        callType,
		IsIncoming:      false,
		RemoteUserID:    recipientID,
		RemoteUserName:  recipientName,
		RemoteUserImage: recipientImage,
	}
	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()

	peer, local, remote, err := m.dialPeer(sess, callID, recipientID, callType)
	if err != nil {
		m.failSession(sess, callID, err)
		return err
	}

	// Capture and peer exist from here on; every exit that does not commit
	// them into the session must release them or the devices stay open.
	abandon := func() {
		local.StopAll(callID)
		if cerr := peer.Close(); cerr != nil {
			log.Printf("CALL [%s]: close orphaned peer: %v", callID, cerr)
		}
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		abandon()
		m.failSession(sess, callID, fmt.Errorf("create offer: %w", err))
		return fmt.Errorf("create offer: %w", err)
	}

	if err := m.sendSignal(ctx, recipientID, Message{
		Event:      EventOffer,
		CallID:     callID,
		CallType:   callType,
		CallerID:   selfID,
		CallerName: m.selfName,
		Offer:      offer,
	}); err != nil {
		abandon()
		m.failSession(sess, callID, fmt.Errorf("send offer: %w", err))
		return fmt.Errorf("send offer: %w", err)
	}

	m.mu.Lock()
	if m.seq != sess {
		// Session was torn down while we were negotiating (remote reject
		// raced the offer, or a local hangup). The peer we built is orphaned.
		m.mu.Unlock()
		abandon()
		return fmt.Errorf("call %s ended during setup", callID)
	}
	m.peer = peer
	m.st.LocalStream = local
	m.st.RemoteStream = remote
	notify = m.notifyLocked()
	m.mu.Unlock()
	notify()

	if m.logStore != nil {
		// Best effort. History must never affect call correctness.
		if err := m.logStore.Insert(callID, selfID, recipientID, callType, time.Now()); err != nil {
			log.Printf("CALL [%s]: call-log insert failed: %v", callID, err)
		}
	}

	log.Printf("CALL [%s]: offer sent to %s (%s)", callID, recipientID, callType)
	return nil
}

// dialPeer captures local media and builds the peer link. Video calls that
// fail combined capture are downgraded to audio-only before giving up; the
// downgrade applies on both the offer and answer paths.
func (m *Manager) dialPeer(sess uint64, callID, remoteID string, callType CallType) (PeerLink, *LocalStream, *RemoteStream, error) {
	remote := &RemoteStream{}
	ev := m.peerEvents(sess, callID, remoteID, remote)

	mc := MediaConstraints{Audio: true, Video: callType == TypeVideo && !m.noVideo}
	peer, local, err := m.newPeer(callID, mc, ev)
	if err != nil && mc.Video && !errors.Is(err, ErrMediaUnsupported) {
		log.Printf("CALL [%s]: audio+video capture failed (%v), retrying audio-only", callID, err)
		peer, local, err = m.newPeer(callID, MediaConstraints{Audio: true}, ev)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return peer, local, remote, nil
}

// peerEvents wires peer callbacks back into the session, each one guarded by
// the session sequence so a stale peer cannot touch a newer call.
func (m *Manager) peerEvents(sess uint64, callID, remoteID string, remote *RemoteStream) PeerEvents {
	return PeerEvents{
		OnRemoteTrack: func(t Track) {
			remote.add(t)
			m.mu.Lock()
			if m.seq != sess {
				m.mu.Unlock()
				return
			}
			m.st.RemoteStream = remote
			notify := m.notifyLocked()
			m.mu.Unlock()
			notify()
			log.Printf("CALL [%s]: remote %s track received", callID, t.Kind())
		},
		OnCandidate: func(c json.RawMessage) {
			m.mu.Lock()
			stale := m.seq != sess
			m.mu.Unlock()
			if stale {
				return
			}
			err := m.sendSignal(context.Background(), remoteID, Message{
				Event:     EventCandidate,
				CallID:    callID,
				Candidate: c,
			})
			if err != nil {
				log.Printf("CALL [%s]: send ICE candidate: %v", callID, err)
			}
		},
		OnDisconnected: func() {
			m.mu.Lock()
			stale := m.seq != sess
			m.mu.Unlock()
			if stale {
				return
			}
			log.Printf("CALL [%s]: peer connection lost, hanging up", callID)
			m.EndCall(context.Background())
		},
	}
}

// failSession rolls back a half-built session after a setup error: status
// back to idle, stale timers invalidated. Releasing any media or peer handle
// built for the session is the caller's job (it owns the handles).
func (m *Manager) failSession(sess uint64, callID string, cause error) {
	log.Printf("CALL [%s]: setup failed: %v", callID, cause)
	m.mu.Lock()
	if m.seq != sess {
		m.mu.Unlock()
		return
	}
	notify := m.resetLocked()
	m.mu.Unlock()
	notify()
}

// AcceptCall answers the ringing incoming call. No-op unless ringing. Any
// failure while negotiating forces the session through EndCall instead of
// leaving it half-established; the error is returned for logging.
func (m *Manager) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	if m.st.Status != StatusRinging || m.st.RemoteUserID == "" {
		m.mu.Unlock()
		return nil
	}
	sess := m.seq
	callID := m.st.CallID
	callType := m.st.CallType
	remoteID := m.st.RemoteUserID
	offer := m.pendingOffer
	m.mu.Unlock()

	m.ringer.Stop()

	err := m.acceptNegotiate(ctx, sess, callID, callType, remoteID, offer)
	if err != nil {
		log.Printf("CALL [%s]: accept failed, ending call: %v", callID, err)
		m.EndCall(ctx)
		return err
	}
	return nil
}

func (m *Manager) acceptNegotiate(ctx context.Context, sess uint64, callID string, callType CallType, remoteID, offer string) error {
	peer, local, remote, err := m.dialPeer(sess, callID, remoteID, callType)
	if err != nil {
		return err
	}

	commit := func(fn func()) bool {
		m.mu.Lock()
		if m.seq != sess {
			m.mu.Unlock()
			return false
		}
		fn()
		notify := m.notifyLocked()
		m.mu.Unlock()
		notify()
		return true
	}

	abandon := func() {
		local.StopAll(callID)
		if cerr := peer.Close(); cerr != nil {
			log.Printf("CALL [%s]: close peer: %v", callID, cerr)
		}
	}

	if ok := commit(func() {
		m.peer = peer
		m.st.LocalStream = local
		m.st.RemoteStream = remote
	}); !ok {
		abandon()
		return fmt.Errorf("call %s ended during accept", callID)
	}

	answer, err := peer.HandleOffer(ctx, offer)
	if err != nil {
		return fmt.Errorf("apply offer: %w", err)
	}

	if err := m.sendSignal(ctx, remoteID, Message{
		Event:  EventAnswer,
		CallID: callID,
		Answer: answer,
	}); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}

	if ok := commit(func() {
		m.st.Status = StatusConnected
		m.st.StartTime = time.Now()
		m.startTime = m.st.StartTime
	}); !ok {
		return fmt.Errorf("call %s ended during accept", callID)
	}

	log.Printf("CALL [%s]: accepted, answer sent to %s", callID, remoteID)
	return nil
}

// RejectCall declines the ringing incoming call. No-op unless ringing.
func (m *Manager) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	if m.st.Status != StatusRinging || m.st.RemoteUserID == "" {
		m.mu.Unlock()
		return nil
	}
	callID := m.st.CallID
	remoteID := m.st.RemoteUserID
	notify := m.resetLocked()
	m.mu.Unlock()

	m.ringer.Stop()
	notify()

	if err := m.sendSignal(ctx, remoteID, Message{Event: EventReject, CallID: callID}); err != nil {
		log.Printf("CALL [%s]: send reject: %v", callID, err)
	}
	if m.logStore != nil {
		if err := m.logStore.MarkDeclined(callID); err != nil {
			log.Printf("CALL [%s]: mark declined: %v", callID, err)
		}
	}
	log.Printf("CALL [%s]: rejected call from %s", callID, remoteID)
	return nil
}

// EndCall hangs up whatever session exists. Idempotent: safe to call with no
// active call, with no remote user set, or concurrently with a remote end
// event — all paths converge on the same cleanup and reset.
func (m *Manager) EndCall(ctx context.Context) {
	m.mu.Lock()
	callID := m.st.CallID
	remoteID := m.st.RemoteUserID
	started := m.startTime
	peer := m.peer
	local := m.st.LocalStream
	remote := m.st.RemoteStream
	notify := m.resetLocked()
	m.mu.Unlock()

	m.ringer.Stop()

	if remoteID != "" {
		if err := m.sendSignal(ctx, remoteID, Message{Event: EventEnd, CallID: callID}); err != nil {
			log.Printf("CALL [%s]: send call-end: %v", callID, err)
		}
	}
	if m.logStore != nil && callID != "" && !started.IsZero() {
		dur := int(time.Since(started) / time.Second)
		if err := m.logStore.Finish(callID, time.Now(), dur); err != nil {
			log.Printf("CALL [%s]: finish call-log: %v", callID, err)
		}
	}

	releaseMedia(callID, peer, local, remote)
	notify()

	if callID != "" {
		log.Printf("CALL [%s]: ended", callID)
	}
}

// releaseMedia stops streams and closes the peer. Every release is guarded
// independently; releasing already-released resources logs and moves on.
func releaseMedia(callID string, peer PeerLink, local *LocalStream, remote *RemoteStream) {
	local.StopAll(callID)
	if remote != nil {
		for _, t := range remote.Tracks() {
			if err := t.Stop(); err != nil {
				log.Printf("CALL [%s]: stop remote %s track: %v", callID, t.Kind(), err)
			}
		}
	}
	if peer != nil {
		if err := peer.Close(); err != nil {
			log.Printf("CALL [%s]: close peer: %v", callID, err)
		}
	}
}

// ToggleMute flips every local audio track and returns the new muted state.
// Returns false when no local stream or no audio track exists.
func (m *Manager) ToggleMute() bool {
	return m.toggleKind(KindAudio)
}

// ToggleVideo flips every local video track and returns the new video-off
// state. Returns false when no local stream or no video track exists.
func (m *Manager) ToggleVideo() bool {
	return m.toggleKind(KindVideo)
}

// ToggleSpeaker would switch between earpiece and speaker output. Output
// routing is owned by the OS on every platform this daemon targets, so this
// always reports earpiece. Kept so the UI shell's control row stays uniform.
func (m *Manager) ToggleSpeaker() bool {
	return false
}

func (m *Manager) toggleKind(kind string) bool {
	m.mu.Lock()
	ls := m.st.LocalStream
	if ls == nil {
		m.mu.Unlock()
		return false
	}
	tracks := ls.kind(kind)
	if len(tracks) == 0 {
		m.mu.Unlock()
		return false
	}
	off := tracks[0].Enabled() // about to flip: enabled now means off after
	for _, t := range tracks {
		t.SetEnabled(!off)
	}
	if kind == KindAudio {
		m.st.Muted = off
	} else {
		m.st.VideoOff = off
	}
	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()
	return off
}

// resetLocked clears the session back to idle and invalidates all timers and
// peer callbacks of the old session. Caller holds the mutex and must run the
// returned notify func after releasing it.
func (m *Manager) resetLocked() func() {
	m.seq++
	m.st = idleState()
	m.peer = nil
	m.pendingOffer = ""
	m.startTime = time.Time{}
	return m.notifyLocked()
}

func (m *Manager) sendSignal(ctx context.Context, toUserID string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, m.timings.SignalTimeout)
	defer cancel()
	return m.sig.Send(ctx, toUserID, msg)
}

// ── inbound signaling ───────────────────────────────────────────────────────

func (m *Manager) recvLoop(ch <-chan Message) {
	for msg := range ch {
		m.handleSignal(msg)
	}
}

func (m *Manager) handleSignal(msg Message) {
	switch msg.Event {
	case EventOffer:
		m.handleOffer(msg)
	case EventAnswer:
		m.handleAnswer(msg)
	case EventCandidate:
		m.handleCandidate(msg)
	case EventEnd:
		m.handleRemoteEnd(msg, "remote hangup")
	case EventReject:
		m.handleRemoteEnd(msg, "remote reject")
	default:
		log.Printf("CALL: unknown signal event %q dropped", msg.Event)
	}
}

// handleOffer moves an idle session to ringing. Offers arriving during an
// active session are dropped: one call at a time, no call waiting.
func (m *Manager) handleOffer(msg Message) {
	m.mu.Lock()
	if m.st.Status != StatusIdle {
		m.mu.Unlock()
		log.Printf("CALL [%s]: busy, dropping offer from %s", msg.CallID, msg.CallerID)
		return
	}
	m.seq++
	sess := m.seq
	m.mu.Unlock()

	name, image := m.lookupCaller(msg)

	m.mu.Lock()
	if m.seq != sess {
		m.mu.Unlock()
		return
	}
	m.st = State{
		Status:          StatusRinging,
		CallID:          msg.CallID,
		CallType:        msg.CallType,
		IsIncoming:      true,
		RemoteUserID:    msg.CallerID,
		RemoteUserName:  name,
		RemoteUserImage: image,
	}
	m.pendingOffer = msg.Offer
	unattended := m.unattended
	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()

	log.Printf("CALL [%s]: incoming %s call from %s (%s)", msg.CallID, msg.CallType, msg.CallerID, name)

	if unattended {
		log.Printf("CALL [%s]: unattended mode, auto-answering in %s", msg.CallID, m.timings.AutoAcceptDelay)
		time.AfterFunc(m.timings.AutoAcceptDelay, func() {
			if !m.sameSession(sess) {
				return
			}
			if err := m.AcceptCall(context.Background()); err != nil {
				log.Printf("CALL [%s]: auto-accept failed: %v", msg.CallID, err)
			}
		})
		return
	}
	m.ringer.Start()
}

// lookupCaller resolves the caller's display identity, preferring the local
// profile store and falling back to the name carried in the offer.
func (m *Manager) lookupCaller(msg Message) (name, image string) {
	name = msg.CallerName
	if m.profiles != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.timings.SignalTimeout)
		defer cancel()
		if n, img, err := m.profiles.Lookup(ctx, msg.CallerID); err == nil {
			return n, img
		} else {
			log.Printf("CALL [%s]: profile lookup for %s: %v", msg.CallID, msg.CallerID, err)
		}
	}
	if name == "" {
		name = "Unknown"
	}
	return name, ""
}

func (m *Manager) handleAnswer(msg Message) {
	m.mu.Lock()
	if m.st.Status != StatusCalling || msg.CallID != m.st.CallID || m.peer == nil {
		m.mu.Unlock()
		return
	}
	sess := m.seq
	peer := m.peer
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timings.SignalTimeout)
	defer cancel()
	if err := peer.HandleAnswer(ctx, msg.Answer); err != nil {
		log.Printf("CALL [%s]: apply answer: %v", msg.CallID, err)
		if m.sameSession(sess) {
			m.EndCall(context.Background())
		}
		return
	}

	m.mu.Lock()
	if m.seq != sess {
		m.mu.Unlock()
		return
	}
	m.st.Status = StatusConnected
	m.st.StartTime = time.Now()
	m.startTime = m.st.StartTime
	notify := m.notifyLocked()
	m.mu.Unlock()
	notify()

	log.Printf("CALL [%s]: connected", msg.CallID)
}

func (m *Manager) handleCandidate(msg Message) {
	m.mu.Lock()
	peer := m.peer
	ok := peer != nil && msg.CallID == m.st.CallID && len(msg.Candidate) > 0
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := peer.AddCandidate(msg.Candidate); err != nil {
		log.Printf("CALL [%s]: add ICE candidate: %v", msg.CallID, err)
	}
}

// handleRemoteEnd services both call-end and call-reject: cleanup, show the
// transient ended state, then revert to idle after the reset delay.
func (m *Manager) handleRemoteEnd(msg Message, why string) {
	m.mu.Lock()
	if m.st.Status == StatusIdle || msg.CallID != m.st.CallID {
		m.mu.Unlock()
		return
	}
	callID := m.st.CallID
	peer := m.peer
	local := m.st.LocalStream
	remote := m.st.RemoteStream
	started := m.startTime
	outgoing := !m.st.IsIncoming
	m.peer = nil
	m.st.LocalStream = nil
	m.st.RemoteStream = nil
	m.st.Status = StatusEnded
	m.startTime = time.Time{}
	sess := m.seq
	notify := m.notifyLocked()
	m.mu.Unlock()

	m.ringer.Stop()
	releaseMedia(callID, peer, local, remote)
	notify()

	// The history row lives on the caller's device only: Insert happens in
	// StartCall, so a remote reject has to finalize it here or it stays in
	// the calling state forever.
	if m.logStore != nil {
		switch {
		case !started.IsZero():
			dur := int(time.Since(started) / time.Second)
			if err := m.logStore.Finish(callID, time.Now(), dur); err != nil {
				log.Printf("CALL [%s]: finish call-log: %v", callID, err)
			}
		case msg.Event == EventReject && outgoing:
			if err := m.logStore.MarkDeclined(callID); err != nil {
				log.Printf("CALL [%s]: mark declined: %v", callID, err)
			}
		}
	}

	log.Printf("CALL [%s]: %s", callID, why)

	time.AfterFunc(m.timings.EndedResetDelay, func() {
		m.mu.Lock()
		if m.seq != sess {
			m.mu.Unlock()
			return
		}
		n := m.resetLocked()
		m.mu.Unlock()
		n()
	})
}

func (m *Manager) sameSession(sess uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq == sess
}
