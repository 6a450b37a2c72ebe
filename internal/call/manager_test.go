package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// ── fakes ───────────────────────────────────────────────────────────────────

type sentSignal struct {
	To  string
	Msg Message
}

// fakeSignaler records outbound signals and lets tests inject inbound ones.
type fakeSignaler struct {
	mu      sync.Mutex
	subs    map[string]chan Message
	sent    []sentSignal
	sendErr error
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{subs: make(map[string]chan Message)}
}

func (s *fakeSignaler) Send(_ context.Context, to string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sentSignal{To: to, Msg: msg})
	return nil
}

func (s *fakeSignaler) Subscribe(userID string) (<-chan Message, func(), error) {
	ch := make(chan Message, 16)
	s.mu.Lock()
	s.subs[userID] = ch
	s.mu.Unlock()
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }, nil
}

// deliver injects an inbound signal as if the relay produced it.
func (s *fakeSignaler) deliver(userID string, msg Message) {
	s.mu.Lock()
	ch := s.subs[userID]
	s.mu.Unlock()
	ch <- msg
}

func (s *fakeSignaler) sentSignals() []sentSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentSignal, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *fakeSignaler) lastSignal() (sentSignal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return sentSignal{}, false
	}
	return s.sent[len(s.sent)-1], true
}

type fakeTrack struct {
	kind string

	mu      sync.Mutex
	enabled bool
	stops   int
}

func (t *fakeTrack) ID() string   { return "fake-" + t.kind }
func (t *fakeTrack) Kind() string { return t.kind }

func (t *fakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *fakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	if t.stops > 1 {
		return errors.New("track already stopped")
	}
	return nil
}

func (t *fakeTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

type fakePeer struct {
	mu         sync.Mutex
	closed     int
	candidates []json.RawMessage
	offerErr   error
	answerErr  error
}

func (p *fakePeer) CreateOffer(context.Context) (string, error) {
	if p.offerErr != nil {
		return "", p.offerErr
	}
	return "offer-sdp", nil
}

func (p *fakePeer) HandleOffer(context.Context, string) (string, error) {
	if p.answerErr != nil {
		return "", p.answerErr
	}
	return "answer-sdp", nil
}

func (p *fakePeer) HandleAnswer(context.Context, string) error { return nil }

func (p *fakePeer) AddCandidate(c json.RawMessage) error {
	p.mu.Lock()
	p.candidates = append(p.candidates, c)
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	if p.closed > 1 {
		return errors.New("peer already closed")
	}
	return nil
}

func (p *fakePeer) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeMedia builds fakePeer/fakeTrack pairs and can be told to fail specific
// constraint combinations, which is how the downgrade paths are exercised.
type fakeMedia struct {
	mu          sync.Mutex
	failVideo   bool
	failAll     bool
	unsupported bool
	offerErr    error // planted on every peer this fake builds
	peers       []*fakePeer
	tracks      []*fakeTrack
	attempts    []MediaConstraints
}

func (f *fakeMedia) newPeer(_ string, mc MediaConstraints, _ PeerEvents) (PeerLink, *LocalStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, mc)
	if f.unsupported {
		return nil, nil, ErrMediaUnsupported
	}
	if f.failAll || (f.failVideo && mc.Video) {
		return nil, nil, errors.New("device busy")
	}
	var tracks []Track
	if mc.Audio {
		t := &fakeTrack{kind: KindAudio, enabled: true}
		f.tracks = append(f.tracks, t)
		tracks = append(tracks, t)
	}
	if mc.Video {
		t := &fakeTrack{kind: KindVideo, enabled: true}
		f.tracks = append(f.tracks, t)
		tracks = append(tracks, t)
	}
	p := &fakePeer{offerErr: f.offerErr}
	f.peers = append(f.peers, p)
	return p, NewLocalStream(tracks...), nil
}

func (f *fakeMedia) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

func (f *fakeMedia) track(i int) *fakeTrack {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracks[i]
}

func (f *fakeMedia) lastPeer() *fakePeer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.peers) == 0 {
		return nil
	}
	return f.peers[len(f.peers)-1]
}

type fakeProfiles struct{ names map[string]string }

func (f *fakeProfiles) Lookup(_ context.Context, id string) (string, string, error) {
	if n, ok := f.names[id]; ok {
		return n, "avatar:" + id, nil
	}
	return "Unknown", "", nil
}

type logCall struct {
	op     string
	callID string
}

type fakeCallLog struct {
	mu    sync.Mutex
	calls []logCall
	err   error
}

func (f *fakeCallLog) Insert(callID, _, _ string, _ CallType, _ time.Time) error {
	return f.record("insert", callID)
}
func (f *fakeCallLog) MarkDeclined(callID string) error { return f.record("declined", callID) }
func (f *fakeCallLog) Finish(callID string, _ time.Time, _ int) error {
	return f.record("finish", callID)
}

func (f *fakeCallLog) record(op, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, logCall{op: op, callID: callID})
	return f.err
}

func (f *fakeCallLog) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

// ── helpers ─────────────────────────────────────────────────────────────────

func testTimings() Timings {
	return Timings{
		AutoAcceptDelay: 10 * time.Millisecond,
		EndedResetDelay: 40 * time.Millisecond,
		SignalTimeout:   time.Second,
	}
}

type testRig struct {
	m     *Manager
	sig   *fakeSignaler
	media *fakeMedia
	clog  *fakeCallLog
}

func newTestRig(t *testing.T, tweak func(*Options)) *testRig {
	t.Helper()
	sig := newFakeSignaler()
	media := &fakeMedia{}
	clog := &fakeCallLog{}
	opts := Options{
		Signaler: sig,
		CallLog:  clog,
		Profiles: &fakeProfiles{names: map[string]string{"userB": "Bob"}},
		NewPeer:  media.newPeer,
		Timings:  testTimings(),
		SelfName: "Alice",
	}
	if tweak != nil {
		tweak(&opts)
	}
	m := New(opts)
	t.Cleanup(m.Close)
	if err := m.Initialize("userA"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return &testRig{m: m, sig: sig, media: media, clog: clog}
}

func waitForStatus(t *testing.T, m *Manager, want Status) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := m.GetState()
		if st.Status == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %q, have %q", want, m.GetState().Status)
	return State{}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ── tests ───────────────────────────────────────────────────────────────────

func TestStartCallRequiresInitialize(t *testing.T) {
	m := New(Options{Signaler: newFakeSignaler(), NewPeer: (&fakeMedia{}).newPeer, Timings: testTimings()})
	defer m.Close()

	err := m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice)
	if !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("want ErrNotInitialized, got %v", err)
	}
	if st := m.GetState(); st.Status != StatusIdle {
		t.Fatalf("state mutated on failed start: %q", st.Status)
	}
}

func TestOutgoingVoiceCallHappyPath(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	st := rig.m.GetState()
	if st.Status != StatusCalling {
		t.Fatalf("status = %q, want calling", st.Status)
	}
	if st.CallID == "" {
		t.Fatal("callID not set")
	}
	if st.LocalStream == nil || len(st.LocalStream.AudioTracks()) == 0 {
		t.Fatal("local stream missing audio track")
	}
	if !st.StartTime.IsZero() {
		t.Fatal("startTime set before connected")
	}

	last, ok := rig.sig.lastSignal()
	if !ok || last.To != "userB" || last.Msg.Event != EventOffer {
		t.Fatalf("offer not sent: %+v", last)
	}
	if last.Msg.CallerID != "userA" || last.Msg.CallID != st.CallID {
		t.Fatalf("offer fields wrong: %+v", last.Msg)
	}

	rig.sig.deliver("userA", Message{Event: EventAnswer, CallID: st.CallID, Answer: "answer-sdp"})

	st = waitForStatus(t, rig.m, StatusConnected)
	if st.StartTime.IsZero() {
		t.Fatal("startTime not set on connect")
	}
	if got := rig.clog.ops(); len(got) == 0 || got[0] != "insert" {
		t.Fatalf("call log insert missing: %v", got)
	}
}

func TestSecondStartCallRejected(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	err := rig.m.StartCall(context.Background(), "userC", "Carol", "", TypeVoice)
	if !errors.Is(err, ErrCallInProgress) {
		t.Fatalf("want ErrCallInProgress, got %v", err)
	}
}

func TestMediaUnsupportedFailsFast(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.media.unsupported = true

	err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVideo)
	if !errors.Is(err, ErrMediaUnsupported) {
		t.Fatalf("want ErrMediaUnsupported, got %v", err)
	}
	if st := rig.m.GetState(); st.Status != StatusIdle || st.CallID != "" {
		t.Fatalf("partial state left behind: %+v", st)
	}
	// Unsupported is terminal: no audio-only retry.
	if n := rig.media.attemptCount(); n != 1 {
		t.Fatalf("capture attempted %d times, want 1", n)
	}
}

func TestVideoDowngradesToAudioOnly(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.media.failVideo = true

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVideo); err != nil {
		t.Fatalf("StartCall should downgrade, got %v", err)
	}

	st := rig.m.GetState()
	if st.Status != StatusCalling {
		t.Fatalf("status = %q, want calling", st.Status)
	}
	if len(st.LocalStream.VideoTracks()) != 0 {
		t.Fatal("video track present after downgrade")
	}
	if len(st.LocalStream.AudioTracks()) == 0 {
		t.Fatal("audio track missing after downgrade")
	}
}

func TestFailedOfferReleasesMedia(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.media.offerErr = errors.New("sdp generation failed")

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err == nil {
		t.Fatal("want offer error")
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after failed offer", st.Status)
	}
	if n := rig.media.track(0).stopCount(); n != 1 {
		t.Fatalf("local track stopped %d times, want 1", n)
	}
	if n := rig.media.lastPeer().closedCount(); n != 1 {
		t.Fatalf("peer closed %d times, want 1", n)
	}
}

func TestFailedOfferSendReleasesMedia(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.sig.sendErr = errors.New("relay unreachable")

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err == nil {
		t.Fatal("want send error")
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after failed send", st.Status)
	}
	if n := rig.media.track(0).stopCount(); n != 1 {
		t.Fatalf("local track stopped %d times, want 1", n)
	}
	if n := rig.media.lastPeer().closedCount(); n != 1 {
		t.Fatalf("peer closed %d times, want 1", n)
	}
}

func TestVoiceCaptureFailureIsFatal(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.media.failAll = true

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err == nil {
		t.Fatal("want capture error")
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after failure", st.Status)
	}
}

func TestVideoDisabledCapturesAudioOnly(t *testing.T) {
	rig := newTestRig(t, func(o *Options) { o.VideoDisabled = true })

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVideo); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	st := rig.m.GetState()
	if st.CallType != TypeVideo {
		t.Fatalf("call type = %q, want video (signaling unchanged)", st.CallType)
	}
	if len(st.LocalStream.VideoTracks()) != 0 {
		t.Fatal("video captured despite video_disabled")
	}
	if n := rig.media.attemptCount(); n != 1 {
		t.Fatalf("capture attempted %d times, want 1", n)
	}
}

func TestIncomingOfferRingsAndReject(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.sig.deliver("userA", Message{
		Event:    EventOffer,
		CallID:   "c1",
		CallType: TypeVoice,
		CallerID: "userB",
		Offer:    "sdp...",
	})

	st := waitForStatus(t, rig.m, StatusRinging)
	if st.RemoteUserID != "userB" || st.RemoteUserName != "Bob" {
		t.Fatalf("caller identity wrong: %+v", st)
	}
	if !st.IsIncoming {
		t.Fatal("isIncoming not set")
	}

	if err := rig.m.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after reject", st.Status)
	}

	last, ok := rig.sig.lastSignal()
	if !ok || last.To != "userB" || last.Msg.Event != EventReject || last.Msg.CallID != "c1" {
		t.Fatalf("reject signal wrong: %+v", last)
	}
	waitFor(t, func() bool {
		ops := rig.clog.ops()
		return len(ops) > 0 && ops[len(ops)-1] == "declined"
	}, "declined log write")
}

func TestRejectOutsideRingingIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.RejectCall(context.Background()); err != nil {
		t.Fatalf("RejectCall: %v", err)
	}
	if got := rig.sig.sentSignals(); len(got) != 0 {
		t.Fatalf("signals sent from idle reject: %+v", got)
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("state changed: %q", st.Status)
	}
}

func TestAcceptCall(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.sig.deliver("userA", Message{
		Event:    EventOffer,
		CallID:   "c2",
		CallType: TypeVoice,
		CallerID: "userB",
		Offer:    "sdp...",
	})
	waitForStatus(t, rig.m, StatusRinging)

	if err := rig.m.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall: %v", err)
	}

	st := rig.m.GetState()
	if st.Status != StatusConnected {
		t.Fatalf("status = %q, want connected", st.Status)
	}
	if st.StartTime.IsZero() {
		t.Fatal("startTime not set")
	}
	last, ok := rig.sig.lastSignal()
	if !ok || last.Msg.Event != EventAnswer || last.Msg.CallID != "c2" || last.To != "userB" {
		t.Fatalf("answer signal wrong: %+v", last)
	}
}

func TestAcceptOutsideRingingIsNoop(t *testing.T) {
	rig := newTestRig(t, nil)
	if err := rig.m.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall from idle: %v", err)
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("state changed: %q", st.Status)
	}
}

func TestAcceptFailureForcesEndCall(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.media.failAll = true

	rig.sig.deliver("userA", Message{
		Event:    EventOffer,
		CallID:   "c3",
		CallType: TypeVoice,
		CallerID: "userB",
		Offer:    "sdp...",
	})
	waitForStatus(t, rig.m, StatusRinging)

	if err := rig.m.AcceptCall(context.Background()); err == nil {
		t.Fatal("want accept error")
	}
	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("status = %q, want idle after failed accept", st.Status)
	}
}

func TestAcceptDowngradesToAudioOnly(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.media.failVideo = true

	rig.sig.deliver("userA", Message{
		Event:    EventOffer,
		CallID:   "c8",
		CallType: TypeVideo,
		CallerID: "userB",
		Offer:    "sdp...",
	})
	waitForStatus(t, rig.m, StatusRinging)

	if err := rig.m.AcceptCall(context.Background()); err != nil {
		t.Fatalf("AcceptCall should downgrade, got %v", err)
	}

	st := rig.m.GetState()
	if st.Status != StatusConnected {
		t.Fatalf("status = %q, want connected", st.Status)
	}
	if len(st.LocalStream.VideoTracks()) != 0 {
		t.Fatal("video track present after accept-side downgrade")
	}
	if len(st.LocalStream.AudioTracks()) == 0 {
		t.Fatal("audio track missing after accept-side downgrade")
	}
	if n := rig.media.attemptCount(); n != 2 {
		t.Fatalf("capture attempted %d times, want 2 (video then audio-only)", n)
	}
}

func TestUnattendedAutoAccept(t *testing.T) {
	rig := newTestRig(t, func(o *Options) { o.Unattended = true })

	rig.sig.deliver("userA", Message{
		Event:    EventOffer,
		CallID:   "c4",
		CallType: TypeVideo,
		CallerID: "userB",
		Offer:    "sdp...",
	})

	st := waitForStatus(t, rig.m, StatusConnected)
	if !st.IsIncoming || st.CallID != "c4" {
		t.Fatalf("unexpected session: %+v", st)
	}
	last, ok := rig.sig.lastSignal()
	if !ok || last.Msg.Event != EventAnswer {
		t.Fatalf("answer not sent: %+v", last)
	}
}

func TestStaleCallIDIgnored(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := rig.m.GetState().CallID

	rig.sig.deliver("userA", Message{Event: EventAnswer, CallID: "old-call", Answer: "sdp"})
	rig.sig.deliver("userA", Message{Event: EventEnd, CallID: "old-call"})

	// Give the recv loop time to (not) act.
	time.Sleep(20 * time.Millisecond)
	st := rig.m.GetState()
	if st.Status != StatusCalling || st.CallID != callID {
		t.Fatalf("stale signals mutated state: %+v", st)
	}
}

func TestOfferWhileBusyIsDropped(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.sig.deliver("userA", Message{Event: EventOffer, CallID: "c5", CallType: TypeVoice, CallerID: "userB", Offer: "sdp"})
	waitForStatus(t, rig.m, StatusRinging)

	rig.sig.deliver("userA", Message{Event: EventOffer, CallID: "c6", CallType: TypeVoice, CallerID: "userC", Offer: "sdp"})
	time.Sleep(20 * time.Millisecond)

	st := rig.m.GetState()
	if st.CallID != "c5" || st.RemoteUserID != "userB" {
		t.Fatalf("second offer hijacked session: %+v", st)
	}
}

func TestRemoteHangupShowsEndedThenIdle(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := rig.m.GetState().CallID
	rig.sig.deliver("userA", Message{Event: EventAnswer, CallID: callID, Answer: "sdp"})
	waitForStatus(t, rig.m, StatusConnected)

	rig.sig.deliver("userA", Message{Event: EventEnd, CallID: callID})

	st := waitForStatus(t, rig.m, StatusEnded)
	if st.LocalStream != nil || st.RemoteStream != nil {
		t.Fatal("streams still referenced in ended state")
	}
	if rig.media.track(0).stopCount() == 0 {
		t.Fatal("local track not stopped on remote hangup")
	}

	st = waitForStatus(t, rig.m, StatusIdle)
	if st.CallID != "" || !st.StartTime.IsZero() {
		t.Fatalf("state not fully reset: %+v", st)
	}
}

func TestRemoteRejectMarksOutgoingCallDeclined(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := rig.m.GetState().CallID

	rig.sig.deliver("userA", Message{Event: EventReject, CallID: callID})

	waitForStatus(t, rig.m, StatusEnded)
	waitFor(t, func() bool {
		ops := rig.clog.ops()
		return len(ops) == 2 && ops[0] == "insert" && ops[1] == "declined"
	}, "declined log write")
}

func TestEndCallIsIdempotent(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	callID := rig.m.GetState().CallID
	rig.sig.deliver("userA", Message{Event: EventAnswer, CallID: callID, Answer: "sdp"})
	waitForStatus(t, rig.m, StatusConnected)

	rig.m.EndCall(context.Background())
	rig.m.EndCall(context.Background())

	if st := rig.m.GetState(); st.Status != StatusIdle {
		t.Fatalf("status = %q, want idle", st.Status)
	}
	if rig.media.lastPeer().closedCount() == 0 {
		t.Fatal("peer not closed")
	}
	waitFor(t, func() bool {
		ops := rig.clog.ops()
		return len(ops) >= 2 && ops[len(ops)-1] == "finish"
	}, "finish log write")
}

func TestEndCallWithoutSessionIsSafe(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.m.EndCall(context.Background())
	if got := rig.sig.sentSignals(); len(got) != 0 {
		t.Fatalf("signals sent with no session: %+v", got)
	}
}

func TestTogglesWithoutStreamReturnFalse(t *testing.T) {
	rig := newTestRig(t, nil)
	if rig.m.ToggleMute() {
		t.Fatal("ToggleMute true with no stream")
	}
	if rig.m.ToggleVideo() {
		t.Fatal("ToggleVideo true with no stream")
	}
}

func TestToggleMuteFlipsAudioTrack(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	if muted := rig.m.ToggleMute(); !muted {
		t.Fatal("first toggle should mute")
	}
	if rig.media.track(0).Enabled() {
		t.Fatal("audio track still enabled while muted")
	}
	if st := rig.m.GetState(); !st.Muted {
		t.Fatal("state.Muted not set")
	}

	if muted := rig.m.ToggleMute(); muted {
		t.Fatal("second toggle should unmute")
	}
	if !rig.media.track(0).Enabled() {
		t.Fatal("audio track not re-enabled")
	}
}

func TestToggleVideoOnVoiceCallReturnsFalse(t *testing.T) {
	rig := newTestRig(t, nil)
	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if rig.m.ToggleVideo() {
		t.Fatal("ToggleVideo true with no video track")
	}
}

func TestCallLogFailureDoesNotAffectCall(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.clog.err = errors.New("db down")

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall failed on log error: %v", err)
	}
	if st := rig.m.GetState(); st.Status != StatusCalling {
		t.Fatalf("status = %q, want calling", st.Status)
	}
}

func TestSubscribeNotifiesImmediatelyAndOnChange(t *testing.T) {
	rig := newTestRig(t, nil)

	var mu sync.Mutex
	var got []Status
	unsub := rig.m.Subscribe(func(st State) {
		mu.Lock()
		got = append(got, st.Status)
		mu.Unlock()
	})
	defer unsub()

	mu.Lock()
	if len(got) != 1 || got[0] != StatusIdle {
		mu.Unlock()
		t.Fatalf("no immediate callback: %v", got)
	}
	mu.Unlock()

	if err := rig.m.StartCall(context.Background(), "userB", "Bob", "", TypeVoice); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, s := range got {
			if s == StatusCalling {
				return true
			}
		}
		return false
	}, "calling notification")

	unsub()
	unsub() // double-unsubscribe is safe
}

func TestInitializeReestablishesSubscription(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.m.Initialize("userA"); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}

	rig.sig.deliver("userA", Message{Event: EventOffer, CallID: "c7", CallType: TypeVoice, CallerID: "userB", Offer: "sdp"})
	waitForStatus(t, rig.m, StatusRinging)
}

func TestGetStateReturnsCopy(t *testing.T) {
	rig := newTestRig(t, nil)
	st := rig.m.GetState()
	st.Status = StatusConnected
	st.CallID = "forged"
	if live := rig.m.GetState(); live.Status != StatusIdle || live.CallID != "" {
		t.Fatalf("caller mutated live state: %+v", live)
	}
}
