package call

import (
	"context"
	"encoding/json"
	"log"
	"sync"
)

// Track kinds.
const (
	KindAudio = "audio"
	KindVideo = "video"
)

// Track is a handle to one live media track. SetEnabled pauses/resumes the
// track without releasing the device (mute, video-off); Stop releases it.
type Track interface {
	ID() string
	Kind() string
	Enabled() bool
	SetEnabled(on bool)
	Stop() error
}

// MediaConstraints selects which local tracks to capture.
type MediaConstraints struct {
	Audio bool
	Video bool
}

// LocalStream groups the captured local tracks. The session manager is the
// sole owner: it created the capture and it alone stops the tracks.
type LocalStream struct {
	tracks []Track
}

func NewLocalStream(tracks ...Track) *LocalStream {
	return &LocalStream{tracks: tracks}
}

func (s *LocalStream) Tracks() []Track {
	if s == nil {
		return nil
	}
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

func (s *LocalStream) AudioTracks() []Track { return s.kind(KindAudio) }
func (s *LocalStream) VideoTracks() []Track { return s.kind(KindVideo) }

func (s *LocalStream) kind(k string) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// StopAll stops every track. Each stop is independently guarded so one broken
// device cannot leave the others running.
func (s *LocalStream) StopAll(callID string) {
	if s == nil {
		return
	}
	for _, t := range s.tracks {
		if err := t.Stop(); err != nil {
			log.Printf("CALL [%s]: stop local %s track: %v", callID, t.Kind(), err)
		}
	}
}

// RemoteStream collects tracks the peer connection receives. It is owned by
// the peer link; the session holds a read-only reference for UI consumption.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []Track
}

func (s *RemoteStream) add(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []Track {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// MarshalJSON reports track kinds only; raw media handles have no JSON form.
func (s *RemoteStream) MarshalJSON() ([]byte, error) {
	kinds := []string{}
	for _, t := range s.Tracks() {
		kinds = append(kinds, t.Kind())
	}
	return json.Marshal(map[string]any{"tracks": kinds})
}

// MarshalJSON reports track kinds only; raw media handles have no JSON form.
func (s *LocalStream) MarshalJSON() ([]byte, error) {
	kinds := []string{}
	for _, t := range s.Tracks() {
		kinds = append(kinds, t.Kind())
	}
	return json.Marshal(map[string]any{"tracks": kinds})
}

// PeerEvents are the callbacks a PeerLink fires while negotiating. All three
// may be invoked from the peer's own goroutines; the manager serializes them.
type PeerEvents struct {
	// OnRemoteTrack fires once per inbound track.
	OnRemoteTrack func(Track)
	// OnCandidate fires for each local ICE candidate to forward to the peer.
	OnCandidate func(candidate json.RawMessage)
	// OnDisconnected fires when the connection reaches disconnected/failed.
	OnDisconnected func()
}

// PeerLink is one peer connection with its local media already attached.
// Exactly one of CreateOffer or HandleOffer is called per link, depending on
// which side of the call this is.
type PeerLink interface {
	CreateOffer(ctx context.Context) (sdp string, err error)
	HandleOffer(ctx context.Context, offerSDP string) (answerSDP string, err error)
	HandleAnswer(ctx context.Context, answerSDP string) error
	AddCandidate(candidate json.RawMessage) error
	Close() error
}

// NewPeerFunc captures local media per the constraints, creates a peer
// connection with the tracks attached, and wires ev. It returns the link and
// the captured local stream. Implementations return ErrMediaUnsupported when
// no capture stack exists on the platform, and a plain error when capture of
// the requested constraint set failed (the manager decides on fallback).
type NewPeerFunc func(callID string, mc MediaConstraints, ev PeerEvents) (PeerLink, *LocalStream, error)
