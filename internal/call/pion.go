package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"
)

// defaultSTUNURLs match the public STUN set the mobile clients use, so both
// sides derive comparable candidate pools. Configurable per terminal via
// Options.STUNServers (schools behind strict firewalls run their own).
var defaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// iceServers builds the pion ICE server list from configured URLs, falling
// back to the default set when none are given.
func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = defaultSTUNURLs
	}
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	return servers
}

// pionPeer adapts a Pion PeerConnection to the PeerLink interface.
type pionPeer struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
	closeErr  error
}

// wirePion attaches the session callbacks to pc and wraps it as a PeerLink.
func wirePion(callID string, pc *webrtc.PeerConnection, ev PeerEvents) *pionPeer {
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if ev.OnRemoteTrack != nil {
			ev.OnRemoteTrack(&remoteTrack{tr: tr})
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnCandidate == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ev.OnCandidate(b)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", callID, s)
		if s == webrtc.PeerConnectionStateDisconnected || s == webrtc.PeerConnectionStateFailed {
			if ev.OnDisconnected != nil {
				ev.OnDisconnected()
			}
		}
	})
	return &pionPeer{pc: pc}
}

func (p *pionPeer) CreateOffer(ctx context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, ctx.Err()
}

func (p *pionPeer) HandleOffer(ctx context.Context, offerSDP string) (string, error) {
	err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  offerSDP,
	})
	if err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, ctx.Err()
}

func (p *pionPeer) HandleAnswer(ctx context.Context, answerSDP string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	})
}

func (p *pionPeer) AddCandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode ICE candidate: %w", err)
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

// remoteTrack wraps an inbound Pion track. Remote tracks stop when the peer
// connection closes; Stop and SetEnabled are therefore no-ops here.
type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string { return t.tr.ID() }

func (t *remoteTrack) Kind() string {
	if t.tr.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (t *remoteTrack) Enabled() bool     { return true }
func (t *remoteTrack) SetEnabled(_ bool) {}
func (t *remoteTrack) Stop() error       { return nil }

// addRecvOnlyVideo adds a recvonly video transceiver so an audio-only
// capture still negotiates a video m-line and can render the remote camera.
func addRecvOnlyVideo(pc *webrtc.PeerConnection) error {
	_, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}
