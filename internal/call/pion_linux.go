//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// localTrack wraps a captured mediadevices track together with its RTP
// sender. SetEnabled(false) detaches the track from the sender instead of
// closing the device, so mute/video-off is instant and reversible.
type localTrack struct {
	md     mediadevices.Track
	sender *webrtc.RTPSender

	mu      sync.Mutex
	enabled bool
}

func (t *localTrack) ID() string { return t.md.ID() }

func (t *localTrack) Kind() string {
	if t.md.Kind() == webrtc.RTPCodecTypeVideo {
		return KindVideo
	}
	return KindAudio
}

func (t *localTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *localTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on == t.enabled {
		return
	}
	t.enabled = on
	if t.sender == nil {
		return
	}
	if on {
		if err := t.sender.ReplaceTrack(t.md); err != nil {
			log.Printf("CALL: re-enable %s track: %v", t.Kind(), err)
		}
	} else {
		if err := t.sender.ReplaceTrack(nil); err != nil {
			log.Printf("CALL: disable %s track: %v", t.Kind(), err)
		}
	}
}

func (t *localTrack) Stop() error { return t.md.Close() }

// platformPeer returns a NewPeerFunc that captures local camera/mic via
// pion/mediadevices (V4L2 + malgo) and builds a VP8+Opus peer connection with
// the tracks attached. A capture failure closes the half-built connection and
// returns the error; the session layer decides whether to retry with reduced
// constraints.
func platformPeer(stunURLs []string) NewPeerFunc {
	ice := iceServers(stunURLs)
	return func(callID string, mc MediaConstraints, ev PeerEvents) (PeerLink, *LocalStream, error) {
		return newPionPeer(callID, mc, ev, ice)
	}
}

func newPionPeer(callID string, mc MediaConstraints, ev PeerEvents, ice []webrtc.ICEServer) (PeerLink, *LocalStream, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call. The default disconnectedTimeout is 5s — too short
	// for paths that see short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, nil, err
	}

	peer := wirePion(callID, pc, ev)

	constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
	if mc.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Exclude MJPEG — some cameras expose an MJPEG V4L2 node that
			// produces malformed JPEG frames, which poisons the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			// Cap at 640×480 — higher resolutions increase VP8 encoding
			// latency on the low-end terminals this runs on.
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if mc.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		_ = peer.Close()
		return nil, nil, fmt.Errorf("get user media: %w", err)
	}

	var tracks []Track
	for _, mt := range stream.GetTracks() {
		mt.OnEnded(func(err error) {
			if err != nil {
				log.Printf("CALL [%s]: local track ended: %v", callID, err)
			}
		})
		sender, err := pc.AddTrack(mt)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack error: %v", callID, err)
			_ = mt.Close()
			continue
		}
		tracks = append(tracks, &localTrack{md: mt, sender: sender, enabled: true})
	}

	if !mc.Video {
		if err := addRecvOnlyVideo(pc); err != nil {
			log.Printf("CALL [%s]: AddTransceiver(video) error: %v", callID, err)
		}
	}

	log.Printf("CALL [%s]: local media captured (%d tracks)", callID, len(tracks))
	return peer, NewLocalStream(tracks...), nil
}
