//go:build !linux || !cgo

package call

// Media capture is only wired for Linux terminals (V4L2 + malgo). Other
// platforms fail the call attempt fast instead of negotiating a dead link.
func platformPeer(_ []string) NewPeerFunc {
	return func(_ string, _ MediaConstraints, _ PeerEvents) (PeerLink, *LocalStream, error) {
		return nil, nil, ErrMediaUnsupported
	}
}
