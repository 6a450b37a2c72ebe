// Package relay provides the signaling transports that carry call.Message
// envelopes between users. Every implementation exposes the same per-user
// channel model: publish to `calls:<userID>`, subscribe to your own channel.
//
// Three transports are provided:
//   - Memory: in-process hub, used by tests and single-process setups.
//   - Redis: pub/sub through a shared Redis, for fleets behind one broker.
//   - Mesh: libp2p gossipsub, broker-less LAN/relay operation.
//
// A websocket client/server pair (Client, Server) bridges terminals that can
// reach the relay daemon over HTTP only.
package relay

// topicPrefix namespaces every per-user channel so separate fleets sharing
// one broker (staging and production on the same Redis, say) cannot
// cross-deliver signals.
var topicPrefix = "calls:"

// SetTopicPrefix overrides the channel namespace. Call it once at startup,
// before any transport is built; an empty prefix keeps the current one.
func SetTopicPrefix(p string) {
	if p != "" {
		topicPrefix = p
	}
}

// ChannelFor returns the signaling channel name owned by userID.
func ChannelFor(userID string) string {
	return topicPrefix + userID
}
