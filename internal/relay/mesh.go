package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
	"github.com/laserpointoman-commits/talebEdu-sub005/internal/util"
)

const mdnsTag = "talebedu-call-mesh"

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

// Mesh carries signals over libp2p gossipsub with mDNS discovery, so a LAN
// of terminals needs no broker at all. Each user's channel is one gossip
// topic; a terminal subscribes to its own topic and publishes to others.
type Mesh struct {
	ctx  context.Context
	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*meshTopic
	closed bool
}

type meshTopic struct {
	t    *pubsub.Topic
	refs int
}

type mdnsNotifee struct{ h host.Host }

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// NewMesh starts a libp2p host with a persistent identity under keyFile and
// joins the gossip mesh. listenPort 0 picks a random port.
func NewMesh(ctx context.Context, keyFile string, listenPort int) (*Mesh, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("MESH: generated new identity key: %s", keyFile)
	} else {
		log.Printf("MESH: loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log.Printf("MESH: node %s up", h.ID())
	return &Mesh{
		ctx:    ctx,
		host:   h,
		ps:     ps,
		topics: make(map[string]*meshTopic),
	}, nil
}

// ID returns the mesh peer identity.
func (m *Mesh) ID() string { return m.host.ID().String() }

// Close shuts the host down. Topic handles die with it.
func (m *Mesh) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.host.Close()
}

// acquireTopic joins name's gossip topic, or reuses the live handle. The
// release func drops the reference and closes the topic when unused —
// gossipsub panics on double-join, so all joins funnel through here.
func (m *Mesh) acquireTopic(name string) (*pubsub.Topic, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, fmt.Errorf("mesh is closed")
	}

	mt, ok := m.topics[name]
	if !ok {
		t, err := m.ps.Join(name)
		if err != nil {
			return nil, nil, fmt.Errorf("join topic %s: %w", name, err)
		}
		mt = &meshTopic{t: t}
		m.topics[name] = mt
	}
	mt.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			mt.refs--
			if mt.refs == 0 {
				delete(m.topics, name)
				if err := mt.t.Close(); err != nil {
					log.Printf("MESH: close topic %s: %v", name, err)
				}
			}
		})
	}
	return mt.t, release, nil
}

// Send publishes msg on the recipient's topic. The topic handle is held only
// for the duration of the send. Publish readiness (at least one remote
// subscriber in the mesh) is bounded by ctx, mirroring the signaling rule
// that a send only counts once the channel is live.
func (m *Mesh) Send(ctx context.Context, toUserID string, msg call.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}

	topic, release, err := m.acquireTopic(ChannelFor(toUserID))
	if err != nil {
		return err
	}
	defer release()

	if err := topic.Publish(ctx, b, pubsub.WithReadiness(pubsub.MinTopicSize(1))); err != nil {
		return fmt.Errorf("publish to %s: %w", ChannelFor(toUserID), err)
	}
	return nil
}

// Subscribe joins userID's own topic and streams inbound signals. Messages
// this host published itself are skipped.
func (m *Mesh) Subscribe(userID string) (<-chan call.Message, func(), error) {
	topic, release, err := m.acquireTopic(ChannelFor(userID))
	if err != nil {
		return nil, nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("subscribe %s: %w", ChannelFor(userID), err)
	}

	ctx, cancelCtx := context.WithCancel(m.ctx)
	out := make(chan call.Message, 64)

	go func() {
		defer close(out)
		for {
			raw, err := sub.Next(ctx)
			if err != nil {
				return
			}
			if raw.ReceivedFrom == m.host.ID() {
				continue
			}
			var msg call.Message
			if err := json.Unmarshal(raw.Data, &msg); err != nil {
				log.Printf("MESH: drop malformed signal on %s: %v", ChannelFor(userID), err)
				continue
			}
			select {
			case out <- msg:
			default:
				log.Printf("MESH: subscriber %s lagging, signal dropped", userID)
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			sub.Cancel()
			release()
		})
	}
	return out, cancel, nil
}
