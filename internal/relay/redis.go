package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
)

// redisConfirmWait bounds the wait for the broker's subscription confirm,
// matching the signaling send contract. Without it a hung broker would block
// manager initialization forever.
var redisConfirmWait = 8 * time.Second

// Redis carries signals through Redis pub/sub. Each user owns the channel
// `calls:<userID>`; every daemon in the fleet subscribes to its own user's
// channel and publishes to the recipient's.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr and verifies the connection before returning,
// so a misconfigured broker fails at startup rather than on the first call.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	// ContextTimeoutEnabled makes the driver honor context deadlines on
	// broker round-trips; the confirm wait in Subscribe depends on it.
	client := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              password,
		DB:                    db,
		ContextTimeoutEnabled: true,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &Redis{client: client}, nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Send publishes msg on the recipient's channel. The broker round-trip is
// bounded by ctx; a publish that reaches no subscriber is not an error —
// the caller times out on the missing answer instead.
func (r *Redis) Send(ctx context.Context, toUserID string, msg call.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := r.client.Publish(ctx, ChannelFor(toUserID), b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ChannelFor(toUserID), err)
	}
	return nil
}

// Subscribe opens userID's channel. It waits for the broker's subscription
// confirmation so callers never miss signals sent right after Subscribe
// returns.
func (r *Redis) Subscribe(userID string) (<-chan call.Message, func(), error) {
	ps := r.client.Subscribe(context.Background(), ChannelFor(userID))

	// Receive blocks until the broker confirms the subscription.
	ctx, cancel := context.WithTimeout(context.Background(), redisConfirmWait)
	defer cancel()
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("confirm subscription: %w", err)
	}

	out := make(chan call.Message, 64)
	go func() {
		defer close(out)
		for m := range ps.Channel() {
			var msg call.Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				log.Printf("RELAY: drop malformed signal on %s: %v", m.Channel, err)
				continue
			}
			select {
			case out <- msg:
			default:
				log.Printf("RELAY: subscriber %s lagging, signal dropped", userID)
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			if err := ps.Close(); err != nil {
				log.Printf("RELAY: close subscription %s: %v", userID, err)
			}
		})
	}
	return out, unsubscribe, nil
}
