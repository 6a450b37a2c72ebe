package relay

import (
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestRedisSubscribeConfirmIsBounded points the client at a TCP listener that
// accepts and never replies, the failure mode of a hung broker. Subscribe must
// give up within the confirm wait instead of blocking initialization.
func TestRedisSubscribeConfirmIsBounded(t *testing.T) {
	old := redisConfirmWait
	redisConfirmWait = 200 * time.Millisecond
	defer func() { redisConfirmWait = old }()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				<-done
				_ = conn.Close()
			}()
		}
	}()

	r := &Redis{client: redis.NewClient(&redis.Options{
		Addr:                  ln.Addr().String(),
		ContextTimeoutEnabled: true,
		DialTimeout:           time.Second,
		ReadTimeout:           100 * time.Millisecond,
		WriteTimeout:          100 * time.Millisecond,
	})}
	defer r.Close()

	start := time.Now()
	if _, _, err := r.Subscribe("alice"); err == nil {
		t.Fatal("want confirm timeout against a mute broker")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Subscribe not bounded by the confirm wait")
	}
}
