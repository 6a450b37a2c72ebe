package relay

import (
	"context"
	"sync"

	"github.com/laserpointoman-commits/talebEdu-sub005/internal/call"
)

// Memory is an in-process signaling hub. Both parties must share the same
// process, which holds for tests and for kiosk pairs driven by one daemon.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]map[chan call.Message]struct{}
}

// NewMemory creates an empty hub.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[chan call.Message]struct{})}
}

// Send delivers msg to every subscriber of toUserID's channel. Slow
// subscribers are skipped rather than blocking the sender.
func (m *Memory) Send(ctx context.Context, toUserID string, msg call.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for ch := range m.subs[toUserID] {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe opens userID's inbound channel. The cancel func is idempotent.
func (m *Memory) Subscribe(userID string) (<-chan call.Message, func(), error) {
	ch := make(chan call.Message, 64)

	m.mu.Lock()
	set, ok := m.subs[userID]
	if !ok {
		set = make(map[chan call.Message]struct{})
		m.subs[userID] = set
	}
	set[ch] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if set, ok := m.subs[userID]; ok {
			if _, live := set[ch]; live {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(m.subs, userID)
			}
		}
		m.mu.Unlock()
	}
	return ch, cancel, nil
}
