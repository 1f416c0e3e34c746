// Package events carries engine notifications (session transitions, broadcast
// progress, campaign warnings) to push consumers. Snapshots stay the source of
// truth; events are best effort and slow subscribers drop.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	SessionState      = "session.state"
	SessionPairing    = "session.pairing"
	BroadcastStarted  = "broadcast.started"
	BroadcastProgress = "broadcast.progress"
	BroadcastComplete = "broadcast.completed"
	CampaignWarning   = "campaign.warning"
	CampaignCompleted = "campaign.completed"
)

type Event struct {
	Type   string    `json:"type"`
	Tenant string    `json:"tenant"`
	Time   time.Time `json:"time"`
	Data   any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(e Event)
}

type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

// Publish never blocks.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a buffered channel and a func that unsubscribes and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
