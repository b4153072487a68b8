package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind names a domain event.
type Kind string

const (
	RoomAdded         Kind = "room_added"
	RoomRemoved       Kind = "room_removed"
	RoomEvicted       Kind = "room_evicted"
	PollCompleted     Kind = "poll_completed"
	CredentialExpired Kind = "credential_expired"
)

// Event is a user-facing notice published by the schedulers.
type Event struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	AccountID string    `json:"account_id,omitempty"`
	RoomID    string    `json:"room_id,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Publisher is the send side of the bus.
type Publisher interface {
	Publish(e Event)
}

const defaultBuffer = 64

// Bus fans events out to subscribers. Publishing never blocks: an event is
// dropped for a subscriber whose buffer is full.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uint64]chan Event
	next        uint64
	dropped     atomic.Int64
	now         func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[uint64]chan Event),
		now:         time.Now,
	}
}

// Subscribe returns a channel receiving every event published from now on,
// and a function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber. ID and At are filled in when empty.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
