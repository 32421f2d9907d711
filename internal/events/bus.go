// Package events provides a fan-out pub/sub event bus for SSE streaming
// and notifications.
package events

import (
	"sync"
	"time"
)

// EventType identifies the kind of bridge event.
type EventType string

const (
	EventPaired           EventType = "paired"
	EventDisconnected     EventType = "disconnected"
	EventScannerDiscovery EventType = "scanner_discovery"
	EventScanStarted      EventType = "scan_started"
	EventScanUploaded     EventType = "scan_uploaded"
	EventScanFailed       EventType = "scan_failed"
	EventFolderUpload     EventType = "folder_upload"
	EventFolderError      EventType = "folder_error"
)

// Event is a single event published through the bus and streamed to SSE
// clients and notifiers.
type Event struct {
	Type      EventType `json:"type"`
	Scanner   string    `json:"scanner,omitempty"` // scanner id or name if applicable
	JobID     string    `json:"job_id,omitempty"`
	File      string    `json:"file,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Bus is a fan-out pub/sub event bus. Subscribers receive all events published
// after they subscribe. Slow subscribers that fall behind have events dropped
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	next uint64
}

// New creates a ready-to-use Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
	}
}

// Publish sends an event to all current subscribers. If a subscriber's buffer
// is full, the event is dropped for that subscriber (non-blocking).
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Subscriber buffer full -- drop the event rather than blocking.
		}
	}
}

// Subscribe returns a channel that receives all future events and a cancel
// function that unsubscribes and closes the channel. The caller must invoke
// cancel when done to avoid resource leaks.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}

	return ch, cancel
}
