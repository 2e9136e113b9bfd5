package relay

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// DefaultListenerBuffer is the number of messages a slow subscriber may lag
// behind before new messages are skipped.
const DefaultListenerBuffer = 64

// Listener is the consumer end of one session's message stream. The relay
// produces into it; an HTTP stream drains Messages until Done is closed.
type Listener struct {
	id       string
	username string
	ch       chan model.Message
	done     chan struct{}
	once     sync.Once
	skipped  atomic.Int64
}

// NewListener creates a listener with a buffer of the given size.
func NewListener(username string, buffer int) *Listener {
	if buffer <= 0 {
		buffer = DefaultListenerBuffer
	}
	return &Listener{
		id:       uuid.NewString(),
		username: username,
		ch:       make(chan model.Message, buffer),
		done:     make(chan struct{}),
	}
}

// ID identifies this subscription. Unsubscribe only detaches a matching ID.
func (l *Listener) ID() string { return l.id }

// Username returns the user this listener streams for.
func (l *Listener) Username() string { return l.username }

// Messages yields delivered messages in arrival order.
func (l *Listener) Messages() <-chan model.Message { return l.ch }

// Done is closed when the producer side ends the stream.
func (l *Listener) Done() <-chan struct{} { return l.done }

// Offer hands msg to the consumer without blocking. It reports false when the
// listener is closed or its buffer is full; the message is not queued.
func (l *Listener) Offer(msg model.Message) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.ch <- msg:
		return true
	default:
		l.skipped.Add(1)
		return false
	}
}

// Skipped returns how many messages were dropped because the buffer was full.
func (l *Listener) Skipped() int64 { return l.skipped.Load() }

// Close ends the stream. Safe to call more than once.
func (l *Listener) Close() {
	l.once.Do(func() { close(l.done) })
}
