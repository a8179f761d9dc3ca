package mailbox

import (
	"context"
	"sync"
	"time"
)

// Message is one fetched mailbox entry.
type Message struct {
	SeqNum  uint32    // sequence number at fetch time
	From    string    // first From address
	Subject string    // envelope subject
	Date    time.Time // envelope date
	Source  []byte    // raw RFC 5322 message bytes
}

// EventKind identifies what a session Event carries.
type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is emitted by a Session. Message is set only for EventMessage.
type Event struct {
	Kind    EventKind
	Message *Message
}

// UpdateKind identifies a server push.
type UpdateKind int

const (
	UpdateExists UpdateKind = iota + 1
	UpdateExpunge
)

// Update is a server push received while the folder is selected. Num is
// the new message count for UpdateExists and the removed sequence number
// for UpdateExpunge.
type Update struct {
	Kind UpdateKind
	Num  uint32
}

// Updates is an unbounded FIFO of server pushes. Producers run on the
// connection's reader goroutine and must never block, so push only
// appends and signals.
type Updates struct {
	mu      sync.Mutex
	pending []Update
	ready   chan struct{}
}

// NewUpdates returns an empty queue.
func NewUpdates() *Updates {
	return &Updates{ready: make(chan struct{}, 1)}
}

// Push appends an update and wakes the consumer.
func (u *Updates) Push(up Update) {
	u.mu.Lock()
	u.pending = append(u.pending, up)
	u.mu.Unlock()
	select {
	case u.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value after one or more Push calls.
func (u *Updates) Ready() <-chan struct{} {
	return u.ready
}

// Drain returns and clears the queued updates in arrival order.
func (u *Updates) Drain() []Update {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := u.pending
	u.pending = nil
	return out
}

// Conn is one authenticated-or-not connection to the mail server. A Conn
// is used by a single session goroutine and discarded after Close.
type Conn interface {
	Login(username, password string) error

	// Select opens folder and returns its message count.
	Select(folder string) (uint32, error)

	// Fetch returns envelope and full source for every message in the
	// closed sequence range [lo, hi], sorted by ascending sequence number.
	Fetch(lo, hi uint32) ([]Message, error)

	// Idle enters IDLE. The returned Idler leaves it.
	Idle() (Idler, error)

	Noop() error
	Updates() *Updates
	Closed() <-chan struct{}
	Close() error
}

// Idler ends an IDLE command and waits for the server to acknowledge.
type Idler interface {
	Close() error
}

// Dialer opens new connections. Cancelling ctx aborts a dial in progress.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Checkpointer persists the delivered baseline.
type Checkpointer interface {
	Save(seq uint32) error
}
