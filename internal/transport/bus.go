package transport

import "sync"

// Bus is an in-process, channel-backed multiplexer connecting every
// registered piece. A single buffered channel per receiver is enough
// to get FIFO-per-sender, arbitrary-across-senders ordering: each
// sender's own goroutine sends sequentially, so its messages keep
// their relative order in the channel, while different senders'
// messages interleave however the runtime schedules them.
type Bus struct {
	mu    sync.Mutex
	inbox map[PieceID]chan Envelope
}

// NewBus returns an empty bus. Pieces must Register before Send or
// Inbox will find them.
func NewBus() *Bus {
	return &Bus{
		inbox: make(map[PieceID]chan Envelope),
	}
}

// Register creates receiver's inbox. capacity bounds how many
// messages may sit undelivered before Send blocks; the teacher sizes
// its frame-output channel similarly (main.go's `ch := make(chan
// *frameJob, 32)`).
func (b *Bus) Register(receiver PieceID, capacity int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbox[receiver] = make(chan Envelope, capacity)
}

// Inbox returns the channel a piece's message loop ranges over.
func (b *Bus) Inbox(receiver PieceID) <-chan Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inbox[receiver]
}

// Send delivers payload from sender to receiver, preserving order
// relative to every other message the same sender has already sent to
// the same receiver. Sends to an unregistered receiver are silent
// drops: in production that's a configuration bug the caller should
// have caught at piece-startup; tests that don't register every piece
// rely on this not to deadlock unrelated assertions.
func (b *Bus) Send(sender, receiver PieceID, payload any) {
	b.mu.Lock()
	ch, ok := b.inbox[receiver]
	b.mu.Unlock()
	if !ok {
		return
	}
	ch <- Envelope{From: sender, To: receiver, Payload: payload}
}

// Close closes receiver's inbox, signalling its message loop to exit
// once drained.
func (b *Bus) Close(receiver PieceID) {
	b.mu.Lock()
	ch, ok := b.inbox[receiver]
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}
