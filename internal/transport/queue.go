package transport

import (
	"errors"
	"sync"
)

// ErrConnClosed is returned by Send after the connection has closed.
var ErrConnClosed = errors.New("connection closed")

// outbox is the ordered frame queue between senders and a connection's
// single writer goroutine.
type outbox struct {
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newOutbox(size int) *outbox {
	return &outbox{
		send: make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// push queues data. When the queue is full it waits for the writer, so a slow
// peer stalls only the goroutine producing its frames. It returns
// ErrConnClosed once the connection is closed.
func (o *outbox) push(data []byte) error {
	select {
	case <-o.done:
		return ErrConnClosed
	default:
	}

	select {
	case o.send <- data:
		return nil
	case <-o.done:
		return ErrConnClosed
	}
}

// stop marks the connection closed and releases blocked senders.
func (o *outbox) stop() {
	o.once.Do(func() {
		close(o.done)
	})
}
