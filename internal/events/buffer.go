package events

import "sync"

type message struct {
	Kind string
	Data []byte
}

// buffer is a FIFO queue shared between the callers pushing events
// and the producer goroutine draining them.
type buffer struct {
	lock sync.Mutex
	msgs []*message
}

func newBuffer() *buffer {
	return &buffer{msgs: make([]*message, 0)}
}

func (b *buffer) PushBack(msg *message) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.msgs = append(b.msgs, msg)

	return nil
}

func (b *buffer) Pop() *message {
	b.lock.Lock()
	defer b.lock.Unlock()

	if len(b.msgs) == 0 {
		return nil
	}

	tmp := b.msgs[0]
	b.msgs = b.msgs[1:]

	return tmp
}

func (b *buffer) Size() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.msgs)
}
