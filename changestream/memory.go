package changestream

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpert/vaultsync/cfg"
)

// ErrTransportClosed is returned by operations on a closed transport.
var ErrTransportClosed = errors.New("change stream transport closed")

var (
	memoryTopics   = make(map[string]*MemoryTransport)
	memoryTopicsMu sync.Mutex
)

func init() {
	RegisterTransport("memory", func(config cfg.ChangeStreamConfiguration) (Transport, error) {
		memoryTopicsMu.Lock()
		defer memoryTopicsMu.Unlock()
		t, ok := memoryTopics[config.Topic]
		if !ok || t.isClosed() {
			t = NewMemoryTransport()
			memoryTopics[config.Topic] = t
		}
		return t, nil
	})
}

// MemoryTransport is a single-partition in-process topic. Committed offsets
// survive consumer restarts for as long as the transport lives.
type MemoryTransport struct {
	mu        sync.Mutex
	messages  []Message
	committed map[string]int64
	wake      chan struct{}
	closed    bool
}

// NewMemoryTransport creates an empty topic.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		committed: make(map[string]int64),
		wake:      make(chan struct{}),
	}
}

func (t *MemoryTransport) Publish(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}

	t.messages = append(t.messages, Message{
		Key:    key,
		Value:  append([]byte(nil), value...),
		Offset: int64(len(t.messages)),
	})
	close(t.wake)
	t.wake = make(chan struct{})
	return nil
}

func (t *MemoryTransport) Consumer(group string) (Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	return &memoryConsumer{t: t, group: group, next: t.committed[group]}, nil
}

// Committed returns the next offset group will read after a restart.
func (t *MemoryTransport) Committed(group string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed[group]
}

// Len returns the number of published messages.
func (t *MemoryTransport) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.wake)
	}
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type memoryConsumer struct {
	t     *MemoryTransport
	group string
	next  int64
}

func (c *memoryConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		c.t.mu.Lock()
		if c.t.closed {
			c.t.mu.Unlock()
			return Message{}, ErrTransportClosed
		}
		if c.next < int64(len(c.t.messages)) {
			msg := c.t.messages[c.next]
			c.next++
			c.t.mu.Unlock()
			return msg, nil
		}
		wake := c.t.wake
		c.t.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-wake:
		}
	}
}

func (c *memoryConsumer) Commit(ctx context.Context, msg Message) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if msg.Offset+1 > c.t.committed[c.group] {
		c.t.committed[c.group] = msg.Offset + 1
	}
	return nil
}

func (c *memoryConsumer) Close() error {
	return nil
}
