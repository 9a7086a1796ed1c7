package changestream

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/vaultsync/cfg"
)

// Message is one record read from the topic.
type Message struct {
	Key    string
	Value  []byte
	Offset int64

	// ack is transport-specific commit state
	ack interface{}
}

// Consumer reads a topic as a member of a consumer group.
type Consumer interface {
	// Fetch blocks until a message is available or ctx is done.
	Fetch(ctx context.Context) (Message, error)
	// Commit marks msg, and everything before it, as processed for the group.
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// Transport is a keyed, partition-ordered topic.
type Transport interface {
	// Publish writes value under key. Messages with the same key keep their publish order.
	Publish(ctx context.Context, key string, value []byte) error
	// Consumer joins group and resumes after the group's last commit.
	Consumer(group string) (Consumer, error)
	Close() error
}

// TransportFactory creates a Transport from configuration.
type TransportFactory func(cfg.ChangeStreamConfiguration) (Transport, error)

var (
	transportFactories = make(map[string]TransportFactory)
	transportMu        sync.RWMutex
)

// RegisterTransport registers a transport factory under a name.
func RegisterTransport(name string, factory TransportFactory) {
	transportMu.Lock()
	defer transportMu.Unlock()
	transportFactories[name] = factory
}

// NewTransport creates the transport named by config.Transport.
func NewTransport(config cfg.ChangeStreamConfiguration) (Transport, error) {
	transportMu.RLock()
	factory, exists := transportFactories[config.Transport]
	transportMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown change stream transport: %s", config.Transport)
	}
	return factory(config)
}
