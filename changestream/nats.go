package changestream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/vaultsync/cfg"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const natsFetchWait = 5 * time.Second

func init() {
	RegisterTransport("nats", func(config cfg.ChangeStreamConfiguration) (Transport, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats transport requires nats_url")
		}
		return NewNatsTransport(config.NatsURL, config.Topic)
	})
}

// NatsTransport publishes to a JetStream subject and consumes through durable consumers.
// JetStream keeps one ordered stream per subject, so per-key order holds trivially.
type NatsTransport struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string
	stream  string
}

// NewNatsTransport connects to NATS and ensures the backing stream exists.
func NewNatsTransport(url, subject string) (*NatsTransport, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats transport requires a topic")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &NatsTransport{nc: nc, js: js, subject: subject, stream: streamName(subject)}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      t.stream,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", t.stream, err)
	}

	return t, nil
}

func (n *NatsTransport) Publish(ctx context.Context, key string, value []byte) error {
	msg := &nats.Msg{
		Subject: n.subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}
	if _, err := n.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

func (n *NatsTransport) Consumer(group string) (Consumer, error) {
	if group == "" {
		return nil, fmt.Errorf("nats consumer requires a consumer group")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cons, err := n.js.CreateOrUpdateConsumer(ctx, n.stream, jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		// One unacknowledged message at a time keeps delivery in stream order
		MaxAckPending: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", group, err)
	}
	return &natsConsumer{cons: cons}, nil
}

func (n *NatsTransport) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

type natsConsumer struct {
	cons jetstream.Consumer
}

func (c *natsConsumer) Fetch(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}

		msg, err := c.cons.Next(jetstream.FetchMaxWait(natsFetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, jetstream.ErrNoMessages) {
				continue
			}
			return Message{}, err
		}

		var offset int64
		if meta, err := msg.Metadata(); err == nil {
			offset = int64(meta.Sequence.Stream)
		}
		return Message{
			Key:    msg.Headers().Get("key"),
			Value:  msg.Data(),
			Offset: offset,
			ack:    msg,
		}, nil
	}
}

func (c *natsConsumer) Commit(ctx context.Context, msg Message) error {
	m, ok := msg.ack.(jetstream.Msg)
	if !ok {
		return fmt.Errorf("message was not fetched from nats")
	}
	return m.Ack()
}

func (c *natsConsumer) Close() error {
	return nil
}

// streamName converts a subject to a valid JetStream stream name.
func streamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}
