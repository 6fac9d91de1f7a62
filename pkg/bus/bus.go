// Package bus provides the durable event bus backing all swarm coordination.
//
// The bus is a thin contract over NATS JetStream: at-least-once delivery,
// named durable consumers created idempotently, explicit acks, and per-subject
// filtering. Exactly-once effect is the consumer's job (see pkg/dedup) — the
// bus itself only guarantees redelivery of unacked messages.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var ErrClosed = errors.New("bus: connection closed")

// Handler processes one message. Returning an error leaves the message
// unacked so the broker redelivers it.
type Handler func(ctx context.Context, msg Message) error

// Message is a received bus message.
type Message struct {
	Subject string
	Data    []byte
	// MsgID is the broker-assigned identity used for dedup: stream sequence
	// when available, otherwise the Nats-Msg-Id header.
	MsgID string
}

// ConsumeOptions bounds one pull-consume call.
type ConsumeOptions struct {
	MaxMessages int
	Timeout     time.Duration
}

// Bus is the durable event bus used by governance, the watchdog and the
// hatchery.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) (uint64, error)
	Consume(ctx context.Context, subjectFilter, consumer string, handler Handler, opts ConsumeOptions) (int, error)
	Subscribe(ctx context.Context, subjectFilter, consumer string, handler Handler) (func(), error)
	ConsumerPending(ctx context.Context, consumer string) (uint64, error)
	Close() error
}

// Options configures the JetStream bus.
type Options struct {
	URL    string
	Stream string
	Logger *slog.Logger
}

// JetStreamBus implements Bus on a single JetStream stream covering the
// swarm.> namespace.
type JetStreamBus struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream jetstream.Stream
	name   string
	log    *slog.Logger
}

// Connect dials NATS and ensures the swarm stream exists.
func Connect(ctx context.Context, opts Options) (*JetStreamBus, error) {
	if opts.Stream == "" {
		opts.Stream = "SWARM"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	nc, err := nats.Connect(opts.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect %s: %w", opts.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      opts.Stream,
		Subjects:  []string{"swarm.>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: ensure stream %s: %w", opts.Stream, err)
	}

	return &JetStreamBus{nc: nc, js: js, stream: stream, name: opts.Stream, log: opts.Logger}, nil
}

// Publish sends a payload and returns the stream sequence it landed at.
func (b *JetStreamBus) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	ack, err := b.js.Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// ensureConsumer creates the named durable consumer idempotently. Deliver-all
// from first creation, explicit ack.
func (b *JetStreamBus) ensureConsumer(ctx context.Context, subjectFilter, name string) (jetstream.Consumer, error) {
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: subjectFilter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: ensure consumer %s: %w", name, err)
	}
	return cons, nil
}

// Consume fetches up to MaxMessages from the durable consumer and invokes the
// handler for each. A message is acked only when the handler returns nil;
// handler errors leave it for broker redelivery. Returns the number of
// messages handled successfully.
func (b *JetStreamBus) Consume(ctx context.Context, subjectFilter, consumer string, handler Handler, opts ConsumeOptions) (int, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	cons, err := b.ensureConsumer(ctx, subjectFilter, consumer)
	if err != nil {
		return 0, err
	}

	batch, err := cons.Fetch(opts.MaxMessages, jetstream.FetchMaxWait(opts.Timeout))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return 0, nil
		}
		return 0, fmt.Errorf("bus: fetch %s: %w", consumer, err)
	}

	handled := 0
	for msg := range batch.Messages() {
		m := toMessage(msg)
		if err := handler(ctx, m); err != nil {
			b.log.Warn("bus handler failed, message left for redelivery",
				"consumer", consumer, "subject", m.Subject, "error", err)
			_ = msg.Nak()
			continue
		}
		if err := msg.Ack(); err != nil {
			b.log.Warn("bus ack failed", "consumer", consumer, "error", err)
			continue
		}
		handled++
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return handled, fmt.Errorf("bus: batch %s: %w", consumer, err)
	}
	return handled, nil
}

// Subscribe is the push variant: messages are delivered to the handler via
// the consumer's inbox and acked by the bus after the handler returns nil.
// The returned func stops delivery.
func (b *JetStreamBus) Subscribe(ctx context.Context, subjectFilter, consumer string, handler Handler) (func(), error) {
	cons, err := b.ensureConsumer(ctx, subjectFilter, consumer)
	if err != nil {
		return nil, err
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		m := toMessage(msg)
		if err := handler(ctx, m); err != nil {
			b.log.Warn("bus subscriber failed, message left for redelivery",
				"consumer", consumer, "subject", m.Subject, "error", err)
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", consumer, err)
	}
	return cc.Stop, nil
}

// ConsumerPending returns the number of undelivered messages for a durable
// consumer — the lag signal the hatchery scales on.
func (b *JetStreamBus) ConsumerPending(ctx context.Context, consumer string) (uint64, error) {
	cons, err := b.stream.Consumer(ctx, consumer)
	if err != nil {
		return 0, fmt.Errorf("bus: consumer %s: %w", consumer, err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("bus: consumer info %s: %w", consumer, err)
	}
	return info.NumPending, nil
}

// Close drains the connection so in-flight acks complete.
func (b *JetStreamBus) Close() error {
	if b.nc == nil || b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}

func toMessage(msg jetstream.Msg) Message {
	id := ""
	if meta, err := msg.Metadata(); err == nil {
		id = fmt.Sprintf("%s:%d", msg.Subject(), meta.Sequence.Stream)
	} else if hdr := msg.Headers(); hdr != nil {
		id = hdr.Get(nats.MsgIdHdr)
	}
	if id == "" {
		// Last resort: subject plus payload prefix keeps dedup stable across
		// redeliveries of the same message.
		data := msg.Data()
		if len(data) > 32 {
			data = data[:32]
		}
		id = msg.Subject() + ":" + strings.ToValidUTF8(string(data), "")
	}
	return Message{Subject: msg.Subject(), Data: msg.Data(), MsgID: id}
}

var _ Bus = (*JetStreamBus)(nil)
