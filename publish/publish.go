// Package publish hands committed events to a message transport.
//
// A Publisher turns every kestrel.StoredEvent into an Envelope, encodes it
// with a Codec and passes the resulting Messages to a Sink. Messages are
// keyed by aggregate ID so transports that partition by key keep one
// aggregate's events in order. Sinks live in the kafka and sns sub-packages.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kestrel-es/kestrel"
)

// Header keys attached to every Message.
const (
	HeaderEventType   = "event-type"
	HeaderAggregateID = "aggregate-id"
	HeaderSequence    = "sequence"
	HeaderContentType = "content-type"
	HeaderTenantID    = "tenant-id"
)

// ErrNoSink is returned when a Publisher has no Sink.
var ErrNoSink = errors.New("kestrel/publish: sink not configured")

var _ kestrel.Publisher = (*Publisher)(nil)

// Envelope is the transport form of a committed event.
type Envelope struct {
	EventID        string    `json:"eventId"`
	AggregateID    string    `json:"aggregateId"`
	TenantID       string    `json:"tenantId,omitempty"`
	Type           string    `json:"type"`
	Sequence       int64     `json:"sequence"`
	GlobalPosition uint64    `json:"globalPosition,omitempty"`
	ActorID        string    `json:"actorId,omitempty"`
	OccurredAt     time.Time `json:"occurredAt"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	CausationID    string    `json:"causationId,omitempty"`
	Payload        []byte    `json:"payload"`
}

// EnvelopeFrom builds an envelope from a stored event.
func EnvelopeFrom(e kestrel.StoredEvent) Envelope {
	return Envelope{
		EventID:        e.ID,
		AggregateID:    e.AggregateID,
		TenantID:       e.TenantID,
		Type:           e.Type,
		Sequence:       e.Sequence,
		GlobalPosition: e.GlobalPosition,
		ActorID:        e.ActorID,
		OccurredAt:     e.OccurredAt,
		CorrelationID:  e.Metadata.CorrelationID,
		CausationID:    e.Metadata.CausationID,
		Payload:        e.Data,
	}
}

// Codec encodes envelopes for the wire.
type Codec interface {
	Encode(Envelope) ([]byte, error)
	Decode([]byte) (Envelope, error)
	ContentType() string
}

// JSONCodec encodes envelopes as JSON. The payload is base64 inside the
// document since its format depends on the store's serializer.
type JSONCodec struct{}

// Encode implements Codec.
func (JSONCodec) Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}

// ContentType implements Codec.
func (JSONCodec) ContentType() string {
	return "application/json"
}

// Message is an encoded envelope ready for a Sink.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Sink delivers messages to a transport.
type Sink interface {
	Send(ctx context.Context, messages []Message) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, messages []Message) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, messages []Message) error {
	return f(ctx, messages)
}

// Publisher implements kestrel.Publisher on top of a Sink.
type Publisher struct {
	sink   Sink
	codec  Codec
	logger kestrel.Logger
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithCodec sets the envelope codec. Defaults to JSONCodec.
func WithCodec(c Codec) Option {
	return func(p *Publisher) {
		p.codec = c
	}
}

// WithLogger sets the logger.
func WithLogger(l kestrel.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// NewPublisher creates a Publisher sending to sink.
func NewPublisher(sink Sink, opts ...Option) *Publisher {
	p := &Publisher{
		sink:   sink,
		codec:  JSONCodec{},
		logger: kestrel.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Encode converts stored events to messages without sending them.
func (p *Publisher) Encode(events []kestrel.StoredEvent) ([]Message, error) {
	messages := make([]Message, 0, len(events))
	for _, e := range events {
		value, err := p.codec.Encode(EnvelopeFrom(e))
		if err != nil {
			return nil, fmt.Errorf("kestrel/publish: encode %s #%d: %w", e.AggregateID, e.Sequence, err)
		}

		headers := map[string]string{
			HeaderEventType:   e.Type,
			HeaderAggregateID: e.AggregateID,
			HeaderSequence:    strconv.FormatInt(e.Sequence, 10),
			HeaderContentType: p.codec.ContentType(),
		}
		if e.TenantID != "" {
			headers[HeaderTenantID] = e.TenantID
		}

		messages = append(messages, Message{
			Key:     []byte(e.AggregateID),
			Value:   value,
			Headers: headers,
		})
	}
	return messages, nil
}

// Publish encodes events and sends them in one batch.
func (p *Publisher) Publish(ctx context.Context, events []kestrel.StoredEvent) error {
	if p.sink == nil {
		return ErrNoSink
	}
	if len(events) == 0 {
		return nil
	}

	messages, err := p.Encode(events)
	if err != nil {
		return err
	}

	if err := p.sink.Send(ctx, messages); err != nil {
		return fmt.Errorf("kestrel/publish: send: %w", err)
	}

	p.logger.Debug("published events", "aggregateID", events[0].AggregateID, "count", len(messages))
	return nil
}
