// Package protobuf provides a Protocol Buffers wire codec for publish envelopes.
//
// The codec writes the envelope as the message below using protowire
// directly, so no generated code is needed on the producer side. Consumers
// in other languages can decode it with an equivalent .proto definition:
//
//	message Envelope {
//	  string event_id = 1;
//	  string aggregate_id = 2;
//	  string tenant_id = 3;
//	  string type = 4;
//	  int64 sequence = 5;
//	  uint64 global_position = 6;
//	  string actor_id = 7;
//	  google.protobuf.Timestamp occurred_at = 8;
//	  string correlation_id = 9;
//	  string causation_id = 10;
//	  bytes payload = 11;
//	}
//
// Usage:
//
//	publisher := publish.NewPublisher(sink, publish.WithCodec(protobuf.EnvelopeCodec{}))
package protobuf

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/kestrel-es/kestrel/publish"
)

// Field numbers of the Envelope message.
const (
	fieldEventID        protowire.Number = 1
	fieldAggregateID    protowire.Number = 2
	fieldTenantID       protowire.Number = 3
	fieldType           protowire.Number = 4
	fieldSequence       protowire.Number = 5
	fieldGlobalPosition protowire.Number = 6
	fieldActorID        protowire.Number = 7
	fieldOccurredAt     protowire.Number = 8
	fieldCorrelationID  protowire.Number = 9
	fieldCausationID    protowire.Number = 10
	fieldPayload        protowire.Number = 11
)

// ErrMalformed indicates bytes that are not a valid envelope.
var ErrMalformed = errors.New("kestrel/protobuf: malformed envelope")

var _ publish.Codec = EnvelopeCodec{}

// EnvelopeCodec implements publish.Codec with the protobuf wire format.
type EnvelopeCodec struct{}

// ContentType implements publish.Codec.
func (EnvelopeCodec) ContentType() string {
	return "application/x-protobuf"
}

// Encode implements publish.Codec. Zero-valued fields are omitted as proto3 does.
func (EnvelopeCodec) Encode(env publish.Envelope) ([]byte, error) {
	var b []byte
	b = appendString(b, fieldEventID, env.EventID)
	b = appendString(b, fieldAggregateID, env.AggregateID)
	b = appendString(b, fieldTenantID, env.TenantID)
	b = appendString(b, fieldType, env.Type)
	if env.Sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(env.Sequence))
	}
	if env.GlobalPosition != 0 {
		b = protowire.AppendTag(b, fieldGlobalPosition, protowire.VarintType)
		b = protowire.AppendVarint(b, env.GlobalPosition)
	}
	b = appendString(b, fieldActorID, env.ActorID)
	if !env.OccurredAt.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(env.OccurredAt))
		if err != nil {
			return nil, fmt.Errorf("kestrel/protobuf: encode occurred_at: %w", err)
		}
		b = protowire.AppendTag(b, fieldOccurredAt, protowire.BytesType)
		b = protowire.AppendBytes(b, ts)
	}
	b = appendString(b, fieldCorrelationID, env.CorrelationID)
	b = appendString(b, fieldCausationID, env.CausationID)
	if len(env.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, env.Payload)
	}
	return b, nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// Decode implements publish.Codec. Unknown fields are skipped.
func (EnvelopeCodec) Decode(data []byte) (publish.Envelope, error) {
	var env publish.Envelope
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return publish.Envelope{}, malformed(protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && isBytesField(num):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return publish.Envelope{}, malformed(protowire.ParseError(n))
			}
			data = data[n:]
			if err := setBytesField(&env, num, v); err != nil {
				return publish.Envelope{}, err
			}

		case typ == protowire.VarintType && (num == fieldSequence || num == fieldGlobalPosition):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return publish.Envelope{}, malformed(protowire.ParseError(n))
			}
			data = data[n:]
			if num == fieldSequence {
				env.Sequence = int64(v)
			} else {
				env.GlobalPosition = v
			}

		case num <= fieldPayload:
			return publish.Envelope{}, malformed(fmt.Errorf("field %d has wire type %d", num, typ))

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return publish.Envelope{}, malformed(protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return env, nil
}

func isBytesField(num protowire.Number) bool {
	switch num {
	case fieldEventID, fieldAggregateID, fieldTenantID, fieldType, fieldActorID,
		fieldOccurredAt, fieldCorrelationID, fieldCausationID, fieldPayload:
		return true
	}
	return false
}

func setBytesField(env *publish.Envelope, num protowire.Number, v []byte) error {
	switch num {
	case fieldEventID:
		env.EventID = string(v)
	case fieldAggregateID:
		env.AggregateID = string(v)
	case fieldTenantID:
		env.TenantID = string(v)
	case fieldType:
		env.Type = string(v)
	case fieldActorID:
		env.ActorID = string(v)
	case fieldCorrelationID:
		env.CorrelationID = string(v)
	case fieldCausationID:
		env.CausationID = string(v)
	case fieldPayload:
		env.Payload = append([]byte(nil), v...)
	case fieldOccurredAt:
		var ts timestamppb.Timestamp
		if err := proto.Unmarshal(v, &ts); err != nil {
			return malformed(err)
		}
		if err := ts.CheckValid(); err != nil {
			return malformed(err)
		}
		env.OccurredAt = ts.AsTime()
	}
	return nil
}

func malformed(cause error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, cause)
}
