package kestrel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRegistry(t *testing.T) {
	r := NewEventRegistry()

	r.RegisterAll(MemberCreated{}, &MemberBlocked{}, renamedEvent{})
	r.Register("custom", TagAdded{})

	assert.Equal(t, 4, r.Count())
	assert.Equal(t, []string{"MemberBlocked", "MemberCreated", "custom", "member.renamed"}, r.RegisteredTypes())
	typ, ok := r.Lookup("MemberBlocked")
	require.True(t, ok)
	assert.Equal(t, "MemberBlocked", typ.Name())
	_, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestJSONSerializer(t *testing.T) {
	s := NewJSONSerializer()
	s.RegisterAll(examplesOf(memberEvents())...)

	t.Run("payload excludes header", func(t *testing.T) {
		event := stamped("m-1", 3, MemberCreated{Name: "ada"})

		data, err := s.Serialize(event)

		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"ada"}`, string(data))
	})

	t.Run("deserializes registered type", func(t *testing.T) {
		payload, err := s.Deserialize([]byte(`{"reason":"spam"}`), "MemberBlocked")

		require.NoError(t, err)
		assert.Equal(t, MemberBlocked{Reason: "spam"}, payload)
	})

	t.Run("unregistered type fails", func(t *testing.T) {
		_, err := s.Deserialize([]byte(`{}`), "Ghost")

		assert.ErrorIs(t, err, ErrEventTypeNotRegistered)
	})

	t.Run("empty data fails", func(t *testing.T) {
		_, err := s.Deserialize(nil, "MemberBlocked")

		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("nil event", func(t *testing.T) {
		_, err := s.Serialize(nil)

		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("shared registry", func(t *testing.T) {
		registry := NewEventRegistry()
		registry.RegisterAll(TagAdded{})

		assert.Same(t, registry, NewJSONSerializerWithRegistry(registry).Registry())
		assert.NotNil(t, NewJSONSerializerWithRegistry(nil).Registry())
	})
}

func TestSerializeEvent(t *testing.T) {
	s := NewJSONSerializer()
	event := stamped("m-1", 2, MemberActivated{})

	data, err := SerializeEvent(s, event, Metadata{UserID: "u"})

	require.NoError(t, err)
	assert.Equal(t, "MemberActivated", data.Type)
	assert.Equal(t, int64(2), data.Header.Sequence)
	assert.Equal(t, "u", data.Metadata.UserID)
}

func TestDeserializeEvent(t *testing.T) {
	s := NewJSONSerializer()
	s.RegisterAll(examplesOf(memberEvents())...)
	occurred := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)

	t.Run("restores stored header verbatim", func(t *testing.T) {
		stored := StoredEvent{
			AggregateID: "m-1",
			TenantID:    "t",
			Type:        "MemberCreated",
			Data:        []byte(`{"name":"ada"}`),
			Sequence:    9,
			ActorID:     "admin",
			OccurredAt:  occurred,
		}

		event, err := DeserializeEvent(s, stored)

		require.NoError(t, err)
		created := event.(MemberCreated)
		assert.Equal(t, "ada", created.Name)
		assert.Equal(t, EventHeader{AggregateID: "m-1", TenantID: "t", ActorID: "admin", Sequence: 9, OccurredAt: occurred}, created.Header())
	})

	t.Run("unknown discriminator is a data integrity error", func(t *testing.T) {
		_, err := DeserializeEvent(s, StoredEvent{AggregateID: "m-1", Type: "Ghost", Data: []byte(`{}`), Sequence: 4})

		require.ErrorIs(t, err, ErrDataIntegrity)
		kind, _ := IntegrityKindOf(err)
		assert.Equal(t, UnknownVariant, kind)
		assert.ErrorIs(t, err, ErrEventTypeNotRegistered)
	})

	t.Run("payload that is not an event", func(t *testing.T) {
		s.Register("plain", struct{ A int }{})

		_, err := DeserializeEvent(s, StoredEvent{Type: "plain", Data: []byte(`{"A":1}`)})

		assert.ErrorIs(t, err, ErrSerializationFailed)
	})
}
