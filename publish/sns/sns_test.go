package sns

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-es/kestrel"
	"github.com/kestrel-es/kestrel/publish"
)

const topicARN = "arn:aws:sns:us-east-1:123456789:accounts"

// mockSNSClient implements SNSClient for testing.
type mockSNSClient struct {
	publishCalls []*sns.PublishInput
	publishErr   error
}

func (m *mockSNSClient) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	m.publishCalls = append(m.publishCalls, params)
	if m.publishErr != nil {
		return nil, m.publishErr
	}
	return &sns.PublishOutput{MessageId: stringPtr("msg-123")}, nil
}

func message(key, seq string, value []byte) publish.Message {
	return publish.Message{
		Key:   []byte(key),
		Value: value,
		Headers: map[string]string{
			publish.HeaderEventType: "AccountCreated",
			publish.HeaderSequence:  seq,
		},
	}
}

func TestSink_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes body and attributes", func(t *testing.T) {
		mock := &mockSNSClient{}
		s := New(topicARN, WithSNSClient(mock))

		require.NoError(t, s.Send(ctx, []publish.Message{message("acct-1", "1", []byte(`{"type":"AccountCreated"}`))}))
		require.Len(t, mock.publishCalls, 1)

		call := mock.publishCalls[0]
		assert.Equal(t, topicARN, *call.TopicArn)
		assert.Equal(t, `{"type":"AccountCreated"}`, *call.Message)
		assert.Equal(t, "AccountCreated", *call.MessageAttributes[publish.HeaderEventType].StringValue)
		assert.NotContains(t, call.MessageAttributes, AttributeEncoding)
		assert.Nil(t, call.MessageGroupId)
	})

	t.Run("binary values are base64 encoded", func(t *testing.T) {
		mock := &mockSNSClient{}
		s := New(topicARN, WithSNSClient(mock))
		raw := []byte{0x0a, 0xff, 0xfe}

		require.NoError(t, s.Send(ctx, []publish.Message{message("acct-1", "1", raw)}))

		call := mock.publishCalls[0]
		assert.Equal(t, base64.StdEncoding.EncodeToString(raw), *call.Message)
		assert.Equal(t, "base64", *call.MessageAttributes[AttributeEncoding].StringValue)
	})

	t.Run("fixed message group", func(t *testing.T) {
		mock := &mockSNSClient{}
		s := New(topicARN+".fifo", WithSNSClient(mock), WithMessageGroupID("accounts"))

		require.NoError(t, s.Send(ctx, []publish.Message{message("acct-1", "1", []byte(`{}`))}))
		assert.Equal(t, "accounts", *mock.publishCalls[0].MessageGroupId)
	})

	t.Run("fifo groups by aggregate", func(t *testing.T) {
		mock := &mockSNSClient{}
		s := New(topicARN+".fifo", WithSNSClient(mock), WithFIFO())

		require.NoError(t, s.Send(ctx, []publish.Message{message("acct-9", "4", []byte(`{}`))}))
		call := mock.publishCalls[0]
		assert.Equal(t, "acct-9", *call.MessageGroupId)
		assert.Equal(t, "acct-9:4", *call.MessageDeduplicationId)
	})

	t.Run("no client", func(t *testing.T) {
		err := New(topicARN).Send(ctx, []publish.Message{message("acct-1", "1", []byte(`{}`))})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "client not configured")
	})

	t.Run("missing topic", func(t *testing.T) {
		err := New("", WithSNSClient(&mockSNSClient{})).Send(ctx, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "missing topic ARN")
	})

	t.Run("all messages attempted on failure", func(t *testing.T) {
		boom := errors.New("throttled")
		mock := &mockSNSClient{publishErr: boom}
		s := New(topicARN, WithSNSClient(mock))

		err := s.Send(ctx, []publish.Message{
			message("acct-1", "1", []byte(`{}`)),
			message("acct-1", "2", []byte(`{}`)),
		})
		assert.ErrorIs(t, err, boom)
		assert.Len(t, mock.publishCalls, 2)
	})
}

func TestSink_WithPublisher(t *testing.T) {
	mock := &mockSNSClient{}
	p := publish.NewPublisher(New(topicARN, WithSNSClient(mock), WithFIFO()))

	err := p.Publish(context.Background(), []kestrel.StoredEvent{
		{ID: "evt-1", AggregateID: "acct-1", Type: "AccountCreated", Sequence: 1, Data: []byte(`{}`)},
		{ID: "evt-2", AggregateID: "acct-1", Type: "AccountActivated", Sequence: 2, Data: []byte(`{}`)},
	})
	require.NoError(t, err)
	require.Len(t, mock.publishCalls, 2)
	assert.Equal(t, "acct-1:2", *mock.publishCalls[1].MessageDeduplicationId)
}
