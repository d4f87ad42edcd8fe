// Package sns provides an AWS SNS sink for committed events.
package sns

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/kestrel-es/kestrel/publish"
)

// AttributeEncoding is set to "base64" when the message body had to be
// encoded because the envelope codec produced binary output.
const AttributeEncoding = "content-transfer-encoding"

var _ publish.Sink = (*Sink)(nil)

// SNSClient defines the subset of the SNS API used by the sink.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Sink publishes messages to one SNS topic.
type Sink struct {
	client         SNSClient
	topicARN       string
	messageGroupID string
	fifo           bool
}

// Option configures an SNS Sink.
type Option func(*Sink)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(s *Sink) {
		s.client = client
	}
}

// WithMessageGroupID sets a fixed message group ID for FIFO topics.
func WithMessageGroupID(groupID string) Option {
	return func(s *Sink) {
		s.messageGroupID = groupID
	}
}

// WithFIFO uses the aggregate ID as message group and aggregate ID plus
// sequence as deduplication ID, so each aggregate is delivered in order.
func WithFIFO() Option {
	return func(s *Sink) {
		s.fifo = true
	}
}

// New creates a Sink for the topic ARN.
func New(topicARN string, opts ...Option) *Sink {
	s := &Sink{topicARN: topicARN}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Send publishes each message. All messages are attempted even if some
// fail; errors are joined.
func (s *Sink) Send(ctx context.Context, messages []publish.Message) error {
	if s.client == nil {
		return fmt.Errorf("sns: client not configured")
	}
	if strings.TrimSpace(s.topicARN) == "" {
		return fmt.Errorf("sns: missing topic ARN")
	}

	var errs []error
	for _, msg := range messages {
		if _, err := s.client.Publish(ctx, s.input(msg)); err != nil {
			errs = append(errs, fmt.Errorf("sns: failed to publish %s: %w", msg.Key, err))
		}
	}

	return errors.Join(errs...)
}

func (s *Sink) input(msg publish.Message) *sns.PublishInput {
	body := string(msg.Value)
	attributes := make(map[string]types.MessageAttributeValue, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		attributes[k] = stringAttribute(v)
	}
	if !utf8.Valid(msg.Value) {
		body = base64.StdEncoding.EncodeToString(msg.Value)
		attributes[AttributeEncoding] = stringAttribute("base64")
	}

	input := &sns.PublishInput{
		TopicArn:          stringPtr(s.topicARN),
		Message:           stringPtr(body),
		MessageAttributes: attributes,
	}

	switch {
	case s.fifo:
		input.MessageGroupId = stringPtr(string(msg.Key))
		input.MessageDeduplicationId = stringPtr(string(msg.Key) + ":" + msg.Headers[publish.HeaderSequence])
	case s.messageGroupID != "":
		input.MessageGroupId = stringPtr(s.messageGroupID)
	}

	return input
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    stringPtr("String"),
		StringValue: stringPtr(v),
	}
}

func stringPtr(s string) *string {
	return &s
}
