// Package kafka provides a Kafka sink for committed events using
// github.com/segmentio/kafka-go.
//
// Messages are keyed by aggregate ID and written with a hash balancer, so all
// events of one aggregate land on the same partition in sequence order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/kestrel-es/kestrel/publish"
)

var _ publish.Sink = (*Sink)(nil)

// messageWriter is the part of *kafkago.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Sink writes messages to Kafka topics.
type Sink struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	topicFor     func(publish.Message) string
	newWriter    func(topic string) messageWriter

	mu      sync.RWMutex
	writers map[string]messageWriter
}

// Option configures a Kafka Sink.
type Option func(*Sink)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(s *Sink) {
		s.brokers = brokers
	}
}

// WithBalancer sets the message balancer (partitioner).
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(s *Sink) {
		s.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writers.
func WithBatchTimeout(d time.Duration) Option {
	return func(s *Sink) {
		s.batchTimeout = d
	}
}

// WithTopicFunc routes each message to the topic returned by fn.
// An empty topic fails the message.
func WithTopicFunc(fn func(publish.Message) string) Option {
	return func(s *Sink) {
		s.topicFor = fn
	}
}

// TopicPerEventType routes each message to prefix + event type.
func TopicPerEventType(prefix string) func(publish.Message) string {
	return func(m publish.Message) string {
		return prefix + m.Headers[publish.HeaderEventType]
	}
}

// New creates a Sink writing every message to topic unless WithTopicFunc
// overrides the routing.
func New(topic string, opts ...Option) *Sink {
	s := &Sink{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		topicFor:     func(publish.Message) string { return topic },
		writers:      make(map[string]messageWriter),
	}
	s.newWriter = s.kafkaWriter

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Send writes messages grouped by topic. Every topic is attempted; failures
// are joined.
func (s *Sink) Send(ctx context.Context, messages []publish.Message) error {
	grouped := make(map[string][]kafkago.Message)
	var errs []error
	for _, msg := range messages {
		topic := s.topicFor(msg)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: no topic for message with key %q", msg.Key))
			continue
		}
		grouped[topic] = append(grouped[topic], toKafka(msg))
	}

	topics := make([]string, 0, len(grouped))
	for topic := range grouped {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	for _, topic := range topics {
		if err := s.getWriter(topic).WriteMessages(ctx, grouped[topic]...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: failed to write to topic %s: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

func toKafka(msg publish.Message) kafkago.Message {
	km := kafkago.Message{Key: msg.Key, Value: msg.Value}

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(msg.Headers[k])})
	}
	return km
}

// Close closes all Kafka writers.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, w := range s.writers {
		if err := w.Close(); err != nil {
			return err
		}
		delete(s.writers, topic)
	}
	return nil
}

// getWriter returns or creates a writer for the given topic.
func (s *Sink) getWriter(topic string) messageWriter {
	s.mu.RLock()
	if w, ok := s.writers[topic]; ok {
		s.mu.RUnlock()
		return w
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.writers[topic]; ok {
		return w
	}

	w := s.newWriter(topic)
	s.writers[topic] = w
	return w
}

func (s *Sink) kafkaWriter(topic string) messageWriter {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(s.brokers...),
		Topic:                  topic,
		Balancer:               s.balancer,
		BatchTimeout:           s.batchTimeout,
		Transport:              s.transport,
		AllowAutoTopicCreation: true,
	}
}
