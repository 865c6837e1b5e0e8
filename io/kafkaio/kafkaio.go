// Package kafkaio connects pipelines to Kafka. A Source polls topics into
// timestamped elements, the unbounded input shape the grouping trigger gate
// exists for; a Sink produces keyed elements back out.
package kafkaio

import (
	"context"
	"fmt"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"

	"github.com/flumehq/flume"
	"github.com/flumehq/flume/coder"
)

// SourceOption configures a Source.
type SourceOption func(*sourceConfig)

type sourceConfig struct {
	group string
	extra []kgo.Opt
}

// WithConsumerGroup joins the source to a consumer group so offsets are
// tracked across restarts.
var WithConsumerGroup = func(group string) SourceOption {
	return func(c *sourceConfig) { c.group = group }
}

// WithClientOptions appends raw client options, for tuning the test or
// deployment environment.
var WithClientOptions = func(opts ...kgo.Opt) SourceOption {
	return func(c *sourceConfig) { c.extra = append(c.extra, opts...) }
}

// Source reads records from Kafka topics as keyed byte elements. Kafka
// topics never end, so a Source is always an unbounded input.
type Source struct {
	client *kgo.Client
}

// NewSource opens a consumer over the given topics.
func NewSource(brokers, topics []string, opts ...SourceOption) (*Source, error) {
	var cfg sourceConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeTopics(topics...),
	}
	if cfg.group != "" {
		kopts = append(kopts, kgo.ConsumerGroup(cfg.group))
	}
	kopts = append(kopts, cfg.extra...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("kafkaio: creating client: %w", err)
	}
	return &Source{client: client}, nil
}

// Boundedness reports the source's input shape.
func (s *Source) Boundedness() flume.Boundedness { return flume.Unbounded }

// Poll fetches up to max records, blocking until at least one record or an
// error is available. Elements carry the record's timestamp as event time.
func (s *Source) Poll(ctx context.Context, max int) ([]flume.Element[flume.KV[[]byte, []byte]], error) {
	fetches := s.client.PollRecords(ctx, max)
	if err := fetches.Err0(); err != nil {
		return nil, fmt.Errorf("kafkaio: poll: %w", err)
	}

	var out []flume.Element[flume.KV[[]byte, []byte]]
	fetches.EachRecord(func(r *kgo.Record) {
		out = append(out, flume.NewElement(
			flume.KV[[]byte, []byte]{Key: r.Key, Value: r.Value},
			r.Timestamp,
		))
	})
	return out, nil
}

// Client exposes the underlying client, for committing offsets or admin use.
func (s *Source) Client() *kgo.Client { return s.client }

// Close shuts the consumer down.
func (s *Source) Close() { s.client.Close() }

// Sink produces keyed elements to one topic. Produces are asynchronous;
// Flush waits for them and reports the first failures.
type Sink[K, V any] struct {
	client     *kgo.Client
	topic      string
	keyCoder   coder.Coder[K]
	valueCoder coder.Coder[V]

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewSink builds a sink over an existing client.
func NewSink[K, V any](client *kgo.Client, topic string, keyCoder coder.Coder[K], valueCoder coder.Coder[V]) *Sink[K, V] {
	return &Sink[K, V]{
		client:     client,
		topic:      topic,
		keyCoder:   keyCoder,
		valueCoder: valueCoder,
	}
}

// Write encodes and produces one element. The element's event time becomes
// the record timestamp.
func (s *Sink[K, V]) Write(ctx context.Context, elem flume.Element[flume.KV[K, V]]) error {
	key, err := s.keyCoder.Encode(elem.Value.Key)
	if err != nil {
		return fmt.Errorf("kafkaio: encoding key: %w", err)
	}
	value, err := s.valueCoder.Encode(elem.Value.Value)
	if err != nil {
		return fmt.Errorf("kafkaio: encoding value: %w", err)
	}

	s.wg.Add(1)
	s.client.Produce(ctx, &kgo.Record{
		Key:       key,
		Value:     value,
		Topic:     s.topic,
		Timestamp: elem.Timestamp,
	}, func(_ *kgo.Record, err error) {
		if err != nil {
			s.mu.Lock()
			s.errs = append(s.errs, err)
			s.mu.Unlock()
		}
		s.wg.Done()
	})
	return nil
}

// Flush waits for all outstanding produces and returns their accumulated
// errors.
func (s *Sink[K, V]) Flush(ctx context.Context) error {
	s.wg.Wait()
	if err := s.client.Flush(ctx); err != nil {
		return fmt.Errorf("kafkaio: flush: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := multierr.Combine(s.errs...)
	s.errs = nil
	return err
}
