package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topics the engine exports onto.
const (
	TopicEvents    = "engine.events"
	TopicDecisions = "engine.decisions"
	TopicAudit     = "engine.audit"
)

// Producer publishes engine records to Kafka. The interface allows swapping a
// real broker for the in-memory stub in tests and development.
type Producer interface {
	// PublishJSON marshals value and publishes it synchronously, keyed for
	// partitioning.
	PublishJSON(ctx context.Context, topic, key string, value any) error
	// Flush waits for buffered records up to the timeout. Returns 0 on success.
	Flush(timeout time.Duration) int
	// Close flushes pending records and shuts the producer down.
	Close()
}

// Option configures a KafkaProducer.
type Option func(*producerConfig)

type producerConfig struct {
	instanceID    string
	schemaVersion string
	linger        time.Duration
}

// WithInstanceID sets the client id and the producer header value.
func WithInstanceID(id string) Option {
	return func(c *producerConfig) { c.instanceID = id }
}

// WithSchemaVersion sets the schema version header.
func WithSchemaVersion(v string) Option {
	return func(c *producerConfig) { c.schemaVersion = v }
}

// WithLinger sets the batching linger.
func WithLinger(d time.Duration) Option {
	return func(c *producerConfig) { c.linger = d }
}

// KafkaProducer publishes via franz-go with snappy compression and all-ISR
// acknowledgements.
type KafkaProducer struct {
	client  *kgo.Client
	headers []kgo.RecordHeader

	mu     sync.RWMutex
	closed bool
}

// NewKafka creates a Kafka producer.
func NewKafka(brokers []string, opts ...Option) (*KafkaProducer, error) {
	cfg := &producerConfig{
		instanceID:    "halcyon-engine",
		schemaVersion: "1.0.0",
		linger:        5 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(cfg.instanceID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.linger),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	log.Info().
		Strs("brokers", brokers).
		Str("instance_id", cfg.instanceID).
		Msg("kafka export producer created")

	return &KafkaProducer{
		client: client,
		headers: []kgo.RecordHeader{
			{Key: "producer", Value: []byte(cfg.instanceID)},
			{Key: "schema_version", Value: []byte(cfg.schemaVersion)},
		},
	}, nil
}

// PublishJSON marshals value and publishes synchronously.
func (p *KafkaProducer) PublishJSON(ctx context.Context, topic, key string, value any) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("producer is closed")
	}
	p.mu.RUnlock()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   data,
		Headers: p.headers,
	}
	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("key", key).Msg("export publish failed")
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Flush waits for buffered records. Returns 0 on success, 1 on error.
func (p *KafkaProducer) Flush(timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		log.Error().Err(err).Msg("export flush failed")
		return 1
	}
	return 0
}

// Close flushes and shuts down.
func (p *KafkaProducer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.client.Close()
	log.Info().Msg("kafka export producer closed")
}

// StubProducer buffers published records in memory. Used when Kafka is
// unavailable and in unit tests.
type StubProducer struct {
	mu      sync.Mutex
	Records []StubRecord
}

// StubRecord is a record captured by StubProducer.
type StubRecord struct {
	Topic string
	Key   string
	Value []byte
}

// NewStub creates an empty in-memory producer.
func NewStub() *StubProducer {
	return &StubProducer{Records: make([]StubRecord, 0, 256)}
}

func (p *StubProducer) PublishJSON(_ context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.Records = append(p.Records, StubRecord{Topic: topic, Key: key, Value: data})
	p.mu.Unlock()
	return nil
}

func (p *StubProducer) Flush(_ time.Duration) int { return 0 }

func (p *StubProducer) Close() {}

// ByTopic returns captured records for one topic.
func (p *StubProducer) ByTopic(topic string) []StubRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []StubRecord
	for _, r := range p.Records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}
