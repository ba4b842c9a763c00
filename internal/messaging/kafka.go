// Package messaging publishes pool events to Kafka: jobs, share outcomes,
// block results and periodic stats snapshots.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/pkg/circuit"
	"github.com/bardlex/scashpool/pkg/errors"
	"github.com/bardlex/scashpool/pkg/log"
	"github.com/bardlex/scashpool/pkg/retry"
)

// KafkaClient wraps kafka-go writers with a circuit breaker and retries.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	writersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	logger = logger.WithComponent("kafka")
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger,
		writers:        make(map[string]*kafka.Writer),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DefaultConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON marshals v and publishes it to Kafka.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	return lastErr
}

// Publisher maps pool events onto topics.
type Publisher struct {
	client *KafkaClient
}

// NewPublisher creates a publisher on client.
func NewPublisher(client *KafkaClient) *Publisher {
	return &Publisher{client: client}
}

// PublishJob publishes a new job keyed by its ID.
func (p *Publisher) PublishJob(ctx context.Context, job *jobs.Job) error {
	return p.client.PublishJSON(ctx, TopicJobs, job.ID, NewJobMessage(job))
}

// RecordShare publishes a share outcome keyed by worker, so one worker's
// shares stay ordered within a partition.
func (p *Publisher) RecordShare(ctx context.Context, msg *ShareMessage) error {
	return p.client.PublishJSON(ctx, TopicShares, msg.WorkerName, msg)
}

// RecordBlock publishes a block result keyed by block hash.
func (p *Publisher) RecordBlock(ctx context.Context, msg *BlockMessage) error {
	return p.client.PublishJSON(ctx, TopicBlocks, msg.BlockHash, msg)
}

// RecordStats publishes a stats snapshot as a protobuf Struct.
func (p *Publisher) RecordStats(ctx context.Context, msg *PoolStatsMessage) error {
	st, err := StatsStruct(msg)
	if err != nil {
		return err
	}
	return p.client.PublishProto(ctx, TopicPoolStats, "pool", st)
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// StatsStruct converts a snapshot into a protobuf Struct.
func StatsStruct(msg *PoolStatsMessage) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(map[string]any{
		"total_shares":      msg.TotalShares,
		"valid_shares":      msg.ValidShares,
		"invalid_shares":    msg.InvalidShares,
		"blocks_found":      msg.BlocksFound,
		"blocks_rejected":   msg.BlocksRejected,
		"last_block_height": msg.LastBlockHeight,
		"hashrate":          msg.Hashrate,
		"sessions":          msg.Sessions,
		"uptime_seconds":    msg.Uptime.Seconds(),
		"timestamp":         msg.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "stats_struct",
			"failed to build stats struct")
	}
	return st, nil
}
