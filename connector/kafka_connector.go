package connector

import (
	"context"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/config"
)

const (
	kafkaClientID       = "roundtrip"
	kafkaProduceRetries = 2
	kafkaRetryBackoff   = 100 * time.Millisecond
)

// KafkaConnectorFactory implements ConnectorFactory by handing out a
// synchronous sarama producer and a consumer group member reading the same
// topic.
type KafkaConnectorFactory struct {
	BaseConnectorFactory
	GroupID string
	config  *sarama.Config
}

// NewKafkaConnectorFactory builds the sarama configuration shared by the
// producer and the consumer from o.
func NewKafkaConnectorFactory(o *config.Options) (*KafkaConnectorFactory, error) {
	c, err := newSaramaConfig(o)
	if err != nil {
		return nil, err
	}
	return &KafkaConnectorFactory{
		BaseConnectorFactory: BaseConnectorFactory{URLs: o.BrokerList},
		GroupID:              o.GroupID,
		config:               c,
	}, nil
}

func newSaramaConfig(o *config.Options) (*sarama.Config, error) {
	c := sarama.NewConfig()
	c.ClientID = kafkaClientID
	switch o.KafkaVersion {
	case "":
	case "latest":
		c.Version = sarama.MaxVersion
	default:
		v, err := sarama.ParseKafkaVersion(o.KafkaVersion)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing kafka version %q", o.KafkaVersion)
		}
		c.Version = v
	}

	c.Producer.Return.Successes = true
	c.Producer.Return.Errors = true
	// every attempt gets an equal share so a send including its retries
	// stays close to the message timeout
	attempt := perAttemptTimeout(o.MessageTimeout)
	c.Producer.Retry.Max = kafkaProduceRetries
	c.Producer.Retry.Backoff = kafkaRetryBackoff
	c.Producer.Timeout = attempt
	c.Net.WriteTimeout = attempt

	c.Consumer.Group.Session.Timeout = o.SessionTimeout
	c.Consumer.Offsets.AutoCommit.Enable = false
	c.Consumer.Offsets.Initial = sarama.OffsetNewest

	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid kafka client configuration")
	}
	return c, nil
}

func perAttemptTimeout(total time.Duration) time.Duration {
	budget := total - kafkaProduceRetries*kafkaRetryBackoff
	if budget <= 0 {
		budget = total
	}
	return budget / (kafkaProduceRetries + 1)
}

// bootstrapServers returns a copy of the whole broker list; sarama picks a
// reachable one itself.
func (k *KafkaConnectorFactory) bootstrapServers() []string {
	return append([]string(nil), k.URLs...)
}

// GetPublisher returns a new Publisher, called for each Benchmark.
func (k *KafkaConnectorFactory) GetPublisher() roundtrip.Publisher {
	return &kafkaPublisher{
		urls:        k.bootstrapServers(),
		config:      k.config,
		newProducer: sarama.NewSyncProducer,
	}
}

// kafkaPublisher implements Publisher on top of a sarama SyncProducer, which
// returns once the partition leader acknowledged the message.
type kafkaPublisher struct {
	urls        []string
	config      *sarama.Config
	newProducer func(addrs []string, c *sarama.Config) (sarama.SyncProducer, error)
	producer    sarama.SyncProducer
}

// Setup prepares the Publisher for benchmarking.
func (k *kafkaPublisher) Setup() error {
	producer, err := k.newProducer(k.urls, k.config)
	if err != nil {
		return errors.Wrapf(err, "creating kafka producer for %v", k.urls)
	}
	k.producer = producer
	return nil
}

// Send publishes r and waits for the acknowledgement.
func (k *kafkaPublisher) Send(ctx context.Context, topic string, r *roundtrip.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, _, err := k.producer.SendMessage(newProducerMessage(topic, r)); err != nil {
		return errors.Wrapf(err, "producing to %s", topic)
	}
	return nil
}

// Teardown is called upon benchmark completion.
func (k *kafkaPublisher) Teardown() error {
	if k.producer == nil {
		return nil
	}
	if err := k.producer.Close(); err != nil {
		return err
	}
	k.producer = nil
	return nil
}

func newProducerMessage(topic string, r *roundtrip.Record) *sarama.ProducerMessage {
	return &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(r.Key),
		Value:     sarama.ByteEncoder(r.Payload),
		Timestamp: time.UnixMilli(r.Timestamp),
	}
}

// GetSubscriber returns a new Subscriber, called for each Benchmark.
func (k *KafkaConnectorFactory) GetSubscriber() roundtrip.Subscriber {
	return &kafkaSubscriber{
		urls:     k.bootstrapServers(),
		groupID:  k.GroupID,
		config:   k.config,
		newGroup: sarama.NewConsumerGroup,
		records:  make(chan *roundtrip.Record),
		errs:     make(chan error, 1),
	}
}

// kafkaSubscriber implements Subscriber as a member of a consumer group. The
// group session runs in its own goroutine and hands records over to Receive
// through an unbuffered channel. Offsets are never committed.
type kafkaSubscriber struct {
	urls     []string
	groupID  string
	config   *sarama.Config
	newGroup func(addrs []string, groupID string, c *sarama.Config) (sarama.ConsumerGroup, error)

	group   sarama.ConsumerGroup
	records chan *roundtrip.Record
	errs    chan error
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Subscribe joins the consumer group for topics.
func (k *kafkaSubscriber) Subscribe(topics ...string) error {
	group, err := k.newGroup(k.urls, k.groupID, k.config)
	if err != nil {
		return errors.Wrapf(err, "joining consumer group %s", k.groupID)
	}
	k.group = group

	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		for {
			// Consume returns at every rebalance and has to be called again.
			if err := group.Consume(ctx, topics, k); err != nil {
				k.errs <- errors.Wrap(err, "consuming from kafka")
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return nil
}

// Receive returns the next record consumed by the group session.
func (k *kafkaSubscriber) Receive(ctx context.Context) (*roundtrip.Record, error) {
	select {
	case r := <-k.records:
		return r, nil
	case err := <-k.errs:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Teardown leaves the consumer group.
func (k *kafkaSubscriber) Teardown() error {
	if k.group == nil {
		return nil
	}
	k.cancel()
	err := k.group.Close()
	k.wg.Wait()
	k.group = nil
	return err
}

// Setup is run at the beginning of a new group session.
func (k *kafkaSubscriber) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup is run at the end of a group session.
func (k *kafkaSubscriber) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim forwards the messages of one partition claim.
func (k *kafkaSubscriber) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	return k.consume(sess.Context(), claim.Messages())
}

func (k *kafkaSubscriber) consume(ctx context.Context, msgs <-chan *sarama.ConsumerMessage) error {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			select {
			case k.records <- recordFromKafka(msg):
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// recordFromKafka converts a consumed message. Brokers older than 0.10 and
// producers that do not stamp their messages yield no timestamp.
func recordFromKafka(msg *sarama.ConsumerMessage) *roundtrip.Record {
	ts := roundtrip.NoTimestamp
	if !msg.Timestamp.IsZero() && msg.Timestamp.UnixMilli() >= 0 {
		ts = msg.Timestamp.UnixMilli()
	}
	return &roundtrip.Record{
		Key:       string(msg.Key),
		Payload:   msg.Value,
		Timestamp: ts,
	}
}
