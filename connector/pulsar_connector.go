package connector

import (
	"context"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/config"
)

// PulsarConnectorFactory implements ConnectorFactory with a Pulsar client
// per side. The send timestamp travels as the message event time.
type PulsarConnectorFactory struct {
	BaseConnectorFactory
	SubscriptionName string
	Timeout          time.Duration
	Logger           *logrus.Logger
}

// NewPulsarConnectorFactory returns a PulsarConnectorFactory for o.
func NewPulsarConnectorFactory(o *config.Options, logger *logrus.Logger) *PulsarConnectorFactory {
	return &PulsarConnectorFactory{
		BaseConnectorFactory: BaseConnectorFactory{URLs: o.BrokerList},
		SubscriptionName:     o.GroupID,
		Timeout:              o.MessageTimeout,
		Logger:               logger,
	}
}

func (p *PulsarConnectorFactory) clientOptions(url string) pulsar.ClientOptions {
	return pulsar.ClientOptions{
		URL:               withScheme("pulsar", url),
		OperationTimeout:  p.Timeout,
		ConnectionTimeout: p.Timeout,
		Logger:            log.NewLoggerWithLogrus(p.Logger),
	}
}

// GetPublisher returns a new Publisher, called for each Benchmark.
func (p *PulsarConnectorFactory) GetPublisher() roundtrip.Publisher {
	return &pulsarPublisher{
		options:   p.clientOptions(p.GetNextPublisherURL()),
		timeout:   p.Timeout,
		producers: make(map[string]pulsar.Producer),
	}
}

// pulsarPublisher implements Publisher with one producer per topic, created
// on first use.
type pulsarPublisher struct {
	options   pulsar.ClientOptions
	timeout   time.Duration
	client    pulsar.Client
	mu        sync.Mutex
	producers map[string]pulsar.Producer
}

// Setup prepares the Publisher for benchmarking.
func (p *pulsarPublisher) Setup() error {
	client, err := pulsar.NewClient(p.options)
	if err != nil {
		return errors.Wrapf(err, "creating pulsar client for %s", p.options.URL)
	}
	p.client = client
	return nil
}

func (p *pulsarPublisher) producer(topic string) (pulsar.Producer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if producer, ok := p.producers[topic]; ok {
		return producer, nil
	}
	producer, err := p.client.CreateProducer(pulsar.ProducerOptions{
		Topic:       topic,
		SendTimeout: p.timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating pulsar producer for %s", topic)
	}
	p.producers[topic] = producer
	return producer, nil
}

// Send publishes r and waits for the broker receipt.
func (p *pulsarPublisher) Send(ctx context.Context, topic string, r *roundtrip.Record) error {
	producer, err := p.producer(topic)
	if err != nil {
		return err
	}
	if _, err := producer.Send(ctx, newPulsarMessage(r)); err != nil {
		return errors.Wrapf(err, "producing to %s", topic)
	}
	return nil
}

// Teardown is called upon benchmark completion.
func (p *pulsarPublisher) Teardown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, producer := range p.producers {
		producer.Close()
		delete(p.producers, topic)
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	return nil
}

func newPulsarMessage(r *roundtrip.Record) *pulsar.ProducerMessage {
	return &pulsar.ProducerMessage{
		Key:       r.Key,
		Payload:   r.Payload,
		EventTime: time.UnixMilli(r.Timestamp),
	}
}

// GetSubscriber returns a new Subscriber, called for each Benchmark.
func (p *PulsarConnectorFactory) GetSubscriber() roundtrip.Subscriber {
	return &pulsarSubscriber{
		options:          p.clientOptions(p.GetNextSubscriberURL()),
		subscriptionName: p.SubscriptionName,
	}
}

// pulsarSubscriber implements Subscriber with an exclusive subscription
// starting at the latest message. Every message is acked on receipt.
type pulsarSubscriber struct {
	options          pulsar.ClientOptions
	subscriptionName string
	client           pulsar.Client
	consumer         pulsar.Consumer
}

// Subscribe creates the subscription on topics.
func (p *pulsarSubscriber) Subscribe(topics ...string) error {
	client, err := pulsar.NewClient(p.options)
	if err != nil {
		return errors.Wrapf(err, "creating pulsar client for %s", p.options.URL)
	}
	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topics:                      topics,
		SubscriptionName:            p.subscriptionName,
		Type:                        pulsar.Exclusive,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionLatest,
	})
	if err != nil {
		client.Close()
		return errors.Wrapf(err, "subscribing %s to %v", p.subscriptionName, topics)
	}
	p.client = client
	p.consumer = consumer
	return nil
}

// Receive returns the next message of the subscription.
func (p *pulsarSubscriber) Receive(ctx context.Context) (*roundtrip.Record, error) {
	msg, err := p.consumer.Receive(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "receiving from pulsar")
	}
	p.consumer.Ack(msg)
	return recordFromPulsar(msg.Key(), msg.Payload(), msg.EventTime()), nil
}

// Teardown is called upon benchmark completion.
func (p *pulsarSubscriber) Teardown() error {
	if p.consumer != nil {
		p.consumer.Close()
		p.consumer = nil
	}
	if p.client != nil {
		p.client.Close()
		p.client = nil
	}
	return nil
}

// recordFromPulsar converts a received message. Pulsar reports a zero event
// time for messages published without one.
func recordFromPulsar(key string, payload []byte, eventTime time.Time) *roundtrip.Record {
	ts := roundtrip.NoTimestamp
	if !eventTime.IsZero() && eventTime.UnixMilli() > 0 {
		ts = eventTime.UnixMilli()
	}
	return &roundtrip.Record{Key: key, Payload: payload, Timestamp: ts}
}
