package connector

import (
	"context"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/config"
)

// Headers carrying the record key and send timestamp.
const (
	NATSKeyHeader       = "Roundtrip-Key"
	NATSTimestampHeader = "Roundtrip-Timestamp"
)

const natsReceiveBuffer = 1024

// NATSConnectorFactory implements ConnectorFactory over core NATS. A send is
// accepted once the server answered the flush that follows the publish.
type NATSConnectorFactory struct {
	BaseConnectorFactory
	QueueGroup string
	Timeout    time.Duration
	Logger     *logrus.Logger
}

// NewNATSConnectorFactory returns a NATSConnectorFactory for o.
func NewNATSConnectorFactory(o *config.Options, logger *logrus.Logger) *NATSConnectorFactory {
	return &NATSConnectorFactory{
		BaseConnectorFactory: BaseConnectorFactory{URLs: o.BrokerList},
		QueueGroup:           o.GroupID,
		Timeout:              o.MessageTimeout,
		Logger:               logger,
	}
}

func (n *NATSConnectorFactory) connect(url, name string) (*nats.Conn, error) {
	log := n.Logger.WithFields(logrus.Fields{"lib": "nats", "conn": name})
	conn, err := nats.Connect(withScheme("nats", url),
		nats.Name(name),
		nats.Timeout(n.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("reconnected to %s", c.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			log.WithError(err).Error("asynchronous error")
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to nats at %s", url)
	}
	return conn, nil
}

// GetPublisher returns a new Publisher, called for each Benchmark.
func (n *NATSConnectorFactory) GetPublisher() roundtrip.Publisher {
	return &natsPublisher{factory: n, url: n.GetNextPublisherURL()}
}

type natsPublisher struct {
	factory *NATSConnectorFactory
	url     string
	conn    *nats.Conn
}

// Setup prepares the Publisher for benchmarking.
func (n *natsPublisher) Setup() error {
	conn, err := n.factory.connect(n.url, "roundtrip-producer")
	if err != nil {
		return err
	}
	n.conn = conn
	return nil
}

// Send publishes r and flushes the connection.
func (n *natsPublisher) Send(ctx context.Context, topic string, r *roundtrip.Record) error {
	if err := n.conn.PublishMsg(newNATSMessage(topic, r)); err != nil {
		return errors.Wrapf(err, "publishing to %s", topic)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.FlushTimeout(n.factory.Timeout); err != nil {
		return errors.Wrapf(err, "flushing %s", topic)
	}
	return nil
}

// Teardown is called upon benchmark completion.
func (n *natsPublisher) Teardown() error {
	if n.conn == nil {
		return nil
	}
	n.conn.Close()
	n.conn = nil
	return nil
}

func newNATSMessage(subject string, r *roundtrip.Record) *nats.Msg {
	msg := nats.NewMsg(subject)
	msg.Header.Set(NATSKeyHeader, r.Key)
	msg.Header.Set(NATSTimestampHeader, strconv.FormatInt(r.Timestamp, 10))
	msg.Data = r.Payload
	return msg
}

// GetSubscriber returns a new Subscriber, called for each Benchmark.
func (n *NATSConnectorFactory) GetSubscriber() roundtrip.Subscriber {
	return &natsSubscriber{
		factory: n,
		url:     n.GetNextSubscriberURL(),
		msgs:    make(chan *nats.Msg, natsReceiveBuffer),
	}
}

type natsSubscriber struct {
	factory *NATSConnectorFactory
	url     string
	conn    *nats.Conn
	subs    []*nats.Subscription
	msgs    chan *nats.Msg
}

// Subscribe joins the queue group on every topic.
func (n *natsSubscriber) Subscribe(topics ...string) error {
	conn, err := n.factory.connect(n.url, "roundtrip-consumer")
	if err != nil {
		return err
	}
	n.conn = conn
	for _, topic := range topics {
		sub, err := conn.ChanQueueSubscribe(topic, n.factory.QueueGroup, n.msgs)
		if err != nil {
			return errors.Wrapf(err, "subscribing to %s", topic)
		}
		n.subs = append(n.subs, sub)
	}
	if err := conn.FlushTimeout(n.factory.Timeout); err != nil {
		return errors.Wrap(err, "confirming subscriptions")
	}
	return nil
}

// Receive returns the next message delivered to the subscriptions.
func (n *natsSubscriber) Receive(ctx context.Context) (*roundtrip.Record, error) {
	select {
	case msg := <-n.msgs:
		return recordFromNATS(msg), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Teardown is called upon benchmark completion.
func (n *natsSubscriber) Teardown() error {
	for _, sub := range n.subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
	}
	n.subs = nil
	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}

// recordFromNATS converts a received message. A missing or malformed
// timestamp header yields no timestamp.
func recordFromNATS(msg *nats.Msg) *roundtrip.Record {
	r := &roundtrip.Record{Payload: msg.Data, Timestamp: roundtrip.NoTimestamp}
	if msg.Header == nil {
		return r
	}
	r.Key = msg.Header.Get(NATSKeyHeader)
	if ts, err := strconv.ParseInt(msg.Header.Get(NATSTimestampHeader), 10, 64); err == nil {
		r.Timestamp = ts
	}
	return r
}
