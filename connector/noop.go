package connector

import (
	"context"
	"sync"

	"github.com/vwdsrc/roundtrip"
)

const noopBuffer = 1024

// NOOPConnectorFactory implements ConnectorFactory with an in-process
// loopback: the publisher hands records straight to the subscriber of the
// same factory. Records sent to a topic nobody subscribed are dropped.
type NOOPConnectorFactory struct {
	mu      sync.Mutex
	topics  map[string]bool
	records chan *roundtrip.Record
}

// NewNOOPConnectorFactory returns an empty loopback.
func NewNOOPConnectorFactory() *NOOPConnectorFactory {
	return &NOOPConnectorFactory{
		topics:  make(map[string]bool),
		records: make(chan *roundtrip.Record, noopBuffer),
	}
}

func (n *NOOPConnectorFactory) subscribed(topic string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.topics[topic]
}

// GetPublisher returns a new Publisher
func (n *NOOPConnectorFactory) GetPublisher() roundtrip.Publisher {
	return &noopPublisher{factory: n}
}

type noopPublisher struct {
	factory *NOOPConnectorFactory
}

func (n *noopPublisher) Setup() error {
	return nil
}

func (n *noopPublisher) Send(ctx context.Context, topic string, r *roundtrip.Record) error {
	if !n.factory.subscribed(topic) {
		return nil
	}
	copied := *r
	select {
	case n.factory.records <- &copied:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *noopPublisher) Teardown() error {
	return nil
}

// GetSubscriber returns a new Subscriber
func (n *NOOPConnectorFactory) GetSubscriber() roundtrip.Subscriber {
	return &noopSubscriber{factory: n}
}

type noopSubscriber struct {
	factory *NOOPConnectorFactory
}

func (n *noopSubscriber) Subscribe(topics ...string) error {
	n.factory.mu.Lock()
	defer n.factory.mu.Unlock()
	for _, t := range topics {
		n.factory.topics[t] = true
	}
	return nil
}

func (n *noopSubscriber) Receive(ctx context.Context) (*roundtrip.Record, error) {
	select {
	case r := <-n.factory.records:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *noopSubscriber) Teardown() error {
	n.factory.mu.Lock()
	defer n.factory.mu.Unlock()
	n.factory.topics = make(map[string]bool)
	return nil
}
