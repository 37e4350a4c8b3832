package roundtrip

import "context"

// SubscriberFactory creates new Subscriber instances
type SubscriberFactory interface {
	// GetSubscriber returns the Subscriber read by the measurement loop.
	GetSubscriber() Subscriber
}

// Subscriber reads records from the system under test.
type Subscriber interface {
	// Subscribe connects the Subscriber and starts listening on topics.
	Subscribe(topics ...string) error

	// Receive blocks until the next record arrives or ctx is done.
	Receive(ctx context.Context) (*Record, error)

	// Teardown is called upon benchmark completion.
	Teardown() error
}
