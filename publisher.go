package roundtrip

import "context"

// PublisherFactory creates new Publishers.
type PublisherFactory interface {
	// GetPublisher returns the Publisher used by the producer loop.
	GetPublisher() Publisher
}

// Publisher submits records to the system under test.
type Publisher interface {
	// Setup connects the Publisher. A broker that cannot be reached must
	// fail here, before the run starts.
	Setup() error

	// Send submits r to topic and blocks until the broker accepted it.
	Send(ctx context.Context, topic string, r *Record) error

	// Teardown is called upon benchmark completion.
	Teardown() error
}
