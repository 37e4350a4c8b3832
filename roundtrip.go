// Package roundtrip measures the end-to-end latency between a producer and a
// consumer of the same topic on a message broker. A producer loop publishes
// records stamped with their wall-clock send time while a measurement loop
// consumes them, discards everything received during a warm-up window and
// records the latency of every record received during the following
// recording window.
package roundtrip

import (
	"context"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vwdsrc/roundtrip/config"
	"github.com/vwdsrc/roundtrip/latency"
	"github.com/vwdsrc/roundtrip/metrics"
)

// ConnectorFactory combines PublisherFactory and SubscriberFactory
type ConnectorFactory interface {
	PublisherFactory
	SubscriberFactory
}

// Option customises a Benchmark.
type Option func(b *Benchmark)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(b *Benchmark) { b.clock = c }
}

// WithOutput redirects the banners normally written to stdout.
func WithOutput(w io.Writer) Option {
	return func(b *Benchmark) { b.out = w }
}

// WithLogger sets the logger used for progress and diagnostics.
func WithLogger(log *logrus.Entry) Option {
	return func(b *Benchmark) { b.log = log }
}

// WithMetrics publishes run progress to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Benchmark) { b.metrics = m }
}

// WithLatencyWriter records every admitted sample to w.
func WithLatencyWriter(w latency.Writer) Option {
	return func(b *Benchmark) { b.latencyWriter = w }
}

// Benchmark runs one latency measurement against a broker: a producer loop
// and a measurement loop connected through the broker, for a warm-up window
// followed by a recording window.
type Benchmark struct {
	factory       ConnectorFactory
	clock         Clock
	out           io.Writer
	log           *logrus.Entry
	metrics       *metrics.Metrics
	latencyWriter latency.Writer
	config.Options
}

// NewBenchmark creates a Benchmark which measures latency through the
// publisher and subscriber handed out by factory. o must have been
// initialised with Init.
func NewBenchmark(factory ConnectorFactory, o *config.Options, opts ...Option) *Benchmark {
	b := &Benchmark{
		factory: factory,
		clock:   SystemClock(),
		out:     os.Stdout,
		log:     logrus.WithFields(logrus.Fields{"broker": o.Broker, "topic": o.Topic}),
		Options: *o,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run the benchmark and return a summary of the results. Connection errors
// are returned before anything is written to the output. Otherwise Run
// returns once the recording window has passed, or with the first error hit
// by either loop.
func (b *Benchmark) Run(ctx context.Context) (*Summary, error) {
	publisher := newPublisherController(b.factory.GetPublisher(), b.clock, b.metrics, b.log, &b.Options)
	subscriber := newSubscriberController(b.factory.GetSubscriber(), b.clock, b.out, b.metrics, b.latencyWriter, b.log, &b.Options)

	if err := publisher.setup(); err != nil {
		return nil, errors.Wrap(err, "setting up publisher")
	}
	defer b.teardown("publisher", publisher.teardown)

	if err := subscriber.setup(); err != nil {
		return nil, errors.Wrap(err, "setting up subscriber")
	}
	defer b.teardown("subscriber", subscriber.teardown)

	g, gctx := errgroup.WithContext(ctx)
	pubCtx, stopPublisher := context.WithCancel(gctx)
	defer stopPublisher()

	b.log.Info("Starting benchmark")
	g.Go(func() error {
		return publisher.run(pubCtx)
	})
	g.Go(func() error {
		defer stopPublisher()
		return subscriber.run(gctx)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{
		Pub: publisher.summarize(),
		Sub: subscriber.summarize(),
	}
	b.log.WithFields(logrus.Fields{
		"published":    summary.Pub.SuccessTotal,
		"received":     summary.Sub.ReceivedTotal,
		"discarded":    summary.Sub.DiscardedTotal,
		"skipped":      summary.Sub.SkippedTotal,
		"measurements": summary.Sub.Latencies.Count(),
	}).Info("Benchmark finished")
	return summary, nil
}

func (b *Benchmark) teardown(name string, fn func() error) {
	if err := fn(); err != nil {
		b.log.WithError(err).Warnf("Tearing down %s failed", name)
	}
}
