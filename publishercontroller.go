package roundtrip

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vwdsrc/roundtrip/config"
	"github.com/vwdsrc/roundtrip/metrics"
)

// defaultBurst is the default burst setting for rate limiter
const defaultBurst = 1000

// publisherController runs the producer loop: it stamps records with the
// current wall-clock time and publishes them one at a time, waiting for the
// broker to accept each before building the next.
type publisherController struct {
	publisher    Publisher
	clock        Clock
	limiter      *rate.Limiter
	metrics      *metrics.Metrics
	log          *logrus.Entry
	successTotal uint64
	bytesTotal   uint64
	elapsed      time.Duration
	config.Options
}

// newPublisherController creates a publisherController which publishes
// through the given Publisher.
func newPublisherController(publisher Publisher, clock Clock, m *metrics.Metrics, log *logrus.Entry, opts *config.Options) *publisherController {
	return &publisherController{
		publisher: publisher,
		clock:     clock,
		metrics:   m,
		log:       log,
		limiter:   newLimiter(opts.PublishRate, opts.Burst),
		Options:   *opts,
	}
}

// newLimiter returns the publish ceiling for requestRate messages per
// second, or an unlimited limiter for -1.
func newLimiter(requestRate int64, burst uint64) *rate.Limiter {
	if requestRate <= 0 {
		return rate.NewLimiter(rate.Inf, defaultBurst)
	}
	b := int(burst)
	if b == 0 {
		// burst is at least 1 - otherwise it is the lesser of defaultBurst and 10% of requestRate
		b = int(math.Max(1, math.Min(float64(requestRate)*0.1, float64(defaultBurst))))
	}
	return rate.NewLimiter(rate.Every(time.Duration(int64(time.Second)/requestRate)), b)
}

// setup prepares the publisherController for running and inits the underlying Publisher.
func (c *publisherController) setup() error {
	c.successTotal = 0
	c.bytesTotal = 0
	return c.publisher.Setup()
}

// teardown cleans up any benchmark resources.
func (c *publisherController) teardown() error {
	return c.publisher.Teardown()
}

// run publishes until ctx is cancelled. Cancellation is the normal way for
// the loop to end and yields a nil error; any rejected record is returned.
func (c *publisherController) run(ctx context.Context) error {
	start := c.clock.Now()
	defer func() {
		c.elapsed = c.clock.Now().Sub(start)
		c.log.WithField("published", c.successTotal).Debug("producer loop stopped")
	}()

	for seq := uint64(0); ; seq++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "waiting for publish rate limiter")
		}

		r := NewRecord(seq, c.clock.WallMillis())
		if err := c.publisher.Send(ctx, c.Topic, r); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "publishing record %s", r.Key)
		}

		c.successTotal++
		c.bytesTotal += uint64(len(r.Payload))
		if c.metrics != nil {
			c.metrics.RecordSent(len(r.Payload))
		}
	}
}

// summarize returns the publisher side of a run Summary.
func (c *publisherController) summarize() *PubSummary {
	s := &PubSummary{
		SuccessTotal: c.successTotal,
		BytesTotal:   c.bytesTotal,
		TimeElapsed:  c.elapsed,
	}
	if secs := c.elapsed.Seconds(); secs > 0 {
		s.AvgThroughput = float64(c.successTotal) / secs
		s.BytesAvgThroughput = float64(c.bytesTotal) / secs
	}
	return s
}
