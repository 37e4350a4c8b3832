package roundtrip

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vwdsrc/roundtrip/config"
	"github.com/vwdsrc/roundtrip/latency"
	"github.com/vwdsrc/roundtrip/metrics"
)

// ErrMissingTimestamp is returned when a received record has no send
// timestamp to measure against.
var ErrMissingTimestamp = errors.New("received record carries no timestamp")

// subscriberController runs the measurement loop. It owns the phase state
// machine and the latency histogram; nothing in it is shared with the
// producer loop.
type subscriberController struct {
	subscriber    Subscriber
	clock         Clock
	out           io.Writer
	metrics       *metrics.Metrics
	latencyWriter latency.Writer
	log           *logrus.Entry

	histogram *Histogram
	phase     Phase
	announced bool
	received  uint64
	discarded uint64
	skipped   uint64
	elapsed   time.Duration
	config.Options
}

// newSubscriberController creates a new instance of a subscriberController
func newSubscriberController(subscriber Subscriber, clock Clock, out io.Writer, m *metrics.Metrics, lw latency.Writer, log *logrus.Entry, opts *config.Options) *subscriberController {
	return &subscriberController{
		subscriber:    subscriber,
		clock:         clock,
		out:           out,
		metrics:       m,
		latencyWriter: lw,
		log:           log,
		histogram:     NewHistogram(),
		Options:       *opts,
	}
}

// setup subscribes the underlying Subscriber to the benchmark topic.
func (s *subscriberController) setup() error {
	return s.subscriber.Subscribe(s.Topic)
}

// teardown the subscriberController and its underlying Subscriber instance
func (s *subscriberController) teardown() error {
	return s.subscriber.Teardown()
}

// run reads records until the recording window has passed. Every record is
// checked for a timestamp first; the phase is then derived from the time
// elapsed since the loop started.
func (s *subscriberController) run(ctx context.Context) error {
	start := s.clock.Now()
	s.phase = Warmup
	fmt.Fprintf(s.out, "Warming up for %s...\n", s.WarmupDuration)

	for {
		r, err := s.subscriber.Receive(ctx)
		if err != nil {
			return errors.Wrap(err, "receiving record")
		}
		if !r.HasTimestamp() {
			return errors.Wrapf(ErrMissingTimestamp, "record %q", r.Key)
		}
		s.received++

		elapsed := s.clock.Now().Sub(start)
		s.advance(phaseAt(elapsed, s.WarmupDuration, s.RecordDuration))
		if s.metrics != nil {
			s.metrics.RecordReceived(s.phase.String())
		}

		switch s.phase {
		case Warmup:
			s.discarded++
		case Recording:
			if err := s.admit(r, elapsed-s.WarmupDuration); err != nil {
				return err
			}
		default:
			s.elapsed = elapsed
			return nil
		}
	}
}

// advance moves the state machine forward. Phases are never revisited, even
// if the clock were to step backwards.
func (s *subscriberController) advance(next Phase) {
	if next <= s.phase {
		return
	}
	s.log.WithFields(logrus.Fields{"from": s.phase.String(), "to": next.String()}).Info("phase transition")
	s.phase = next
}

// admit computes the latency of r and inserts it into the histogram.
// offset is the time since recording started.
func (s *subscriberController) admit(r *Record, offset time.Duration) error {
	lat := s.clock.WallMillis() - r.Timestamp
	if lat < 0 || lat > maxRecordableLatencyMS {
		s.skip(r, lat)
		return nil
	}

	if !s.announced && s.histogram.Count() == 0 {
		fmt.Fprintf(s.out, "Recording for %s...\n", s.RecordDuration)
		s.announced = true
	}
	if err := s.histogram.Insert(uint64(lat)); err != nil {
		s.skip(r, lat)
		return nil
	}

	if s.metrics != nil {
		s.metrics.ObserveLatency(uint64(lat))
	}
	if s.latencyWriter != nil {
		sample := latency.Sample{OffsetMs: uint32(offset / time.Millisecond), LatencyMs: uint32(lat)}
		if err := s.latencyWriter.WriteSample(sample); err != nil {
			return errors.Wrap(err, "writing raw latency sample")
		}
	}
	return nil
}

func (s *subscriberController) skip(r *Record, lat int64) {
	s.skipped++
	if s.metrics != nil {
		s.metrics.RecordSkipped()
	}
	s.log.WithFields(logrus.Fields{"key": r.Key, "latencyMs": lat}).Debug("skipping out-of-range latency sample")
}

// summarize returns the subscriber side of a run Summary.
func (s *subscriberController) summarize() *SubSummary {
	return &SubSummary{
		ReceivedTotal:  s.received,
		DiscardedTotal: s.discarded,
		SkippedTotal:   s.skipped,
		TimeElapsed:    s.elapsed,
		Latencies:      s.histogram,
	}
}
