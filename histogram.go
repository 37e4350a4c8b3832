package roundtrip

import (
	"github.com/codahale/hdrhistogram"
	"github.com/pkg/errors"
)

const (
	minRecordableLatencyMS = int64(1)
	maxRecordableLatencyMS = int64(60 * 60 * 1000)
	sigFigs                = 5
)

// ErrSampleOutOfRange is returned by Histogram.Insert for samples the
// histogram cannot track.
var ErrSampleOutOfRange = errors.New("latency sample out of range")

// Histogram accumulates latency samples in milliseconds with a relative error
// bounded by five significant figures between 1ms and one hour. A zero sample
// is recorded exactly.
type Histogram struct {
	h *hdrhistogram.Histogram
}

// NewHistogram returns an empty Histogram.
func NewHistogram() *Histogram {
	return &Histogram{h: hdrhistogram.New(minRecordableLatencyMS, maxRecordableLatencyMS, sigFigs)}
}

// Insert records one sample. Samples above one hour are rejected with
// ErrSampleOutOfRange and leave the histogram untouched.
func (l *Histogram) Insert(sample uint64) error {
	if sample > uint64(maxRecordableLatencyMS) {
		return errors.Wrapf(ErrSampleOutOfRange, "%dms", sample)
	}
	if err := l.h.RecordValue(int64(sample)); err != nil {
		return errors.Wrapf(ErrSampleOutOfRange, "%dms: %v", sample, err)
	}
	return nil
}

// Count returns the number of samples inserted.
func (l *Histogram) Count() uint64 {
	return uint64(l.h.TotalCount())
}

// Mean returns the mean latency, or 0 for an empty histogram.
func (l *Histogram) Mean() float64 {
	if l.h.TotalCount() == 0 {
		return 0
	}
	return l.h.Mean()
}

// Quantile returns the smallest recorded value v such that at least a
// fraction q of all samples are <= v. q is clamped to [0, 1].
func (l *Histogram) Quantile(q float64) uint64 {
	if q < 0 {
		q = 0
	} else if q > 1 {
		q = 1
	}
	// a rank that rounds to zero would otherwise report the empty bucket 0
	if float64(l.h.TotalCount())*q < 0.5 {
		return l.Min()
	}
	return uint64(l.h.ValueAtQuantile(q * 100))
}

// Min returns the lowest recorded sample.
func (l *Histogram) Min() uint64 {
	return uint64(l.h.Min())
}

// Max returns the highest recorded sample.
func (l *Histogram) Max() uint64 {
	return uint64(l.h.Max())
}

// Merge adds all samples of o into l.
func (l *Histogram) Merge(o *Histogram) {
	l.h.Merge(o.h)
}
