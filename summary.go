package roundtrip

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Percentiles is a list of percentiles to include in a latency distribution,
// e.g. 10.0, 50.0, 99.0, 99.99, etc.
type Percentiles []float64

// Logarithmic percentile scale.
var Logarithmic = Percentiles{
	0.0, 10.0, 20.0, 30.0, 40.0, 50.0, 55.0, 60.0, 65.0, 70.0, 75.0, 77.5, 80.0,
	82.5, 85.0, 87.5, 88.75, 90.0, 91.25, 92.5, 93.75, 94.375, 95.0, 95.625,
	96.25, 96.875, 97.1875, 97.5, 97.8125, 98.125, 98.4375, 98.5938, 98.75,
	98.9062, 99.0625, 99.2188, 99.2969, 99.375, 99.4531, 99.5313, 99.6094,
	99.6484, 99.6875, 99.7266, 99.7656, 99.8047, 99.8242, 99.8437, 99.8633,
	99.8828, 99.9023, 99.9121, 99.9219, 99.9316, 99.9414, 99.9512, 99.9561,
	99.9609, 99.9658, 99.9707, 99.9756, 99.978, 99.9805, 99.9829, 99.9854,
	99.9878, 99.989, 99.9902, 99.9915, 99.9927, 99.9939, 99.9945, 99.9951,
	99.9957, 99.9963, 99.9969, 99.9973, 99.9976, 99.9979, 99.9982, 99.9985,
	99.9986, 99.9988, 99.9989, 99.9991, 99.9992, 99.9993, 99.9994, 99.9995,
	99.9996, 99.9997, 99.9998, 99.9999, 100.0,
}

// PubSummary holds the statistics of the producer loop
type PubSummary struct {
	SuccessTotal       uint64
	BytesTotal         uint64
	TimeElapsed        time.Duration
	AvgThroughput      float64
	BytesAvgThroughput float64
}

// String returns a stringified version of the Summary.
func (s *PubSummary) String() string {
	return fmt.Sprintf(
		"{SuccessTotal: %d, TimeElapsed: %s, Throughput: %.2f/s, BytesTotal: %d, Bytes Throughput: %.2fb/s}",
		s.SuccessTotal, s.TimeElapsed, s.AvgThroughput, s.BytesTotal, s.BytesAvgThroughput)
}

// SubSummary holds the statistics of the measurement loop
type SubSummary struct {
	ReceivedTotal  uint64
	DiscardedTotal uint64
	SkippedTotal   uint64
	TimeElapsed    time.Duration
	Latencies      *Histogram
}

// String returns a stringified version of the Summary.
func (s *SubSummary) String() string {
	return fmt.Sprintf(
		"{ReceivedTotal: %d, DiscardedTotal: %d, SkippedTotal: %d, Measurements: %d, TimeElapsed: %s}",
		s.ReceivedTotal, s.DiscardedTotal, s.SkippedTotal, s.Latencies.Count(), s.TimeElapsed)
}

// Summary contains the results of a Benchmark run.
type Summary struct {
	Pub *PubSummary
	Sub *SubSummary
}

// String returns a stringified version of the Summary.
func (s *Summary) String() string {
	return fmt.Sprintf("{Pub: %s, Sub: %s}", s.Pub, s.Sub)
}

// WriteReport writes the five report lines: the number of measurements, the
// mean latency and the 50th, 90th and 99th percentile in milliseconds.
func (s *Summary) WriteReport(w io.Writer) error {
	h := s.Sub.Latencies
	_, err := fmt.Fprintf(w,
		"measurements: %d\nmean latency: %sms\np50 latency:  %dms\np90 latency:  %dms\np99 latency:  %dms\n",
		h.Count(),
		strconv.FormatFloat(h.Mean(), 'f', -1, 64),
		h.Quantile(0.50),
		h.Quantile(0.90),
		h.Quantile(0.99),
	)
	return err
}

// GenerateLatencyDistribution generates a text file containing the specified
// latency distribution in a format plottable by
// http://hdrhistogram.github.io/HdrHistogram/plotFiles.html. If percentiles
// is nil, it defaults to a logarithmic percentile scale.
func (s *Summary) GenerateLatencyDistribution(percentiles Percentiles, file string) error {
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrapf(err, "creating distribution file %s", file)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := writeLatencyDistribution(w, s.Sub.Latencies, percentiles); err != nil {
		return errors.Wrapf(err, "writing distribution file %s", file)
	}
	return w.Flush()
}

func getOneByPercentile(percentile float64) float64 {
	if percentile < 100 {
		return 1 / (1 - (percentile / 100))
	}
	return float64(10000000)
}

func writeLatencyDistribution(w io.Writer, h *Histogram, percentiles Percentiles) error {
	if percentiles == nil {
		percentiles = Logarithmic
	}

	if _, err := io.WriteString(w, "Value    Percentile    TotalCount    1/(1-Percentile)\n\n"); err != nil {
		return err
	}
	totalCount := h.Count()
	for _, percentile := range percentiles {
		value := float64(h.Quantile(percentile / 100))
		countAtPercentile := uint64(((percentile / 100) * float64(totalCount)) + 0.5)
		_, err := fmt.Fprintf(w, "%f    %f        %d            %f\n",
			value, percentile/100, countAtPercentile, getOneByPercentile(percentile))
		if err != nil {
			return err
		}
	}
	return nil
}
