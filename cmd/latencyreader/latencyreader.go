package main

import (
	"bufio"
	"encoding/csv"
	"io"
	"os"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/latency"
)

// maxOffsetMs is the largest recording offset taken as genuine: one day.
const maxOffsetMs = 86400 * 1000

var percentiles = []float64{10, 25, 50, 75, 90, 95, 99, 99.9, 99.99, 99.999}

type settings struct {
	aggregate uint64
	verbose   bool
	summary   bool
}

func main() {
	if err := rootCmd(os.Stdout).Execute(); err != nil {
		logrus.WithError(err).Fatal("latencyreader failed")
	}
}

func rootCmd(stdout io.Writer) *cobra.Command {
	s := &settings{}
	cmd := &cobra.Command{
		Use:   "latencyreader <file> [<file>...]",
		Short: "Decode raw latency files written by roundtrip --raw-latencies.",
		Long: `Decode raw latency files written by roundtrip --raw-latencies and print them
as CSV on stdout, either one offset_ms,latency_ms row per sample or, with
--aggregate, statistics per interval merged across all files.

Supported compressions: none, snappy, gzip
Supported file formats: .dat, .snappy, .gz, .tar (also with compressed files inside), .tar.gz (.tgz)`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, files []string) error {
			cw := csv.NewWriter(stdout)
			var err error
			if s.aggregate == 0 {
				err = writeSamples(cw, files)
			} else {
				err = writeAggregates(cw, files, s)
			}
			if err != nil {
				return err
			}
			cw.Flush()
			return cw.Error()
		},
	}
	cmd.Flags().Uint64VarP(&s.aggregate, "aggregate", "i", 0, "Aggregate samples into intervals of this many seconds instead of printing them")
	cmd.Flags().BoolVarP(&s.verbose, "verbose", "v", false, "Add percentile columns to aggregated output")
	cmd.Flags().BoolVarP(&s.summary, "summary", "s", false, "Finish aggregated output with a summary row")
	return cmd
}

func readFile(filename string, processor func(latency.Sample) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "opening %s", filename)
	}
	defer f.Close()

	lr, err := latency.NewReader(processor)
	if err != nil {
		return err
	}
	if err := lr.ReadByType(bufio.NewReader(f), latency.ConvertFileExtensionToDataType(filename)); err != nil {
		return errors.Wrapf(err, "reading %s", filename)
	}
	return nil
}

func writeSamples(cw *csv.Writer, files []string) error {
	for _, file := range files {
		err := readFile(file, func(s latency.Sample) error {
			return cw.Write([]string{
				strconv.FormatUint(uint64(s.OffsetMs), 10),
				strconv.FormatUint(uint64(s.LatencyMs), 10),
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// intervals maps an interval index to the histogram of its samples.
type intervals map[int64]*roundtrip.Histogram

func (iv intervals) merge(other intervals) {
	for k, h := range other {
		if mine, ok := iv[k]; ok {
			mine.Merge(h)
		} else {
			iv[k] = h
		}
	}
}

func (iv intervals) sortedKeys() []int64 {
	keys := make([]int64, 0, len(iv))
	for k := range iv {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func aggregateFile(filename string, aggregate uint64) (intervals, error) {
	iv := intervals{}
	err := readFile(filename, func(s latency.Sample) error {
		if s.OffsetMs > maxOffsetMs {
			logrus.WithFields(logrus.Fields{"file": filename, "offsetMs": s.OffsetMs}).Warn("Skipping suspect offset")
			return nil
		}
		i := int64(uint64(s.OffsetMs) / (1000 * aggregate))
		h := iv[i]
		if h == nil {
			h = roundtrip.NewHistogram()
			iv[i] = h
		}
		if err := h.Insert(uint64(s.LatencyMs)); err != nil {
			logrus.WithError(err).WithField("latencyMs", s.LatencyMs).Warn("Skipping sample")
		}
		return nil
	})
	return iv, err
}

func writeAggregates(cw *csv.Writer, files []string, s *settings) error {
	results := make([]intervals, len(files))
	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			iv, err := aggregateFile(file, s.aggregate)
			results[i] = iv
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stats := intervals{}
	for _, iv := range results {
		stats.merge(iv)
	}
	if len(stats) == 0 {
		return errors.New("no samples found")
	}

	if err := cw.Write(header(s.verbose)); err != nil {
		return err
	}
	keys := stats.sortedKeys()
	first := keys[0]
	summary := roundtrip.NewHistogram()
	for _, k := range keys {
		h := stats[k]
		summary.Merge(h)
		if err := cw.Write(row(h, uint64(k-first)*s.aggregate, s.verbose)); err != nil {
			return err
		}
	}
	if s.summary {
		totalRuntime := uint64(keys[len(keys)-1]-first+1) * s.aggregate
		if err := cw.Write([]string{"# Summary"}); err != nil {
			return err
		}
		return cw.Write(row(summary, totalRuntime, s.verbose))
	}
	return nil
}

func header(verbose bool) []string {
	h := []string{"Second", "Min", "Avg", "Max", "TotalCount"}
	if verbose {
		for _, p := range percentiles {
			h = append(h, strconv.FormatFloat(p, 'f', -1, 64)+"%")
		}
	}
	return h
}

func row(h *roundtrip.Histogram, second uint64, verbose bool) []string {
	v := []string{
		strconv.FormatUint(second, 10),
		strconv.FormatUint(h.Min(), 10),
		strconv.FormatFloat(h.Mean(), 'f', 2, 64),
		strconv.FormatUint(h.Max(), 10),
		strconv.FormatUint(h.Count(), 10),
	}
	if verbose {
		for _, p := range percentiles {
			v = append(v, strconv.FormatUint(h.Quantile(p/100), 10))
		}
	}
	return v
}
