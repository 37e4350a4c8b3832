package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vwdsrc/roundtrip/config"
	"github.com/vwdsrc/roundtrip/latency"
)

func parse(t *testing.T, args ...string) *config.Options {
	var got *config.Options
	cmd := rootCmd(io.Discard, func(_ context.Context, o *config.Options, _ io.Writer) error {
		got = o
		return nil
	})
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	require.NotNil(t, got)
	return got
}

func TestRootCmd_Defaults(t *testing.T) {
	o := parse(t, "--topic", "latency")
	assert.Equal(t, "latency", o.Topic)
	assert.Equal(t, "localhost:9092", o.Brokers)
	assert.Equal(t, "kafka", o.Broker)
	assert.Equal(t, "sarama-roundtrip-example", o.GroupID)
	assert.Equal(t, uint(10), o.WarmupSecs)
	assert.Equal(t, uint(10), o.RecordSecs)
	assert.Equal(t, int64(-1), o.PublishRate)
}

func TestRootCmd_ShortBrokersFlag(t *testing.T) {
	o := parse(t, "-b", "k1:9092,k2:9092", "--topic", "latency", "--log-conf", "debug")
	assert.Equal(t, "k1:9092,k2:9092", o.Brokers)
	assert.Equal(t, "debug", o.LogConf)
}

func TestRootCmd_FlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "roundtrip.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
Topic = "from-file"
Brokers = "file:9092"
Broker = "nats"
WarmupSecs = 3
`), 0o600))

	o := parse(t, "--config", file, "--brokers", "flag:9092", "--record-secs", "4")
	assert.Equal(t, "from-file", o.Topic)
	assert.Equal(t, "flag:9092", o.Brokers)
	assert.Equal(t, "nats", o.Broker)
	assert.Equal(t, uint(3), o.WarmupSecs)
	assert.Equal(t, uint(4), o.RecordSecs)
}

func TestRootCmd_DumpConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "effective.toml")
	parse(t, "--topic", "latency", "--broker", "redis", "--dump-config", file)

	o := config.DefaultOptions()
	require.NoError(t, config.LoadFile(file, o))
	assert.Equal(t, "latency", o.Topic)
	assert.Equal(t, "redis", o.Broker)
}

func TestRootCmd_MissingConfigFile(t *testing.T) {
	cmd := rootCmd(io.Discard, func(context.Context, *config.Options, io.Writer) error { return nil })
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")})
	assert.Error(t, cmd.Execute())
}

func TestRun_RequiresTopic(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), config.DefaultOptions(), &out)
	assert.True(t, errors.Is(err, config.ErrTopicRequired))
	assert.Empty(t, out.String())
}

func TestRun_InvalidLogConf(t *testing.T) {
	o := config.DefaultOptions()
	o.Topic = "latency"
	o.LogConf = "kafka=debug"
	var out bytes.Buffer
	assert.Error(t, run(context.Background(), o, &out))
	assert.Empty(t, out.String())
}

func TestRun_Loopback(t *testing.T) {
	dir := t.TempDir()
	o := config.DefaultOptions()
	o.Broker = "noop"
	o.Topic = "latency"
	o.WarmupSecs = 1
	o.RecordSecs = 1
	o.PublishRate = 1000
	o.LogConf = "error"
	o.RawLatencyFile = filepath.Join(dir, "latencies.dat.snappy")
	o.DistributionFile = filepath.Join(dir, "distribution.txt")

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), o, &out))

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "Warming up for 1s...", lines[0])
	assert.Equal(t, "Recording for 1s...", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "measurements: "))
	assert.True(t, strings.HasPrefix(lines[3], "mean latency: "))
	assert.True(t, strings.HasPrefix(lines[4], "p50 latency:  "))
	assert.True(t, strings.HasPrefix(lines[5], "p90 latency:  "))
	assert.True(t, strings.HasPrefix(lines[6], "p99 latency:  "))

	f, err := os.Open(o.RawLatencyFile)
	require.NoError(t, err)
	defer f.Close()
	samples := 0
	reader, err := latency.NewReader(func(latency.Sample) error {
		samples++
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, reader.ReadByType(f, latency.ConvertFileExtensionToDataType(o.RawLatencyFile)))
	assert.Greater(t, samples, 0)
	assert.Equal(t, "measurements: "+strconv.Itoa(samples), lines[2])

	dist, err := os.ReadFile(o.DistributionFile)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(dist), "Value    Percentile    TotalCount    1/(1-Percentile)"))
}
