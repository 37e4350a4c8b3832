package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/config"
	"github.com/vwdsrc/roundtrip/connector"
	"github.com/vwdsrc/roundtrip/latency"
	"github.com/vwdsrc/roundtrip/logging"
	"github.com/vwdsrc/roundtrip/metrics"
)

type runFunc func(ctx context.Context, o *config.Options, stdout io.Writer) error

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(os.Stdout, run).ExecuteContext(ctx); err != nil {
		logrus.WithError(err).Fatal("roundtrip failed")
	}
}

func rootCmd(stdout io.Writer, runFn runFunc) *cobra.Command {
	o := config.DefaultOptions()
	var configFile, dumpConfig string

	cmd := &cobra.Command{
		Use:           "roundtrip",
		Short:         "Measure the end-to-end latency of a message broker.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				if err := loadConfigFile(cmd.Flags(), configFile, o); err != nil {
					return err
				}
			}
			if dumpConfig != "" {
				if err := writeConfig(dumpConfig, o); err != nil {
					return err
				}
			}
			return runFn(cmd.Context(), o, stdout)
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "TOML file with options for this run. Flags given on the command line take precedence.")
	f.StringVar(&dumpConfig, "dump-config", "", "Write the effective options of this run as TOML to this file.")
	f.StringVarP(&o.Brokers, "brokers", "b", o.Brokers, "Comma-separated broker host:port list")
	f.StringVar(&o.Topic, "topic", "", "Topic to publish to and consume from")
	f.StringVar(&o.LogConf, "log-conf", "", "Logger configuration, e.g. \"debug\" or \"info,sarama=debug\"")
	f.StringVar(&o.Broker, "broker", o.Broker, "Type of msg bus to connect to: kafka, pulsar, nats, redis or noop")
	f.StringVar(&o.KafkaVersion, "kafka-version", o.KafkaVersion, "Kafka protocol version. \"latest\" uses the newest version known to sarama.")
	f.StringVar(&o.GroupID, "group-id", o.GroupID, "Consumer group, subscription or queue group name")
	f.UintVar(&o.WarmupSecs, "warmup-secs", o.WarmupSecs, "Warm-up window in seconds")
	f.UintVar(&o.RecordSecs, "record-secs", o.RecordSecs, "Recording window in seconds")
	f.UintVar(&o.MessageTimeoutMs, "message-timeout-ms", o.MessageTimeoutMs, "Time the broker has to accept a message")
	f.UintVar(&o.SessionTimeoutMs, "session-timeout-ms", o.SessionTimeoutMs, "Consumer group session timeout")
	f.Int64Var(&o.PublishRate, "publish-rate", o.PublishRate, "Messages/second to be sent. -1 runs full throttle.")
	f.Uint64Var(&o.Burst, "burst", o.Burst, "Burst for the publish rate limiter. Only relevant if publish-rate > 0")
	f.StringVar(&o.RawLatencyFile, "raw-latencies", "", "Write every recorded sample to this file (.snappy compresses)")
	f.StringVar(&o.DistributionFile, "distribution-file", "", "Write an HdrHistogram plot file of the recorded latencies")
	f.StringVar(&o.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address during the run")

	return cmd
}

// loadConfigFile decodes path into o and re-applies every flag that was set
// on the command line.
func loadConfigFile(flags *pflag.FlagSet, path string, o *config.Options) error {
	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	if err := config.LoadFile(path, o); err != nil {
		return err
	}
	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return errors.Wrapf(err, "re-applying --%s", name)
		}
	}
	return nil
}

func writeConfig(path string, o *config.Options) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	if err := toml.NewEncoder(f).Encode(o); err != nil {
		f.Close()
		return errors.Wrapf(err, "encoding options to %s", path)
	}
	return f.Close()
}

func run(ctx context.Context, o *config.Options, stdout io.Writer) error {
	if err := o.Init(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	logs, err := logging.ParseLogConf(o.LogConf)
	if err != nil {
		return errors.Wrap(err, "invalid --log-conf")
	}
	logging.Configure(logs)

	factory, err := connector.New(o, logs)
	if err != nil {
		return err
	}

	opts := []roundtrip.Option{roundtrip.WithOutput(stdout)}
	if o.MetricsAddr != "" {
		m := metrics.New()
		opts = append(opts, roundtrip.WithMetrics(m))

		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := m.Serve(metricsCtx, o.MetricsAddr); err != nil {
				logrus.WithError(err).Warn("Metrics endpoint stopped")
			}
		}()
	}

	var lw latency.Writer
	if o.RawLatencyFile != "" {
		if lw, err = latency.NewFileWriter(o.RawLatencyFile); err != nil {
			return errors.Wrapf(err, "creating raw latency file %s", o.RawLatencyFile)
		}
		opts = append(opts, roundtrip.WithLatencyWriter(lw))
	}

	summary, err := roundtrip.NewBenchmark(factory, o, opts...).Run(ctx)
	if lw != nil {
		if cerr := lw.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "closing raw latency file %s", o.RawLatencyFile)
		}
	}
	if err != nil {
		return err
	}

	if err := summary.WriteReport(stdout); err != nil {
		return errors.Wrap(err, "writing report")
	}
	if o.DistributionFile != "" {
		if err := summary.GenerateLatencyDistribution(nil, o.DistributionFile); err != nil {
			return err
		}
	}
	logrus.Debug(summary)
	return nil
}
