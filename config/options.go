package config

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

const (
	DefaultBroker           = "kafka"
	DefaultBrokers          = "localhost:9092"
	DefaultKafkaVersion     = ""
	DefaultGroupID          = "sarama-roundtrip-example"
	DefaultWarmupSecs       = 10
	DefaultRecordSecs       = 10
	DefaultMessageTimeoutMs = 5000
	DefaultSessionTimeoutMs = 6000
	DefaultPublishRate      = -1
)

// Brokers known to the connector package.
var SupportedBrokers = []string{"kafka", "pulsar", "nats", "redis", "noop"}

var (
	ErrTopicRequired   = errors.New("a topic is required")
	ErrNoBrokers       = errors.New("no broker addresses given")
	ErrUnknownBroker   = errors.New("unsupported broker")
	ErrInvalidRate     = errors.New("publish rate must be -1 (unlimited) or positive")
	ErrInvalidWindow   = errors.New("warm-up and recording windows must be positive")
	ErrInvalidTimeouts = errors.New("message and session timeouts must be positive")
)

// Options assembles all user defined options in one struct
type Options struct {
	// User controlled options
	Broker           string
	Brokers          string
	Topic            string
	LogConf          string
	KafkaVersion     string
	GroupID          string
	WarmupSecs       uint
	RecordSecs       uint
	MessageTimeoutMs uint
	SessionTimeoutMs uint
	PublishRate      int64
	Burst            uint64
	RawLatencyFile   string
	DistributionFile string
	MetricsAddr      string
	// Derived options
	BrokerList     []string      `toml:"-"`
	WarmupDuration time.Duration `toml:"-"`
	RecordDuration time.Duration `toml:"-"`
	MessageTimeout time.Duration `toml:"-"`
	SessionTimeout time.Duration `toml:"-"`
}

// DefaultOptions returns an Options instance with
// all values set to default
func DefaultOptions() *Options {
	return &Options{
		Broker:           DefaultBroker,
		Brokers:          DefaultBrokers,
		KafkaVersion:     DefaultKafkaVersion,
		GroupID:          DefaultGroupID,
		WarmupSecs:       DefaultWarmupSecs,
		RecordSecs:       DefaultRecordSecs,
		MessageTimeoutMs: DefaultMessageTimeoutMs,
		SessionTimeoutMs: DefaultSessionTimeoutMs,
		PublishRate:      DefaultPublishRate,
	}
}

// LoadFile decodes a TOML file on top of the values already present in o.
func LoadFile(path string, o *Options) error {
	if _, err := toml.DecodeFile(path, o); err != nil {
		return errors.Wrapf(err, "loading config file %s", path)
	}
	return nil
}

// ParseBrokerList splits a comma-separated host:port list, dropping blanks.
func ParseBrokerList(brokers string) []string {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}

// Validate reports the first configuration error found in o.
func (o *Options) Validate() error {
	if strings.TrimSpace(o.Topic) == "" {
		return ErrTopicRequired
	}
	if len(ParseBrokerList(o.Brokers)) == 0 {
		return ErrNoBrokers
	}
	if !isSupportedBroker(o.Broker) {
		return errors.Wrapf(ErrUnknownBroker, "%q (supported: %s)", o.Broker, strings.Join(SupportedBrokers, ", "))
	}
	if o.PublishRate == 0 || o.PublishRate < -1 {
		return errors.Wrapf(ErrInvalidRate, "got %d", o.PublishRate)
	}
	if o.WarmupSecs == 0 || o.RecordSecs == 0 {
		return ErrInvalidWindow
	}
	if o.MessageTimeoutMs == 0 || o.SessionTimeoutMs == 0 {
		return ErrInvalidTimeouts
	}
	return nil
}

// Init validates o and fills in the derived options.
func (o *Options) Init() error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.BrokerList = ParseBrokerList(o.Brokers)
	o.WarmupDuration = time.Duration(o.WarmupSecs) * time.Second
	o.RecordDuration = time.Duration(o.RecordSecs) * time.Second
	o.MessageTimeout = time.Duration(o.MessageTimeoutMs) * time.Millisecond
	o.SessionTimeout = time.Duration(o.SessionTimeoutMs) * time.Millisecond
	return nil
}

func isSupportedBroker(name string) bool {
	for _, b := range SupportedBrokers {
		if b == name {
			return true
		}
	}
	return false
}
