// Package logging turns a --log-conf string into logrus configuration for
// the program logger and the broker client libraries.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Log targets accepted in a log configuration string.
const (
	Roundtrip = "roundtrip"
	Sarama    = "sarama"
	Pulsar    = "pulsar"
	Nats      = "nats"
)

var targets = []string{Roundtrip, Sarama, Pulsar, Nats}

var (
	ErrUnknownTarget = errors.New("unknown log target")
	ErrInvalidLevel  = errors.New("invalid log level")
)

// Config holds the parsed log configuration. Targets without an explicit
// level log at Level, except the client libraries which stay silent unless
// named.
type Config struct {
	Level   logrus.Level
	Targets map[string]logrus.Level
	Output  io.Writer
}

// ParseLogConf parses a comma-separated list of directives. A directive is
// either a bare level for the program logger or target=level.
func ParseLogConf(conf string) (*Config, error) {
	c := &Config{
		Level:   logrus.InfoLevel,
		Targets: map[string]logrus.Level{},
		Output:  os.Stderr,
	}
	for _, directive := range strings.Split(conf, ",") {
		directive = strings.TrimSpace(directive)
		if directive == "" {
			continue
		}

		target, level := Roundtrip, directive
		if i := strings.IndexByte(directive, '='); i >= 0 {
			target = strings.TrimSpace(directive[:i])
			level = strings.TrimSpace(directive[i+1:])
		}
		if !isTarget(target) {
			return nil, errors.Wrapf(ErrUnknownTarget, "%q (known: %s)", target, strings.Join(targets, ", "))
		}
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidLevel, "%q for %s", level, target)
		}

		if target == Roundtrip {
			c.Level = lvl
		} else {
			c.Targets[target] = lvl
		}
	}
	return c, nil
}

// Enabled reports whether target was named in the configuration.
func (c *Config) Enabled(target string) bool {
	if target == Roundtrip {
		return true
	}
	_, ok := c.Targets[target]
	return ok
}

// Logger returns a logger for target. Client library loggers that were not
// configured discard everything.
func (c *Config) Logger(target string) *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(formatter())
	l.SetOutput(c.Output)
	switch lvl, ok := c.Targets[target]; {
	case ok:
		l.SetLevel(lvl)
	case target == Roundtrip:
		l.SetLevel(c.Level)
	default:
		l.SetOutput(io.Discard)
	}
	return l
}

// Configure applies c to the standard logrus logger and routes sarama's
// internal logger into logrus when it was enabled.
func Configure(c *Config) {
	logrus.SetFormatter(formatter())
	logrus.SetOutput(c.Output)
	logrus.SetLevel(c.Level)

	if c.Enabled(Sarama) {
		sarama.Logger = c.Logger(Sarama).WithField("lib", Sarama)
	}
}

func formatter() logrus.Formatter {
	return &logrus.TextFormatter{FullTimestamp: true}
}

func isTarget(name string) bool {
	for _, t := range targets {
		if t == name {
			return true
		}
	}
	return false
}
