// Package connector adapts message brokers to the roundtrip Publisher and
// Subscriber interfaces.
package connector

import (
	"github.com/pkg/errors"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/config"
	"github.com/vwdsrc/roundtrip/logging"
)

// New returns the ConnectorFactory for o.Broker. o must have been
// initialised with Init.
func New(o *config.Options, logs *logging.Config) (roundtrip.ConnectorFactory, error) {
	switch o.Broker {
	case "kafka":
		k, err := NewKafkaConnectorFactory(o)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "pulsar":
		return NewPulsarConnectorFactory(o, logs.Logger(logging.Pulsar)), nil
	case "nats":
		return NewNATSConnectorFactory(o, logs.Logger(logging.Nats)), nil
	case "redis":
		return NewRedisStreamsConnectorFactory(o), nil
	case "noop":
		return NewNOOPConnectorFactory(), nil
	default:
		return nil, errors.Wrapf(config.ErrUnknownBroker, "%q", o.Broker)
	}
}
