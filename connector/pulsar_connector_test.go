package connector

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/vwdsrc/roundtrip"
)

func TestPulsarConnectorFactory_ClientOptions(t *testing.T) {
	f := NewPulsarConnectorFactory(testOptions(t, "pulsar"), logrus.New())

	opts := f.clientOptions(f.GetNextPublisherURL())
	assert.Equal(t, "pulsar://broker-1:9092", opts.URL)
	assert.Equal(t, 5*time.Second, opts.OperationTimeout)
	assert.NotNil(t, opts.Logger)
	assert.Equal(t, "sarama-roundtrip-example", f.SubscriptionName)

	sub := f.GetSubscriber().(*pulsarSubscriber)
	assert.Equal(t, "pulsar://broker-3:9092", sub.options.URL)
}

func TestNewPulsarMessage(t *testing.T) {
	msg := newPulsarMessage(roundtrip.NewRecord(9, 1700000000123))
	assert.Equal(t, "9", msg.Key)
	assert.Equal(t, []byte("dummy"), msg.Payload)
	assert.Equal(t, int64(1700000000123), msg.EventTime.UnixMilli())
}

func TestRecordFromPulsar(t *testing.T) {
	r := recordFromPulsar("9", []byte("dummy"), time.UnixMilli(1700000000123))
	assert.Equal(t, &roundtrip.Record{Key: "9", Payload: []byte("dummy"), Timestamp: 1700000000123}, r)

	assert.False(t, recordFromPulsar("9", nil, time.Time{}).HasTimestamp())
	assert.False(t, recordFromPulsar("9", nil, time.Unix(0, 0)).HasTimestamp())
}
