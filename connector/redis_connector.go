package connector

import (
	"context"
	"strconv"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"

	"github.com/vwdsrc/roundtrip"
	"github.com/vwdsrc/roundtrip/config"
)

// Stream entry fields written by the publisher.
const (
	redisKeyField       = "key"
	redisTimestampField = "ts"
	redisPayloadField   = "payload"
)

const (
	redisBlock     = time.Second
	redisReadCount = 128
)

// RedisStreamsConnectorFactory implements ConnectorFactory over Redis
// Streams. A send is accepted once XADD returned the entry ID.
type RedisStreamsConnectorFactory struct {
	BaseConnectorFactory
	Timeout time.Duration
}

// NewRedisStreamsConnectorFactory returns a RedisStreamsConnectorFactory for o.
func NewRedisStreamsConnectorFactory(o *config.Options) *RedisStreamsConnectorFactory {
	return &RedisStreamsConnectorFactory{
		BaseConnectorFactory: BaseConnectorFactory{URLs: o.BrokerList},
		Timeout:              o.MessageTimeout,
	}
}

// GetPublisher returns a new Publisher, called for each Benchmark.
func (r *RedisStreamsConnectorFactory) GetPublisher() roundtrip.Publisher {
	return &redisStreamsPublisher{
		url:     r.GetNextPublisherURL(),
		timeout: r.Timeout,
		dial:    redis.Dial,
	}
}

type redisStreamsPublisher struct {
	url     string
	timeout time.Duration
	dial    func(network, address string, options ...redis.DialOption) (redis.Conn, error)
	conn    redis.Conn
}

// Setup prepares the Publisher for benchmarking.
func (r *redisStreamsPublisher) Setup() error {
	conn, err := r.dial("tcp", r.url,
		redis.DialConnectTimeout(r.timeout),
		redis.DialReadTimeout(r.timeout),
		redis.DialWriteTimeout(r.timeout),
	)
	if err != nil {
		return errors.Wrapf(err, "connecting to redis at %s", r.url)
	}
	r.conn = conn
	return nil
}

// Send appends r to the stream named topic.
func (r *redisStreamsPublisher) Send(ctx context.Context, topic string, rec *roundtrip.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := redis.String(r.conn.Do("XADD", topic, "*",
		redisKeyField, rec.Key,
		redisTimestampField, rec.Timestamp,
		redisPayloadField, rec.Payload,
	))
	if err != nil {
		return errors.Wrapf(err, "appending to stream %s", topic)
	}
	return nil
}

// Teardown is called upon benchmark completion.
func (r *redisStreamsPublisher) Teardown() error {
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	r.conn = nil
	return nil
}

// GetSubscriber returns a new Subscriber, called for each Benchmark.
func (r *RedisStreamsConnectorFactory) GetSubscriber() roundtrip.Subscriber {
	return &redisStreamsSubscriber{
		url:     r.GetNextSubscriberURL(),
		timeout: r.Timeout,
		dial:    redis.Dial,
	}
}

// redisStreamsSubscriber reads streams without a consumer group, so nothing
// needs acknowledging. It remembers the last ID seen per stream.
type redisStreamsSubscriber struct {
	url     string
	timeout time.Duration
	dial    func(network, address string, options ...redis.DialOption) (redis.Conn, error)
	conn    redis.Conn
	streams []string
	lastIDs map[string]string
	pending []streamEntry
}

// readTimeout outlasts a full XREAD BLOCK so only a silent server trips it.
func (r *redisStreamsSubscriber) readTimeout() time.Duration {
	return redisBlock + r.timeout
}

type streamEntry struct {
	stream string
	id     string
	fields map[string][]byte
}

// Subscribe connects and positions every stream after its current last
// entry.
func (r *redisStreamsSubscriber) Subscribe(topics ...string) error {
	conn, err := r.dial("tcp", r.url,
		redis.DialConnectTimeout(r.timeout),
		redis.DialReadTimeout(r.readTimeout()),
		redis.DialWriteTimeout(r.timeout),
	)
	if err != nil {
		return errors.Wrapf(err, "connecting to redis at %s", r.url)
	}
	r.conn = conn
	r.streams = topics
	r.lastIDs = make(map[string]string, len(topics))
	for _, topic := range topics {
		id, err := lastStreamID(conn, topic)
		if err != nil {
			return errors.Wrapf(err, "positioning on stream %s", topic)
		}
		r.lastIDs[topic] = id
	}
	return nil
}

func lastStreamID(conn redis.Conn, stream string) (string, error) {
	entries, err := redis.Values(conn.Do("XREVRANGE", stream, "+", "-", "COUNT", 1))
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "0-0", nil
	}
	entry, err := redis.Values(entries[0], nil)
	if err != nil || len(entry) == 0 {
		return "", errors.New("malformed XREVRANGE reply")
	}
	return redis.String(entry[0], nil)
}

// Receive returns the next stream entry, blocking in XREAD until one is
// available or ctx is done.
func (r *redisStreamsSubscriber) Receive(ctx context.Context) (*roundtrip.Record, error) {
	for len(r.pending) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		args := redis.Args{"COUNT", redisReadCount, "BLOCK", redisBlock.Milliseconds(), "STREAMS"}
		args = args.AddFlat(r.streams)
		for _, stream := range r.streams {
			args = args.Add(r.lastIDs[stream])
		}
		reply, err := r.conn.Do("XREAD", args...)
		if err != nil {
			return nil, errors.Wrap(err, "reading streams")
		}
		entries, err := parseXRead(reply)
		if err != nil {
			return nil, err
		}
		r.pending = entries
	}

	e := r.pending[0]
	r.pending = r.pending[1:]
	r.lastIDs[e.stream] = e.id
	return recordFromFields(e.fields), nil
}

// Teardown is called upon benchmark completion.
func (r *redisStreamsSubscriber) Teardown() error {
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Close(); err != nil {
		return err
	}
	r.conn = nil
	return nil
}

// parseXRead flattens an XREAD reply. A nil reply means the block timed out.
func parseXRead(reply interface{}) ([]streamEntry, error) {
	if reply == nil {
		return nil, nil
	}
	streams, err := redis.Values(reply, nil)
	if err != nil {
		return nil, errors.Wrap(err, "malformed XREAD reply")
	}

	var entries []streamEntry
	for _, s := range streams {
		pair, err := redis.Values(s, nil)
		if err != nil || len(pair) != 2 {
			return nil, errors.New("malformed XREAD stream")
		}
		name, err := redis.String(pair[0], nil)
		if err != nil {
			return nil, errors.Wrap(err, "malformed XREAD stream name")
		}
		items, err := redis.Values(pair[1], nil)
		if err != nil {
			return nil, errors.Wrap(err, "malformed XREAD entries")
		}
		for _, item := range items {
			kv, err := redis.Values(item, nil)
			if err != nil || len(kv) != 2 {
				return nil, errors.New("malformed XREAD entry")
			}
			id, err := redis.String(kv[0], nil)
			if err != nil {
				return nil, errors.Wrap(err, "malformed XREAD entry id")
			}
			fields, err := redis.ByteSlices(kv[1], nil)
			if err != nil || len(fields)%2 != 0 {
				return nil, errors.Errorf("malformed fields in entry %s", id)
			}
			e := streamEntry{stream: name, id: id, fields: make(map[string][]byte, len(fields)/2)}
			for i := 0; i < len(fields); i += 2 {
				e.fields[string(fields[i])] = fields[i+1]
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func recordFromFields(fields map[string][]byte) *roundtrip.Record {
	r := &roundtrip.Record{
		Key:       string(fields[redisKeyField]),
		Payload:   fields[redisPayloadField],
		Timestamp: roundtrip.NoTimestamp,
	}
	if ts, err := strconv.ParseInt(string(fields[redisTimestampField]), 10, 64); err == nil {
		r.Timestamp = ts
	}
	return r
}
