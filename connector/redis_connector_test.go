package connector

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/garyburd/redigo/redis"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vwdsrc/roundtrip"
)

// scriptedConn answers Do with canned replies in order and records every
// command it was given.
type scriptedConn struct {
	replies  []interface{}
	commands [][]interface{}
	closed   bool
}

func (c *scriptedConn) Do(cmd string, args ...interface{}) (interface{}, error) {
	c.commands = append(c.commands, append([]interface{}{cmd}, args...))
	if len(c.replies) == 0 {
		return nil, fmt.Errorf("unexpected command %s", cmd)
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	if err, ok := reply.(error); ok {
		return nil, err
	}
	return reply, nil
}

func (c *scriptedConn) Send(string, ...interface{}) error { return nil }
func (c *scriptedConn) Flush() error                      { return nil }
func (c *scriptedConn) Receive() (interface{}, error)     { return nil, nil }
func (c *scriptedConn) Err() error                        { return nil }
func (c *scriptedConn) Close() error {
	c.closed = true
	return nil
}

func dialer(conn redis.Conn) func(string, string, ...redis.DialOption) (redis.Conn, error) {
	return func(string, string, ...redis.DialOption) (redis.Conn, error) { return conn, nil }
}

func entry(id string, fields ...string) interface{} {
	kv := make([]interface{}, len(fields))
	for i, f := range fields {
		kv[i] = []byte(f)
	}
	return []interface{}{[]byte(id), kv}
}

func TestRedisStreamsPublisher_Send(t *testing.T) {
	conn := &scriptedConn{replies: []interface{}{[]byte("1700000000123-0"), redis.Error("OOM command not allowed")}}
	p := &redisStreamsPublisher{url: "localhost:6379", dial: dialer(conn)}
	require.NoError(t, p.Setup())

	ctx := context.Background()
	require.NoError(t, p.Send(ctx, "latency", roundtrip.NewRecord(4, 1700000000123)))
	assert.Equal(t, []interface{}{"XADD", "latency", "*", "key", "4", "ts", int64(1700000000123), "payload", []byte("dummy")}, conn.commands[0])

	err := p.Send(ctx, "latency", roundtrip.NewRecord(5, 1700000000124))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appending to stream latency")

	require.NoError(t, p.Teardown())
	assert.True(t, conn.closed)
}

func TestRedisStreamsPublisher_SetupFailure(t *testing.T) {
	refused := errors.New("connection refused")
	p := &redisStreamsPublisher{url: "localhost:6379", dial: func(string, string, ...redis.DialOption) (redis.Conn, error) {
		return nil, refused
	}}
	err := p.Setup()
	assert.True(t, errors.Is(err, refused))
	assert.NoError(t, p.Teardown())
}

func TestRedisStreamsSubscriber_Receive(t *testing.T) {
	conn := &scriptedConn{replies: []interface{}{
		[]interface{}{entry("100-0", "key", "99", "ts", "1", "payload", "dummy")},
		nil,
		[]interface{}{
			[]interface{}{[]byte("latency"), []interface{}{
				entry("101-0", "key", "0", "ts", "1700000000000", "payload", "dummy"),
				entry("102-0", "key", "1", "ts", "1700000000001", "payload", "dummy"),
			}},
		},
	}}
	s := &redisStreamsSubscriber{url: "localhost:6379", dial: dialer(conn)}
	require.NoError(t, s.Subscribe("latency"))
	assert.Equal(t, "100-0", s.lastIDs["latency"])

	ctx := context.Background()
	r, err := s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, &roundtrip.Record{Key: "0", Payload: []byte("dummy"), Timestamp: 1700000000000}, r)

	r, err = s.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1", r.Key)
	assert.Equal(t, "102-0", s.lastIDs["latency"])

	require.Len(t, conn.commands, 3)
	assert.Equal(t, []interface{}{"XREAD", "COUNT", redisReadCount, "BLOCK", int64(1000), "STREAMS", "latency", "100-0"}, conn.commands[1])

	require.NoError(t, s.Teardown())
	assert.True(t, conn.closed)
}

func TestRedisStreamsSubscriber_EmptyStream(t *testing.T) {
	conn := &scriptedConn{replies: []interface{}{[]interface{}{}}}
	s := &redisStreamsSubscriber{url: "localhost:6379", dial: dialer(conn)}
	require.NoError(t, s.Subscribe("latency"))
	assert.Equal(t, "0-0", s.lastIDs["latency"])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Receive(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
}

// silentRedis answers the first command with an empty array and then stops
// replying, like a server that hung mid-session.
func silentRedis(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		if _, err := conn.Read(buf); err != nil {
			return
		}
		if _, err := conn.Write([]byte("*0\r\n")); err != nil {
			return
		}
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()
	return l.Addr().String()
}

func TestRedisStreamsSubscriber_ReadOutlastsBlock(t *testing.T) {
	o := testOptions(t, "redis")
	s := NewRedisStreamsConnectorFactory(o).GetSubscriber().(*redisStreamsSubscriber)
	assert.Equal(t, redisBlock+o.MessageTimeout, s.readTimeout())
}

func TestRedisStreamsSubscriber_SilentServerTimesOut(t *testing.T) {
	s := &redisStreamsSubscriber{url: silentRedis(t), timeout: 50 * time.Millisecond, dial: redis.Dial}
	require.NoError(t, s.Subscribe("latency"))
	defer s.Teardown()

	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background())
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "reading streams")
	case <-time.After(5 * time.Second):
		t.Fatal("XREAD against a silent server never returned")
	}
}

func TestParseXRead(t *testing.T) {
	entries, err := parseXRead(nil)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = parseXRead([]interface{}{[]interface{}{[]byte("latency")}})
	assert.Error(t, err)

	_, err = parseXRead([]interface{}{
		[]interface{}{[]byte("latency"), []interface{}{entry("1-0", "key")}},
	})
	assert.Error(t, err)
}

func TestRecordFromFields(t *testing.T) {
	r := recordFromFields(map[string][]byte{"key": []byte("7"), "payload": []byte("dummy")})
	assert.Equal(t, "7", r.Key)
	assert.False(t, r.HasTimestamp())
}
