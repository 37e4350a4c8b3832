package roundtrip

import (
	"context"
	"sync"
	"time"
)

// fakeClock keeps monotonic and wall time apart so a test can model broker
// delay (wall only) separately from the pace of deliveries (monotonic only).
type fakeClock struct {
	mu   sync.Mutex
	base time.Time
	mono time.Duration
	wall int64
}

func newFakeClock() *fakeClock {
	return &fakeClock{base: time.Unix(1700000000, 0), wall: 1700000000000}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.base.Add(c.mono)
}

func (c *fakeClock) WallMillis() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wall
}

func (c *fakeClock) elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mono
}

func (c *fakeClock) advance(mono, wall time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mono += mono
	c.wall += wall.Milliseconds()
}

func (c *fakeClock) set(mono time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mono = mono
}

// lockstepBroker echoes every published record to the subscriber. A Send is
// only accepted once the record has been delivered, so the producer stamps
// each record after the clock moved for the previous one. Every delivery
// advances the monotonic clock by step and the wall clock by the delay of the
// record, which makes the measured latency exactly that delay.
type lockstepBroker struct {
	clock *fakeClock
	step  time.Duration
	delay func(seq int, elapsed time.Duration) time.Duration
	elide func(seq int) bool

	setupErr     error
	subscribeErr error
	sendErr      error
	failAfter    int

	sent     chan *Record
	accepted chan struct{}

	mu        sync.Mutex
	published []Record
	delivered []Record
	topics    []string
	torndown  int
}

func newLockstepBroker(clock *fakeClock, delay func(seq int, elapsed time.Duration) time.Duration) *lockstepBroker {
	return &lockstepBroker{
		clock:    clock,
		step:     10 * time.Millisecond,
		delay:    delay,
		sent:     make(chan *Record),
		accepted: make(chan struct{}),
	}
}

func constantDelay(d time.Duration) func(int, time.Duration) time.Duration {
	return func(int, time.Duration) time.Duration { return d }
}

func (b *lockstepBroker) GetPublisher() Publisher   { return b }
func (b *lockstepBroker) GetSubscriber() Subscriber { return b }

func (b *lockstepBroker) Setup() error {
	return b.setupErr
}

func (b *lockstepBroker) Subscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topics...)
	return b.subscribeErr
}

func (b *lockstepBroker) Send(ctx context.Context, topic string, r *Record) error {
	b.mu.Lock()
	if b.sendErr != nil && len(b.published) >= b.failAfter {
		b.mu.Unlock()
		return b.sendErr
	}
	b.published = append(b.published, *r)
	b.mu.Unlock()

	select {
	case b.sent <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-b.accepted:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *lockstepBroker) Receive(ctx context.Context) (*Record, error) {
	var r *Record
	select {
	case r = <-b.sent:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b.mu.Lock()
	seq := len(b.delivered)
	b.mu.Unlock()

	b.clock.advance(b.step, 0)
	b.clock.advance(0, b.delay(seq, b.clock.elapsed()))

	out := *r
	if b.elide != nil && b.elide(seq) {
		out.Timestamp = NoTimestamp
	}
	b.mu.Lock()
	b.delivered = append(b.delivered, out)
	b.mu.Unlock()

	select {
	case b.accepted <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &out, nil
}

func (b *lockstepBroker) Teardown() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.torndown++
	return nil
}

// delivery is one scripted record: it arrives once elapsed time has passed
// and carries a timestamp latency milliseconds in the past.
type delivery struct {
	elapsed time.Duration
	latency int64
}

// scriptedBroker replays deliveries to the measurement loop and never accepts
// anything from the producer.
type scriptedBroker struct {
	clock  *fakeClock
	script []delivery
	next   int
}

func (b *scriptedBroker) GetPublisher() Publisher   { return b }
func (b *scriptedBroker) GetSubscriber() Subscriber { return b }
func (b *scriptedBroker) Setup() error              { return nil }
func (b *scriptedBroker) Subscribe(...string) error { return nil }
func (b *scriptedBroker) Teardown() error           { return nil }

func (b *scriptedBroker) Send(ctx context.Context, _ string, _ *Record) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *scriptedBroker) Receive(ctx context.Context) (*Record, error) {
	if b.next >= len(b.script) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := b.script[b.next]
	b.clock.set(d.elapsed)
	r := NewRecord(uint64(b.next), b.clock.WallMillis()-d.latency)
	b.next++
	return r, nil
}
