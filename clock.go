package roundtrip

import "time"

// Clock supplies the two time sources of a run. Now is only used for phase
// gating and must carry a monotonic reading; WallMillis stamps records on the
// send side and is read again on the receive side, so producer and consumer
// only need wall clocks that agree.
type Clock interface {
	Now() time.Time
	WallMillis() int64
}

type systemClock struct{}

// SystemClock returns the Clock backed by the time package.
func SystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) WallMillis() int64 {
	return time.Now().UnixMilli()
}
