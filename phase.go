package roundtrip

import "time"

// Phase is a state of the measurement loop.
type Phase int

const (
	// Warmup discards every received record.
	Warmup Phase = iota
	// Recording admits latency samples into the histogram.
	Recording
	// Done ends the loop.
	Done
)

func (p Phase) String() string {
	switch p {
	case Warmup:
		return "warmup"
	case Recording:
		return "recording"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// phaseAt maps the time elapsed since the loop started onto a phase. The
// warm-up test comes first so a record arriving just before the boundary is
// still discarded.
func phaseAt(elapsed, warmup, record time.Duration) Phase {
	if elapsed < warmup {
		return Warmup
	} else if elapsed < warmup+record {
		return Recording
	}
	return Done
}
