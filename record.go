package roundtrip

import "strconv"

// NoTimestamp marks a received record whose broker did not hand back a
// timestamp. It is the value Kafka uses on the wire for the same purpose.
const NoTimestamp int64 = -1

// Payload is the body of every published record.
var Payload = []byte("dummy")

// Record is a single message as seen by the harness on either side of the
// broker. Timestamp holds the wall-clock send time in milliseconds since the
// Unix epoch.
type Record struct {
	Key       string
	Payload   []byte
	Timestamp int64
}

// NewRecord builds the record for producer sequence number seq.
func NewRecord(seq uint64, timestamp int64) *Record {
	return &Record{
		Key:       strconv.FormatUint(seq, 10),
		Payload:   Payload,
		Timestamp: timestamp,
	}
}

// HasTimestamp reports whether the record carries a send timestamp.
func (r *Record) HasTimestamp() bool {
	return r.Timestamp >= 0
}
