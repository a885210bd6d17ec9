// Package spool provides the durable retry queue for batches that failed to
// write to the store. Each pending batch is one msgpack-encoded,
// zstd-compressed file in the spool directory; file names carry a
// monotonically increasing sequence so replay preserves arrival order.
package spool

import (
	"time"

	"github.com/google/uuid"
)

// Sample is one decoded measurement, the unit flowing from the decoder to
// the writer. Immutable once built; ownership moves stage to stage with it.
type Sample struct {
	Channel string    `msgpack:"c"` // dotted id "NET.STA.LOC.CHA"
	Time    time.Time `msgpack:"t"`
	Value   float64   `msgpack:"v"`
	Seq     uint32    `msgpack:"s"` // wire sequence number of the source packet
}

// Batch is a time-bounded group of samples written to the store as one unit.
// The writer mutates the open batch; once sealed for flushing it is immutable.
type Batch struct {
	ID        uuid.UUID `msgpack:"id"`
	CreatedAt time.Time `msgpack:"at"`
	Samples   []Sample  `msgpack:"ss"`
}

// NewBatch creates an empty open batch.
func NewBatch() Batch {
	return Batch{ID: uuid.New(), CreatedAt: time.Now()}
}
