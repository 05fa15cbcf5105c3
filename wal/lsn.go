package wal

import "fmt"

// Lsn is a log sequence number: the byte position of a record within the
// WAL stream. The total order over lsn is the single source of truth for
// "what happened when" across the whole core.
type Lsn uint64

// InvalidLsn is below every valid record position... except the very first
// record, which lives at position zero with prev 0. callers that need
// "no lsn" use the maximum instead of colliding with record zero.
const InvalidLsn Lsn = ^Lsn(0)

func (l Lsn) String() string {
	// the postgres X/X rendering, high and low halves
	return fmt.Sprintf("%X/%X", uint64(l)>>32, uint64(l)&0xFFFFFFFF)
}
