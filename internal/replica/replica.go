// Package replica holds the staleness heuristic shared by the replica
// adapters. A replica is an external store (filesystem directory, cloud
// bucket, peer host) mirroring some or all entries.
package replica

import "time"

// TimeBuffer is the tolerance window for replica modification timestamps.
// Provider-reported times are not trustworthy to the second, so differences
// inside the buffer are not treated as evidence of staleness.
const TimeBuffer = 60 * time.Second

// Newer reports whether the candidate copy should be treated as newer than
// the other copy. Outside the tolerance buffer the timestamps decide.
// Inside it, byte length breaks the tie: the larger copy wins, on the
// premise that diary edits are append-like growth. A truncating edit inside
// the buffer is therefore misread as staleness; this is a known
// approximation, not a correctness guarantee.
func Newer(candMod, otherMod time.Time, candSize, otherSize int64) bool {
	d := candMod.Sub(otherMod)
	if d > TimeBuffer {
		return true
	}
	if d < -TimeBuffer {
		return false
	}
	return candSize > otherSize
}
