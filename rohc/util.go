package rohc

import "time"

// newTimer creates a stopped timer: callers Reset() it when they
// actually want it to fire, so a select loop can unconditionally include
// timer.C without it firing spuriously at startup.
func newTimer(d time.Duration) *time.Timer {
	if d == 0 {
		d = 1 * time.Hour
	}
	t := time.NewTimer(d)
	t.Stop()
	return t
}

// Byte offsets into the frames read from the shared virtual interface
// and raw socket. tunDestOffset accounts for the 4-byte packet
// information header the virtual interface prepends ahead of the IPv4
// header (4 bytes plus the 16-byte offset of the destination field);
// rawSrcOffset has no such prefix since the raw socket delivers the IPv4
// header directly.
const (
	tunDestOffset = 20
	rawSrcOffset  = 12
	ipAddrLen     = 4
)
