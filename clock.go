package lfs

import (
	"github.com/jacobsa/timeutil"
)

// Clock abstracts wall-clock time behind jacobsa/timeutil's interface so the
// checkpoint wall-clock trigger (spec §4.8) and cost-benefit segment age
// (spec §4.10) are deterministically testable with timeutil.SimulatedClock.
type Clock = timeutil.Clock

// realClock is the default Clock used outside of tests.
func realClock() Clock {
	return timeutil.RealClock()
}

// RealClock exposes the default wall-clock Clock to callers outside the
// package, such as lfsctl's offline inspector, which recovers a device
// without mounting it.
func RealClock() Clock {
	return realClock()
}
