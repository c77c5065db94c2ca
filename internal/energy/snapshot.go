// Package energy accounts for per-socket RAPL-style energy consumption: it
// reads hwfacade counters, diffs successive snapshots with wrap-safe
// arithmetic, and hands the result to a user-supplied stats callback on a
// fixed tick.
package energy

import (
	"time"

	"firestige.xyz/mcdpi/internal/hwfacade"
)

// Snapshot is a single point-in-time read of a socket's energy counters.
type Snapshot struct {
	Socket    hwfacade.SocketID
	Counters  hwfacade.EnergyCounters
	Timestamp time.Time
}

// Domains holds the joules consumed by each RAPL domain over one interval.
type Domains struct {
	Socket   float64
	Cores    float64
	Offcores float64
	Dram     float64
	Interval time.Duration
}

// Read takes a snapshot of one socket's energy counters.
func Read(hw hwfacade.Facade, socket hwfacade.SocketID) (Snapshot, error) {
	counters, err := hw.ReadEnergy(socket)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Socket: socket, Counters: counters, Timestamp: time.Now()}, nil
}

// microjoulesPerJoule converts a RAPL microjoule counter value to joules.
const microjoulesPerJoule = 1_000_000.0

// Diff computes the energy consumed between before and after, which must
// have been taken no further apart than the facade's wrapping interval.
// Each domain's counter difference is wrap-safe: if after >= before the
// difference is direct; otherwise the counter wrapped through 2^32 and the
// difference is (2^32 - before) + after.
func Diff(after, before Snapshot) Domains {
	return Domains{
		Socket:   wrapDiffJoules(after.Counters.Socket, before.Counters.Socket),
		Cores:    wrapDiffJoules(after.Counters.Cores, before.Counters.Cores),
		Offcores: wrapDiffJoules(after.Counters.Offcores, before.Counters.Offcores),
		Dram:     wrapDiffJoules(after.Counters.Dram, before.Counters.Dram),
		Interval: after.Timestamp.Sub(before.Timestamp),
	}
}

func wrapDiffJoules(after, before uint32) float64 {
	var delta uint32
	if after >= before {
		delta = after - before
	} else {
		delta = (^uint32(0) - before) + after + 1
	}
	return float64(delta) / microjoulesPerJoule
}
