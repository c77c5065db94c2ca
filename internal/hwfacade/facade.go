// Package hwfacade isolates every direct interaction with CPU topology,
// frequency scaling, core affinity and RAPL-style energy counters behind a
// narrow interface, so the reconfiguration controller and energy dispatcher
// can be exercised against an in-memory fake in tests.
package hwfacade

import (
	"time"

	"firestige.xyz/mcdpi/internal/core"
)

// CoreID identifies a logical CPU as reported by the kernel.
type CoreID int

// SocketID identifies a physical package (RAPL domain boundary).
type SocketID int

// Topology describes the enumerated cores and their socket membership.
type Topology struct {
	Cores   []CoreID
	Sockets map[CoreID]SocketID
}

// NumCores returns the number of logical CPUs in the topology.
func (t Topology) NumCores() int { return len(t.Cores) }

// CoresOnSocket returns the cores belonging to the given socket.
func (t Topology) CoresOnSocket(s SocketID) []CoreID {
	var out []CoreID
	for _, c := range t.Cores {
		if t.Sockets[c] == s {
			out = append(out, c)
		}
	}
	return out
}

// SocketIDs returns the distinct sockets present in the topology.
func (t Topology) SocketIDs() []SocketID {
	seen := make(map[SocketID]bool)
	var out []SocketID
	for _, s := range t.Sockets {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// EnergyCounters holds raw RAPL-style cumulative microjoule counters for one
// socket at one point in time. All fields wrap at 2^32 per the Intel RAPL
// MSR layout; see energy.Diff for wrap-safe differencing.
type EnergyCounters struct {
	Socket   uint32
	Cores    uint32
	Offcores uint32
	Dram     uint32
}

// Facade is the hardware-dependent surface used by the farm fabric, the
// reconfiguration controller and the energy dispatcher.
type Facade interface {
	// Enumerate lists real cores and their socket membership.
	Enumerate() (Topology, error)
	// ReadEnergy reads the per-socket RAPL-style counters. Returns
	// core.ErrEnergyUnavailable when the platform exposes no powercap
	// hierarchy; callers must treat that as "unsupported here", not fatal.
	ReadEnergy(socket SocketID) (EnergyCounters, error)
	// WrappingInterval is the maximum safe gap between two ReadEnergy calls
	// before a counter may wrap more than once.
	WrappingInterval() time.Duration
	// AvailableFrequencies lists the frequencies (kHz, ascending) a core can
	// be scaled to.
	AvailableFrequencies(c CoreID) ([]uint64, error)
	// SetFrequency pins the given cores to freqKHz under the userspace
	// governor.
	SetFrequency(cores []CoreID, freqKHz uint64) error
	// SetGovernor switches a core's scaling governor.
	SetGovernor(c CoreID, g core.Governor) error
	// Pin binds the calling OS thread to core c. Callers that need this
	// must first call runtime.LockOSThread.
	Pin(c CoreID) error
}
