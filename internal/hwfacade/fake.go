package hwfacade

import (
	"sync"
	"time"

	"firestige.xyz/mcdpi/internal/core"
)

// Fake is an in-memory Facade used by internal/reconf, internal/energy and
// internal/farm tests. It never touches the filesystem.
type Fake struct {
	mu sync.Mutex

	topo        Topology
	energy      map[SocketID]EnergyCounters
	wrapping    time.Duration
	frequencies map[CoreID][]uint64
	governor    map[CoreID]core.Governor
	setFreq     map[CoreID]uint64
	pinned      map[CoreID]int

	energyErr error
}

// NewFake builds a fake topology of numCores cores evenly split across
// numSockets sockets.
func NewFake(numCores, numSockets int) *Fake {
	if numSockets < 1 {
		numSockets = 1
	}
	topo := Topology{Sockets: make(map[CoreID]SocketID)}
	for i := 0; i < numCores; i++ {
		c := CoreID(i)
		topo.Cores = append(topo.Cores, c)
		topo.Sockets[c] = SocketID(i % numSockets)
	}

	f := &Fake{
		topo:        topo,
		energy:      make(map[SocketID]EnergyCounters),
		wrapping:    5 * time.Second,
		frequencies: make(map[CoreID][]uint64),
		governor:    make(map[CoreID]core.Governor),
		setFreq:     make(map[CoreID]uint64),
		pinned:      make(map[CoreID]int),
	}
	for _, c := range topo.Cores {
		f.frequencies[c] = []uint64{1200000, 1600000, 2000000, 2400000, 2800000}
	}
	return f
}

func (f *Fake) Enumerate() (Topology, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topo, nil
}

// SetEnergy installs the counters ReadEnergy will return for a socket.
func (f *Fake) SetEnergy(socket SocketID, c EnergyCounters) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.energy[socket] = c
}

// SetEnergyUnavailable makes ReadEnergy return core.ErrEnergyUnavailable.
func (f *Fake) SetEnergyUnavailable(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.energyErr = err
}

func (f *Fake) ReadEnergy(socket SocketID) (EnergyCounters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.energyErr != nil {
		return EnergyCounters{}, f.energyErr
	}
	return f.energy[socket], nil
}

func (f *Fake) SetWrappingInterval(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wrapping = d
}

func (f *Fake) WrappingInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wrapping
}

func (f *Fake) AvailableFrequencies(c CoreID) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.frequencies[c]...), nil
}

func (f *Fake) SetFrequency(cores []CoreID, freqKHz uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range cores {
		f.setFreq[c] = freqKHz
	}
	return nil
}

// FrequencyOf returns the last frequency set for a core, for test assertions.
func (f *Fake) FrequencyOf(c CoreID) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setFreq[c]
}

func (f *Fake) SetGovernor(c CoreID, g core.Governor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.governor[c] = g
	return nil
}

// GovernorOf returns the last governor set for a core, for test assertions.
func (f *Fake) GovernorOf(c CoreID) core.Governor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.governor[c]
}

func (f *Fake) Pin(c CoreID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinned[c]++
	return nil
}

// PinCount returns how many times Pin was called for a core, for test assertions.
func (f *Fake) PinCount(c CoreID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinned[c]
}

var _ Facade = (*Fake)(nil)
