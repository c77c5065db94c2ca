package hwfacade

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"firestige.xyz/mcdpi/internal/core"
)

const (
	cpuSysfsRoot     = "/sys/devices/system/cpu"
	powercapSysfsDir = "/sys/class/powercap"
)

// Sysfs is the production Facade implementation. It reads CPU topology and
// frequency controls from /sys/devices/system/cpu and RAPL energy counters
// from the powercap sysfs hierarchy (intel-rapl). Energy reads degrade
// gracefully: ReadEnergy reports a missing powercap node as
// core.ErrEnergyUnavailable rather than a hard error, since not every
// platform (or container) exposes these. Topology and frequency reads
// return ordinary errors.
type Sysfs struct {
	root     string
	powercap string
}

// NewSysfs returns a Facade rooted at the standard sysfs locations.
func NewSysfs() *Sysfs {
	return &Sysfs{root: cpuSysfsRoot, powercap: powercapSysfsDir}
}

func (s *Sysfs) Enumerate() (Topology, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return Topology{}, fmt.Errorf("hwfacade: read cpu root: %w", err)
	}

	topo := Topology{Sockets: make(map[CoreID]SocketID)}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		idxStr := strings.TrimPrefix(name, "cpu")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue // cpuidle, cpufreq, etc.
		}
		core := CoreID(idx)
		socket, err := s.readSocket(core)
		if err != nil {
			socket = 0
		}
		topo.Cores = append(topo.Cores, core)
		topo.Sockets[core] = socket
	}

	sort.Slice(topo.Cores, func(i, j int) bool { return topo.Cores[i] < topo.Cores[j] })

	if len(topo.Cores) == 0 {
		return Topology{}, fmt.Errorf("hwfacade: no cpu entries found under %s", s.root)
	}
	return topo, nil
}

func (s *Sysfs) readSocket(c CoreID) (SocketID, error) {
	path := filepath.Join(s.root, fmt.Sprintf("cpu%d", c), "topology", "physical_package_id")
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, err
	}
	return SocketID(v), nil
}

func (s *Sysfs) ReadEnergy(socket SocketID) (EnergyCounters, error) {
	base, err := s.raplPackageDir(socket)
	if err != nil {
		return EnergyCounters{}, fmt.Errorf("%w: %v", core.ErrEnergyUnavailable, err)
	}

	pkg, err := readRaplMicrojoules(base)
	if err != nil {
		return EnergyCounters{}, fmt.Errorf("%w: %v", core.ErrEnergyUnavailable, err)
	}

	counters := EnergyCounters{Socket: uint32(pkg)}

	children, _ := filepath.Glob(filepath.Join(base, "intel-rapl:*"))
	for _, child := range children {
		name, err := readRaplName(child)
		if err != nil {
			continue
		}
		v, err := readRaplMicrojoules(child)
		if err != nil {
			continue
		}
		switch name {
		case "core", "cores":
			counters.Cores = uint32(v)
		case "uncore":
			counters.Offcores = uint32(v)
		case "dram":
			counters.Dram = uint32(v)
		}
	}

	if counters.Offcores == 0 && counters.Cores != 0 && counters.Socket > counters.Cores {
		counters.Offcores = counters.Socket - counters.Cores
	}

	return counters, nil
}

func (s *Sysfs) raplPackageDir(socket SocketID) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.powercap, "intel-rapl:*"))
	if err != nil {
		return "", err
	}
	for _, m := range matches {
		name, err := readRaplName(m)
		if err != nil {
			continue
		}
		if name == fmt.Sprintf("package-%d", socket) {
			return m, nil
		}
	}
	return "", fmt.Errorf("no rapl package dir for socket %d", socket)
}

func readRaplName(dir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "name"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

func readRaplMicrojoules(dir string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "energy_uj"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}

// WrappingInterval returns the interval at which max_energy_range_uj worth
// of energy is expected to accumulate at a conservative power draw,
// matching Peafowl's mc_dpi_joules_counters_wrapping_interval contract:
// callers must sample more often than this to diff safely.
func (s *Sysfs) WrappingInterval() time.Duration {
	base, err := s.raplPackageDir(0)
	if err != nil {
		return 60 * time.Second
	}
	raw, err := os.ReadFile(filepath.Join(base, "max_energy_range_uj"))
	if err != nil {
		return 60 * time.Second
	}
	maxRange, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || maxRange == 0 {
		return 60 * time.Second
	}
	const assumedWattage = 150.0
	seconds := float64(maxRange) / 1e6 / assumedWattage
	return time.Duration(seconds * float64(time.Second))
}

func (s *Sysfs) AvailableFrequencies(c CoreID) ([]uint64, error) {
	path := filepath.Join(s.root, fmt.Sprintf("cpu%d", c), "cpufreq", "scaling_available_frequencies")
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hwfacade: open %s: %w", path, err)
	}
	defer f.Close()

	var freqs []uint64
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		v, err := strconv.ParseUint(scanner.Text(), 10, 64)
		if err != nil {
			continue
		}
		freqs = append(freqs, v)
	}
	sort.Slice(freqs, func(i, j int) bool { return freqs[i] < freqs[j] })
	return freqs, nil
}

func (s *Sysfs) SetFrequency(cores []CoreID, freqKHz uint64) error {
	for _, c := range cores {
		dir := filepath.Join(s.root, fmt.Sprintf("cpu%d", c), "cpufreq")
		if err := writeSysfs(filepath.Join(dir, "scaling_governor"), "userspace"); err != nil {
			return fmt.Errorf("hwfacade: set governor on core %d: %w", c, err)
		}
		if err := writeSysfs(filepath.Join(dir, "scaling_setspeed"), strconv.FormatUint(freqKHz, 10)); err != nil {
			return fmt.Errorf("hwfacade: set frequency on core %d: %w", c, err)
		}
	}
	return nil
}

func (s *Sysfs) SetGovernor(c CoreID, g core.Governor) error {
	path := filepath.Join(s.root, fmt.Sprintf("cpu%d", c), "cpufreq", "scaling_governor")
	if err := writeSysfs(path, g.String()); err != nil {
		return fmt.Errorf("hwfacade: set governor on core %d: %w", c, err)
	}
	return nil
}

func writeSysfs(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

func (s *Sysfs) Pin(c CoreID) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(int(c))
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("hwfacade: pin to core %d: %w", c, err)
	}
	return nil
}
