// Package refengine is a gopacket-based reference Engine implementation.
// It is not meant for production classification — it decodes the L2-L4
// headers, computes a canonical flow key and reports a trivial
// well-known-port guess. It exists so the pipeline, farm and reconf
// packages have a real Engine to exercise in tests and demos; production
// deployments supply their own engine.Engine.
package refengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/taskpool"
)

// Config is the refengine-specific configuration, reachable through
// engine.Engine's Configure mutator. The pipeline's freeze-protected
// setters (SetMaxTrials, fragmentation/TCP-reordering toggles, protocol
// enable/disable, HTTP callback registration, flow cleaner) all mutate
// this struct under freeze, matching the teacher's sequential-engine
// delegation pattern. Classify consults FragmentationEnabled,
// EnabledProtocols and HTTPCallback; BPFFilter, MaxTrials,
// TCPReorderingEnabled and FlowCleanerInterval are stored but not read by
// this engine.
type Config struct {
	BPFFilter string
	SnapLen   int

	MaxTrials            int
	FragmentationEnabled bool
	TCPReorderingEnabled bool
	// EnabledProtocols restricts which guesses Classify reports; nil means
	// every protocol is enabled. Disabled protocols are reported as
	// "unknown" with CertaintyNone rather than dropped, so flow accounting
	// stays consistent.
	EnabledProtocols map[string]bool
	// HTTPCallback, when set, is invoked synchronously whenever Classify
	// reports protocol "http".
	HTTPCallback     func(core.ClassificationResult)
	FlowCleanerInterval time.Duration
}

// Engine implements engine.Engine over gopacket decoding. Each partition
// gets its own gopacket decoding layer set so Classify is safe to call
// concurrently across partitions.
type Engine struct {
	mu         sync.RWMutex
	cfg        Config
	partitions int

	decoders []*partitionDecoder
}

type partitionDecoder struct {
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	vlan    layers.Dot1Q
	decoded []gopacket.LayerType
	parser  *gopacket.DecodingLayerParser
}

func newPartitionDecoder() *partitionDecoder {
	d := &partitionDecoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth, &d.vlan, &d.ip4, &d.ip6, &d.tcp, &d.udp,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// New builds a refengine.Engine with numPartitions independent decoders.
func New(cfg Config, numPartitions int) *Engine {
	e := &Engine{cfg: cfg, partitions: numPartitions}
	e.decoders = make([]*partitionDecoder, numPartitions)
	for i := range e.decoders {
		e.decoders[i] = newPartitionDecoder()
	}
	return e
}

var _ engine.Engine = (*Engine)(nil)

// Classify decodes t.Data on the given partition's decoder, fills t.Result
// with the computed flow key and a trivial well-known-port guess.
func (e *Engine) Classify(partition int, t *taskpool.Task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if partition < 0 || partition >= len(e.decoders) {
		return fmt.Errorf("refengine: partition %d out of range [0,%d)", partition, len(e.decoders))
	}
	d := e.decoders[partition]

	if err := d.parser.DecodeLayers(t.Data[:t.Length], &d.decoded); err != nil {
		t.Result = core.ClassificationResult{Err: fmt.Errorf("refengine: decode: %w", err)}
		return nil
	}

	key, proto, ok := flowKeyFrom(d)
	if !ok {
		t.Result = core.ClassificationResult{Certainty: core.CertaintyNone}
		return nil
	}

	if !e.cfg.FragmentationEnabled && isFragmented(d) {
		t.Result = core.ClassificationResult{FlowKey: key, Certainty: core.CertaintyNone}
		return nil
	}

	name, certainty := guessProtocol(proto, key.DstPort, key.SrcPort)
	if e.cfg.EnabledProtocols != nil && !e.cfg.EnabledProtocols[name] {
		name, certainty = "unknown", core.CertaintyNone
	}

	result := core.ClassificationResult{
		FlowKey:   key,
		Protocol:  name,
		Certainty: certainty,
	}
	t.Result = result

	if name == "http" && e.cfg.HTTPCallback != nil {
		e.cfg.HTTPCallback(result)
	}
	return nil
}

// isFragmented reports whether the decoded IPv4 layer carries the
// more-fragments flag or a nonzero fragment offset. IPv6 fragmentation
// uses a separate extension header gopacket's base layer set here does not
// decode, so only IPv4 is checked.
func isFragmented(d *partitionDecoder) bool {
	for _, lt := range d.decoded {
		if lt == layers.LayerTypeIPv4 {
			return d.ip4.Flags&layers.IPv4MoreFragments != 0 || d.ip4.FragOffset != 0
		}
	}
	return false
}

// Repartition resizes the decoder pool while the pipeline is frozen.
func (e *Engine) Repartition(numPartitions int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if numPartitions <= 0 {
		return fmt.Errorf("refengine: numPartitions must be > 0")
	}

	next := make([]*partitionDecoder, numPartitions)
	for i := range next {
		if i < len(e.decoders) {
			next[i] = e.decoders[i]
		} else {
			next[i] = newPartitionDecoder()
		}
	}
	e.decoders = next
	e.partitions = numPartitions
	return nil
}

// Configure applies a mutator to the refengine Config while frozen.
func (e *Engine) Configure(mutator func(engine.Config) engine.Config) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mutated := mutator(e.cfg)
	cfg, ok := mutated.(Config)
	if !ok {
		return fmt.Errorf("refengine: mutator must return refengine.Config")
	}
	e.cfg = cfg
	return nil
}

// Close is a no-op; refengine holds no external resources.
func (e *Engine) Close() error { return nil }

// flowKeyFrom builds a canonical (direction-independent) FlowKey from the
// decoded layers of d, returning false if no L3 layer was present.
func flowKeyFrom(d *partitionDecoder) (core.FlowKey, uint8, bool) {
	var key core.FlowKey
	var proto uint8
	haveL3 := false

	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			copy(key.SrcAddr[12:], d.ip4.SrcIP.To4())
			copy(key.DstAddr[12:], d.ip4.DstIP.To4())
			proto = uint8(d.ip4.Protocol)
			haveL3 = true
		case layers.LayerTypeIPv6:
			copy(key.SrcAddr[:], d.ip6.SrcIP.To16())
			copy(key.DstAddr[:], d.ip6.DstIP.To16())
			proto = uint8(d.ip6.NextHeader)
			key.IsIPv6 = true
			haveL3 = true
		case layers.LayerTypeTCP:
			key.SrcPort = uint16(d.tcp.SrcPort)
			key.DstPort = uint16(d.tcp.DstPort)
		case layers.LayerTypeUDP:
			key.SrcPort = uint16(d.udp.SrcPort)
			key.DstPort = uint16(d.udp.DstPort)
		}
	}

	if !haveL3 {
		return core.FlowKey{}, 0, false
	}
	key.Protocol = proto

	return canonicalize(key), proto, true
}

// canonicalize swaps (src,dst) so both directions of a flow share the same
// key, matching the flow-affine dispatch requirement.
func canonicalize(k core.FlowKey) core.FlowKey {
	srcFirst := compareAddr(k.SrcAddr, k.DstAddr) <= 0
	if srcFirst {
		return k
	}
	k.SrcAddr, k.DstAddr = k.DstAddr, k.SrcAddr
	k.SrcPort, k.DstPort = k.DstPort, k.SrcPort
	return k
}

func compareAddr(a, b [16]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func guessProtocol(ipProto uint8, dstPort, srcPort uint16) (string, core.Certainty) {
	port := dstPort
	if wellKnown(srcPort) {
		port = srcPort
	}
	switch {
	case ipProto == 6 && port == 80:
		return "http", core.CertaintyMaybe
	case ipProto == 6 && port == 443:
		return "tls", core.CertaintyMaybe
	case ipProto == 17 && port == 53:
		return "dns", core.CertaintyMaybe
	case ipProto == 6:
		return "tcp", core.CertaintyNone
	case ipProto == 17:
		return "udp", core.CertaintyNone
	case ipProto == 132:
		return "sctp", core.CertaintyNone
	default:
		return "unknown", core.CertaintyNone
	}
}

func wellKnown(port uint16) bool { return port != 0 && port < 1024 }
