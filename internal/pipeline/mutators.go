package pipeline

import (
	"context"
	"time"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/engine/refengine"
	"firestige.xyz/mcdpi/internal/freeze"
	"firestige.xyz/mcdpi/internal/metrics"
)

// knownProtocols is the set EnabledProtocols is seeded with when a Disable
// call needs to materialize a previously-nil (all enabled) map.
var knownProtocols = []string{"http", "tls", "dns", "tcp", "udp", "sctp"}

// withFreezeAll freezes every farm in the pipeline, runs fn, and unfreezes
// them all on the way out regardless of fn's outcome. Engine mutations
// apply to both the L3/L4 and L7 engines in a double topology so
// fragmentation/protocol/trial policy stays consistent across the chain.
// Before Run, every farm is still held by InitStateful's warm-up freeze,
// so fn runs directly under that freeze.
func (p *Pipeline) withFreezeAll(fn func() error) error {
	p.mu.Lock()
	if p.initToken != nil {
		defer p.mu.Unlock()
		return fn()
	}
	p.mu.Unlock()

	ctx := context.Background()

	tok, err := p.farm.FreezeController().Freeze(ctx)
	if err != nil {
		return err
	}
	toks := []*freeze.Token{tok}

	if p.l3l4Farm != nil {
		tok2, err := p.l3l4Farm.FreezeController().Freeze(ctx)
		if err != nil {
			tok.Unfreeze()
			return err
		}
		toks = append(toks, tok2)
	}
	metrics.PipelineFrozen.Set(1)

	defer func() {
		for _, t := range toks {
			t.Unfreeze()
		}
		metrics.PipelineFrozen.Set(0)
	}()

	return fn()
}

func (p *Pipeline) configureEngine(mutator func(refengine.Config) refengine.Config) error {
	return p.withFreezeAll(func() error {
		wrap := func(c engine.Config) engine.Config {
			rc, _ := c.(refengine.Config)
			return mutator(rc)
		}
		if err := p.eng.Configure(wrap); err != nil {
			return err
		}
		if p.l3l4Eng != nil {
			return p.l3l4Eng.Configure(wrap)
		}
		return nil
	})
}

// SetMaxTrials caps how many candidate protocols the engine tries per flow
// before giving up classification.
func (p *Pipeline) SetMaxTrials(n int) error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.MaxTrials = n
		return c
	})
}

// FragmentationEnable lets the engine attempt to classify fragmented IP
// packets instead of reporting them as unclassifiable.
func (p *Pipeline) FragmentationEnable() error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.FragmentationEnabled = true
		return c
	})
}

// FragmentationDisable is the inverse of FragmentationEnable.
func (p *Pipeline) FragmentationDisable() error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.FragmentationEnabled = false
		return c
	})
}

// TCPReorderingEnable lets the engine track out-of-order TCP segments per
// flow before classification, at the cost of held flow state.
func (p *Pipeline) TCPReorderingEnable() error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.TCPReorderingEnabled = true
		return c
	})
}

// TCPReorderingDisable is the inverse of TCPReorderingEnable.
func (p *Pipeline) TCPReorderingDisable() error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.TCPReorderingEnabled = false
		return c
	})
}

// ProtocolEnable re-enables classification of a specific protocol name
// previously disabled via ProtocolDisable. A no-op if every protocol is
// already enabled (the nil-map default).
func (p *Pipeline) ProtocolEnable(name string) error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		if c.EnabledProtocols == nil {
			return c
		}
		next := make(map[string]bool, len(c.EnabledProtocols))
		for k, v := range c.EnabledProtocols {
			next[k] = v
		}
		next[name] = true
		c.EnabledProtocols = next
		return c
	})
}

// ProtocolDisable makes the engine report name as "unknown" with
// CertaintyNone instead of its real guess. The first call against a nil
// (all-enabled) map materializes every known protocol as enabled before
// flipping name off, so later ProtocolEnable calls have a well-defined map
// to restore into.
func (p *Pipeline) ProtocolDisable(name string) error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		next := make(map[string]bool, len(knownProtocols))
		if c.EnabledProtocols == nil {
			for _, proto := range knownProtocols {
				next[proto] = true
			}
		} else {
			for k, v := range c.EnabledProtocols {
				next[k] = v
			}
		}
		next[name] = false
		c.EnabledProtocols = next
		return c
	})
}

// SetHTTPCallback installs the callback invoked synchronously whenever the
// engine classifies a flow as HTTP.
func (p *Pipeline) SetHTTPCallback(cb func(core.ClassificationResult)) error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.HTTPCallback = cb
		return c
	})
}

// SetFlowCleaner sets how often the engine should sweep idle flow state.
func (p *Pipeline) SetFlowCleaner(interval time.Duration) error {
	return p.configureEngine(func(c refengine.Config) refengine.Config {
		c.FlowCleanerInterval = interval
		return c
	})
}
