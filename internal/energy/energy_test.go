package energy

import (
	"context"
	"testing"
	"time"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/hwfacade"
)

func TestReadAndDiffWrapSafe(t *testing.T) {
	hw := hwfacade.NewFake(4, 1)
	hw.SetEnergy(0, hwfacade.EnergyCounters{Socket: 100, Cores: 60, Offcores: 0, Dram: 10})

	before, err := Read(hw, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	hw.SetEnergy(0, hwfacade.EnergyCounters{Socket: 50, Cores: 20, Offcores: 0, Dram: 5})
	after, err := Read(hw, 0)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	dom := Diff(after, before)
	wantSocket := float64(^uint32(0)-100+50+1) / microjoulesPerJoule
	if dom.Socket != wantSocket {
		t.Fatalf("expected wrap-safe socket diff %f, got %f", wantSocket, dom.Socket)
	}
}

func TestReadPropagatesUnavailable(t *testing.T) {
	hw := hwfacade.NewFake(4, 1)
	hw.SetEnergyUnavailable(core.ErrEnergyUnavailable)

	if _, err := Read(hw, 0); err == nil {
		t.Fatal("expected error when energy counters are unavailable")
	}
}

func TestDispatcherTickSynthesizesOffcoresAndInvokesCallback(t *testing.T) {
	hw := hwfacade.NewFake(4, 1)
	hw.SetEnergy(0, hwfacade.EnergyCounters{Socket: 1_000_000, Cores: 600_000, Offcores: 0, Dram: 100_000})

	d := NewDispatcher(hw, []hwfacade.SocketID{0}, 10*time.Millisecond)

	results := make(chan Domains, 16)
	d.SetCallback(func(dom Domains) { results <- dom })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(20 * time.Millisecond)
		hw.SetEnergy(0, hwfacade.EnergyCounters{Socket: 2_000_000, Cores: 1_200_000, Offcores: 0, Dram: 200_000})
	}()

	d.Run(ctx)
	close(results)

	var got bool
	for dom := range results {
		if dom.Socket > 0 && dom.Cores > 0 {
			if dom.Offcores != dom.Socket-dom.Cores {
				t.Fatalf("expected offcores synthesized as socket-cores, got %f want %f", dom.Offcores, dom.Socket-dom.Cores)
			}
			got = true
		}
	}
	if !got {
		t.Fatal("expected at least one non-empty tick to reach the callback")
	}
}

func TestMeasureBaselineSetsIdleWatts(t *testing.T) {
	hw := hwfacade.NewFake(4, 1)
	hw.SetEnergy(0, hwfacade.EnergyCounters{Socket: 1_000_000})

	d := NewDispatcher(hw, []hwfacade.SocketID{0}, time.Second)

	go func() {
		time.Sleep(5 * time.Millisecond)
		hw.SetEnergy(0, hwfacade.EnergyCounters{Socket: 1_500_000})
	}()

	if err := d.MeasureBaseline(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("MeasureBaseline: %v", err)
	}
	if d.BaselineIdleWatts() <= 0 {
		t.Fatalf("expected positive baseline idle watts, got %f", d.BaselineIdleWatts())
	}
}
