package farm

import (
	"context"
	"sync"
	"testing"
	"time"

	"firestige.xyz/mcdpi/internal/core"
	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/taskpool"
)

type fakeEngine struct{}

func (fakeEngine) Classify(partition int, t *taskpool.Task) error {
	t.Result = core.ClassificationResult{Protocol: "tcp"}
	return nil
}
func (fakeEngine) Repartition(int) error        { return nil }
func (fakeEngine) Configure(func(any) any) error { return nil }
func (fakeEngine) Close() error                  { return nil }

// repartitionTrackingEngine records every Repartition call so tests can
// assert Rebind keeps the engine's partition count aligned with the
// farm's active worker count.
type repartitionTrackingEngine struct {
	fakeEngine
	mu    sync.Mutex
	calls []int
}

func (e *repartitionTrackingEngine) Repartition(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, n)
	return nil
}

func (e *repartitionTrackingEngine) repartitionCalls() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.calls...)
}

func ipv4TCPPacket(src, dst byte, srcPort, dstPort uint16) []byte {
	pkt := make([]byte, 14+20+20)
	pkt[12], pkt[13] = 0x08, 0x00 // EtherType IPv4
	ipOff := 14
	pkt[ipOff] = 0x45 // version 4, IHL 5
	pkt[ipOff+9] = 6  // protocol TCP
	pkt[ipOff+12] = src
	pkt[ipOff+16] = dst
	l4Off := ipOff + 20
	pkt[l4Off] = byte(srcPort >> 8)
	pkt[l4Off+1] = byte(srcPort)
	pkt[l4Off+2] = byte(dstPort >> 8)
	pkt[l4Off+3] = byte(dstPort)
	return pkt
}

func TestBuildRejectsTooFewCores(t *testing.T) {
	hw := hwfacade.NewFake(2, 1)
	_, err := Build(core.TopologySingle, core.L3L4Default, 1, hw, fakeEngine{}, taskpool.New(4, 64),
		func() ([]byte, bool) { return nil, false }, func(*taskpool.Task) {}, 8, "l7")
	if err == nil {
		t.Fatal("expected error for too few cores")
	}
}

func TestBuildRejectsModeOnSingleTopology(t *testing.T) {
	hw := hwfacade.NewFake(8, 1)
	_, err := Build(core.TopologySingle, core.L3L4Ordered, 2, hw, fakeEngine{}, taskpool.New(4, 64),
		func() ([]byte, bool) { return nil, false }, func(*taskpool.Task) {}, 8, "l7")
	if err == nil {
		t.Fatal("expected error for l3l4 mode on single topology")
	}
}

func TestFarmRoutesPacketsAndDelivers(t *testing.T) {
	hw := hwfacade.NewFake(8, 1)
	pool := taskpool.New(16, 64)

	packets := [][]byte{
		ipv4TCPPacket(1, 2, 1000, 80),
		ipv4TCPPacket(3, 4, 1001, 443),
		ipv4TCPPacket(5, 6, 1002, 53),
	}
	idx := 0
	var mu sync.Mutex
	read := func() ([]byte, bool) {
		mu.Lock()
		defer mu.Unlock()
		if idx >= len(packets) {
			return nil, false
		}
		p := packets[idx]
		idx++
		return p, true
	}

	var delivered int
	var dmu sync.Mutex
	process := func(t *taskpool.Task) {
		dmu.Lock()
		delivered++
		dmu.Unlock()
	}

	f, err := Build(core.TopologySingle, core.L3L4Default, 2, hw, fakeEngine{}, pool, read, process, 8, "l7")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go f.Run(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		dmu.Lock()
		n := delivered
		dmu.Unlock()
		if n == len(packets) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	dmu.Lock()
	n := delivered
	dmu.Unlock()
	if n != len(packets) {
		t.Fatalf("expected %d delivered packets, got %d", len(packets), n)
	}
}

func TestRebindRequiresToken(t *testing.T) {
	hw := hwfacade.NewFake(8, 1)
	f, err := Build(core.TopologySingle, core.L3L4Default, 2, hw, fakeEngine{}, taskpool.New(4, 64),
		func() ([]byte, bool) { return nil, false }, func(*taskpool.Task) {}, 8, "l7")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := f.Rebind(nil, 1, false); err == nil {
		t.Fatal("expected error when Rebind called without a token")
	}
}

func TestRebindChangesActiveWorkers(t *testing.T) {
	hw := hwfacade.NewFake(8, 1)
	read := func() ([]byte, bool) {
		time.Sleep(time.Millisecond)
		return ipv4TCPPacket(1, 2, 1000, 80), true
	}
	f, err := Build(core.TopologySingle, core.L3L4Default, 2, hw, fakeEngine{}, taskpool.New(4, 64),
		read, func(*taskpool.Task) {}, 8, "l7")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.Run(ctx)

	freezeCtx, freezeCancel := context.WithTimeout(ctx, time.Second)
	defer freezeCancel()
	tok, err := f.FreezeController().Freeze(freezeCtx)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	defer tok.Unfreeze()

	if err := f.Rebind(tok, 1, true); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	if f.ActiveWorkers() != 1 {
		t.Fatalf("expected 1 active worker, got %d", f.ActiveWorkers())
	}
}

func TestRebindRepartitionsEngine(t *testing.T) {
	hw := hwfacade.NewFake(8, 1)
	eng := &repartitionTrackingEngine{}
	f, err := Build(core.TopologySingle, core.L3L4Default, 3, hw, eng, taskpool.New(4, 64),
		func() ([]byte, bool) { return nil, false }, func(*taskpool.Task) {}, 8, "l7")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tok, err := f.FreezeController().Freeze(ctx)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	if err := f.Rebind(tok, 2, false); err != nil {
		t.Fatalf("Rebind: %v", err)
	}
	tok.Unfreeze()

	calls := eng.repartitionCalls()
	if len(calls) != 1 || calls[0] != 2 {
		t.Fatalf("expected one Repartition(2) call, got %v", calls)
	}
}
