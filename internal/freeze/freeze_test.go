package freeze

import (
	"context"
	"errors"
	"testing"
	"time"

	"firestige.xyz/mcdpi/internal/core"
)

func TestFreezeNoStagesReturnsImmediately(t *testing.T) {
	c := NewController(0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tok, err := c.Freeze(ctx)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if !c.Frozen() {
		t.Fatal("expected controller to report frozen")
	}
	tok.Unfreeze()
	if c.Frozen() {
		t.Fatal("expected controller to report unfrozen")
	}
}

func TestFreezeWaitsForStagesToPark(t *testing.T) {
	c := NewController(2)
	parkedCh := make(chan struct{}, 2)

	stage := func() {
		ctx := context.Background()
		for !c.Frozen() {
			time.Sleep(time.Millisecond)
		}
		for i := 0; i < 3; i++ {
			c.ParkIfFrozen(ctx)
			parkedCh <- struct{}{}
			if i == 0 {
				// only signal once per park cycle in this test
				break
			}
		}
	}

	go stage()
	go stage()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	tok, err := c.Freeze(ctx)
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	c.parkMu.Lock()
	parked := c.parked
	c.parkMu.Unlock()
	if parked != 2 {
		t.Fatalf("expected both stages parked when Freeze returns, got %d", parked)
	}
	select {
	case <-parkedCh:
		t.Fatal("expected stages to stay parked until Unfreeze")
	default:
	}

	tok.Unfreeze()

	select {
	case <-parkedCh:
	case <-time.After(time.Second):
		t.Fatal("expected first parked stage to resume after Unfreeze")
	}
	select {
	case <-parkedCh:
	case <-time.After(time.Second):
		t.Fatal("expected second parked stage to resume after Unfreeze")
	}
}

func TestFreezeFailsWhenTerminating(t *testing.T) {
	c := NewController(0)
	c.Terminate()

	_, err := c.Freeze(context.Background())
	if !errors.Is(err, core.ErrTerminating) {
		t.Fatalf("expected ErrTerminating, got %v", err)
	}
}

func TestUnfreezeIsIdempotent(t *testing.T) {
	c := NewController(0)
	tok, err := c.Freeze(context.Background())
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	tok.Unfreeze()
	tok.Unfreeze() // must not panic or double-unlock
}

func TestFreezeSerializesConcurrentCallers(t *testing.T) {
	c := NewController(0)

	tok1, err := c.Freeze(context.Background())
	if err != nil {
		t.Fatalf("first Freeze: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tok2, err := c.Freeze(context.Background())
		if err != nil {
			t.Errorf("second Freeze: %v", err)
			close(done)
			return
		}
		tok2.Unfreeze()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Freeze should have blocked until first Unfreeze")
	case <-time.After(100 * time.Millisecond):
	}

	tok1.Unfreeze()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Freeze never completed after first Unfreeze")
	}
}
