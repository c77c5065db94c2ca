package energy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/metrics"
)

// StatsCallback receives the accumulated Domains for one collection tick,
// already baseline-adjusted. Set via Dispatcher.SetCallback, mirroring the
// pipeline's external SetStatsCollectionCallback control operation.
type StatsCallback func(Domains)

// Dispatcher periodically snapshots every configured socket's energy
// counters, diffs against the previous snapshot and reports the result.
type Dispatcher struct {
	hw      hwfacade.Facade
	sockets []hwfacade.SocketID

	interval atomic.Int64 // nanoseconds; read fresh each tick so SetInterval takes effect live

	baseline baselineWatts
	callback atomic.Pointer[StatsCallback]

	last map[hwfacade.SocketID]Snapshot
}

// NewDispatcher builds a Dispatcher for the given sockets, ticking every
// interval. interval must be strictly less than hw.WrappingInterval();
// NewDispatcher does not check this. pipeline.InitStateful validates
// config.EnergyConfig.CollectionInterval against it before building one.
func NewDispatcher(hw hwfacade.Facade, sockets []hwfacade.SocketID, interval time.Duration) *Dispatcher {
	d := &Dispatcher{
		hw:      hw,
		sockets: sockets,
		last:    make(map[hwfacade.SocketID]Snapshot, len(sockets)),
	}
	d.interval.Store(int64(interval))
	return d
}

// SetCallback installs the user stats callback. Safe to call before Run or
// while it is running.
func (d *Dispatcher) SetCallback(cb StatsCallback) { d.callback.Store(&cb) }

// SetInterval changes the collection interval. Takes effect on the next
// tick of a running Run loop; callers must validate interval against
// hwfacade.Facade.WrappingInterval() themselves (the pipeline's
// SetStatsCollectionCallback control operation does this).
func (d *Dispatcher) SetInterval(interval time.Duration) { d.interval.Store(int64(interval)) }

// Interval returns the collection interval currently in effect.
func (d *Dispatcher) Interval() time.Duration { return time.Duration(d.interval.Load()) }

// baselineWatts holds idle power draw per RAPL domain, summed across every
// configured socket.
type baselineWatts struct {
	Socket   float64
	Cores    float64
	Offcores float64
	Dram     float64
}

// MeasureBaseline samples idle power draw over the given duration before
// the pipeline starts processing, per domain (socket, cores, offcores,
// dram), so later ticks can report load-induced energy net of idle draw
// in each domain independently.
func (d *Dispatcher) MeasureBaseline(ctx context.Context, duration time.Duration) error {
	before := make(map[hwfacade.SocketID]Snapshot, len(d.sockets))
	for _, s := range d.sockets {
		snap, err := Read(d.hw, s)
		if err != nil {
			return fmt.Errorf("energy: baseline read: %w", err)
		}
		before[s] = snap
	}

	select {
	case <-time.After(duration):
	case <-ctx.Done():
		return ctx.Err()
	}

	var bw baselineWatts
	for _, s := range d.sockets {
		after, err := Read(d.hw, s)
		if err != nil {
			return fmt.Errorf("energy: baseline read: %w", err)
		}
		dom := Diff(after, before[s])
		if dom.Interval > 0 {
			secs := dom.Interval.Seconds()
			bw.Socket += dom.Socket / secs
			bw.Cores += dom.Cores / secs
			bw.Offcores += dom.Offcores / secs
			bw.Dram += dom.Dram / secs
		}
		d.last[s] = after
	}
	d.baseline = bw
	return nil
}

// BaselineIdleWatts returns the measured idle power draw on the socket
// domain, the figure most deployments alert on.
func (d *Dispatcher) BaselineIdleWatts() float64 { return d.baseline.Socket }

// Run ticks every d.interval until ctx is canceled, reading and diffing
// every socket's counters and invoking the stats callback with the summed,
// baseline-adjusted result.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.Interval() <= 0 {
		return fmt.Errorf("energy: dispatcher interval must be > 0")
	}

	for {
		timer := time.NewTimer(d.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			d.tick()
		}
	}
}

func (d *Dispatcher) tick() {
	var total Domains
	for _, s := range d.sockets {
		after, err := Read(d.hw, s)
		if err != nil {
			slog.Warn("energy: read failed, skipping socket", "socket", s, "error", err)
			continue
		}
		before, ok := d.last[s]
		d.last[s] = after
		if !ok {
			continue // need two samples to diff
		}

		dom := Diff(after, before)
		if dom.Offcores == 0 && dom.Cores != 0 && dom.Socket > dom.Cores {
			dom.Offcores = dom.Socket - dom.Cores
		}

		metrics.EnergyJoulesTotal.WithLabelValues(socketLabel(s), "socket").Add(dom.Socket)
		metrics.EnergyJoulesTotal.WithLabelValues(socketLabel(s), "cores").Add(dom.Cores)
		metrics.EnergyJoulesTotal.WithLabelValues(socketLabel(s), "offcores").Add(dom.Offcores)
		metrics.EnergyJoulesTotal.WithLabelValues(socketLabel(s), "dram").Add(dom.Dram)

		total.Socket += dom.Socket
		total.Cores += dom.Cores
		total.Offcores += dom.Offcores
		total.Dram += dom.Dram
		if dom.Interval > total.Interval {
			total.Interval = dom.Interval
		}
	}

	if total.Interval > 0 {
		secs := total.Interval.Seconds()
		total.Socket = subtractIdle(total.Socket, d.baseline.Socket*secs)
		total.Cores = subtractIdle(total.Cores, d.baseline.Cores*secs)
		total.Offcores = subtractIdle(total.Offcores, d.baseline.Offcores*secs)
		total.Dram = subtractIdle(total.Dram, d.baseline.Dram*secs)
	}

	if cb := d.callback.Load(); cb != nil && *cb != nil {
		(*cb)(total)
	}
}

func socketLabel(s hwfacade.SocketID) string {
	return fmt.Sprintf("%d", s)
}

// subtractIdle subtracts idleJoules from measured, clamped at zero — RAPL
// noise can otherwise drive a domain slightly negative once idle draw is
// removed.
func subtractIdle(measured, idleJoules float64) float64 {
	if idleJoules <= 0 {
		return measured
	}
	v := measured - idleJoules
	if v < 0 {
		return 0
	}
	return v
}
