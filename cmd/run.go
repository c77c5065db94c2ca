package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"firestige.xyz/mcdpi/internal/config"
	"firestige.xyz/mcdpi/internal/engine"
	"firestige.xyz/mcdpi/internal/engine/refengine"
	"firestige.xyz/mcdpi/internal/hwfacade"
	"firestige.xyz/mcdpi/internal/log"
	"firestige.xyz/mcdpi/internal/metrics"
	"firestige.xyz/mcdpi/internal/pipeline"
	"firestige.xyz/mcdpi/internal/taskpool"
)

var pcapFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the DPI pipeline against an offline pcap file",
	Long: `run loads the deployment configuration, builds the hardware facade and
DPI engine(s), brings the pipeline to its warmed-but-frozen state, installs a
pcap file reader as the driver's read callback and a logging result sink as
its process callback, then runs until the file is exhausted or a termination
signal arrives.

Packet sourcing is deliberately minimal here: this binary's job is to
exercise the pipeline's control surface, not to be a production capture
agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVarP(&pcapFile, "pcap", "f", "", "offline pcap file to replay (required)")
	runCmd.MarkFlagRequired("pcap")
}

func runPipeline(ctx context.Context) error {
	gcfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("run: load config: %w", err)
	}
	if err := gcfg.ValidateAndApplyDefaults(); err != nil {
		return fmt.Errorf("run: validate config: %w", err)
	}

	if err := log.Init(gcfg.Log); err != nil {
		return fmt.Errorf("run: init logging: %w", err)
	}

	slog.Info("mcdpid starting", "version", "0.1.0", "config", configFile, "pcap", pcapFile)

	if err := writePIDFile(gcfg.Control.PIDFile); err != nil {
		return fmt.Errorf("run: write pid file: %w", err)
	}
	defer os.Remove(gcfg.Control.PIDFile)

	var p *pipeline.Pipeline

	if gcfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(gcfg.Metrics.Listen, gcfg.Metrics.Path)
		metricsSrv.SetReadyCheck(func() bool { return p != nil && p.Running() })
		if err := metricsSrv.Start(ctx); err != nil {
			return fmt.Errorf("run: start metrics server: %w", err)
		}
		defer metricsSrv.Stop(context.Background())
	}

	f, err := os.Open(pcapFile)
	if err != nil {
		return fmt.Errorf("run: open pcap: %w", err)
	}
	defer f.Close()

	pcapReader, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("run: pcap reader: %w", err)
	}

	hw := hwfacade.NewSysfs()

	newEngine := func(numPartitions int) (engine.Engine, error) {
		return refengine.New(refengine.Config{SnapLen: 65535, MaxTrials: 5}, numPartitions), nil
	}

	p, err = pipeline.InitStateful(pipeline.Config{
		Global:    gcfg,
		Hardware:  hw,
		NewEngine: newEngine,
	})
	if err != nil {
		return fmt.Errorf("run: init pipeline: %w", err)
	}

	read := func() ([]byte, bool) {
		data, _, err := pcapReader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil, false
		}
		if err != nil {
			slog.Warn("run: pcap read failed, ending stream", "error", err)
			return nil, false
		}
		return data, true
	}

	var classified int
	process := func(t *taskpool.Task) {
		classified++
		slog.Debug("classified flow", "protocol", t.Result.Protocol, "certainty", t.Result.Certainty)
	}

	if err := p.SetReadAndProcessCallbacks(read, process); err != nil {
		return fmt.Errorf("run: set callbacks: %w", err)
	}

	if err := p.Run(); err != nil {
		return fmt.Errorf("run: start pipeline: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tickCtx, cancelTick := context.WithCancel(context.Background())
	defer cancelTick()
	go runSupervisorTicks(tickCtx, p)

	done := make(chan struct{})
	go func() {
		p.WaitEnd()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("pcap replay finished", "classified", classified)
	case <-sigCtx.Done():
		slog.Info("received shutdown signal")
	}

	cancelTick()
	if err := p.Terminate(); err != nil {
		return fmt.Errorf("run: terminate: %w", err)
	}
	if err := p.DumpStats(os.Stdout); err != nil {
		slog.Warn("run: dump stats failed", "error", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

func runSupervisorTicks(ctx context.Context, p *pipeline.Pipeline) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				slog.Warn("supervisor tick failed", "error", err)
			}
		}
	}
}
