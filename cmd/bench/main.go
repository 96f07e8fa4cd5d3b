// Command bench drives the transport against the simulated adapter:
// it submits commands on the transmit rings while the device injects data
// frames into the receive ring, and reports rates once per second and at
// the end of the run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/iwatrans/config"
	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/ifacestat"
	"github.com/romshark/iwatrans/ratelimit"
	"github.com/romshark/iwatrans/simdev"
	"github.com/romshark/iwatrans/trans"
)

const devName = "iwa0"

// Flags not part of the YAML configuration.
type runFlags struct {
	Frames   uint64
	Window   int
	Baseline string
	Save     string
	BPFPin   string
	BPF      bool
}

func loadConfig() (*config.Config, *runFlags, error) {
	fConfig := flag.String("config", "bench.yaml", "path to config YAML file")
	fEnv := flag.String("env", ".env", "path to dotenv file")
	fCount := flag.Uint64("n", 0, "command count")
	fRate := flag.Uint64("r", 0, "commands per second (0 = unthrottled)")
	fPayload := flag.Int("l", -1, "command payload size")
	fSync := flag.Bool("sync", false, "wait for every response before the next command")
	fQueues := flag.Int("q", 0, "number of tx queues")
	fNoICT := flag.Bool("noict", false, "read interrupt causes from CSR_INT")
	fLogLevel := flag.String("log", "", "log level")

	var rf runFlags
	flag.Uint64Var(&rf.Frames, "frames", 0, "data frames injected by the device")
	flag.IntVar(&rf.Window, "w", 64, "max asynchronous commands in flight")
	flag.StringVar(&rf.Baseline, "baseline", "", "stats file to diff the final stats against")
	flag.StringVar(&rf.Save, "save", "", "write final stats to this file")
	flag.BoolVar(&rf.BPF, "bpf", false, "export stats to a BPF array map")
	flag.StringVar(&rf.BPFPin, "bpf-pin", "", "pin the stats map below this bpffs directory")

	flag.Parse()

	conf, err := config.Load(*fConfig)
	if err != nil {
		return nil, nil, err
	}
	if err := conf.LoadEnv(*fEnv); err != nil {
		return nil, nil, err
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Bench.Count = *fCount
	}
	if *fRate != 0 {
		conf.Bench.Rate = *fRate
	}
	if *fPayload >= 0 {
		conf.Bench.Payload = *fPayload
	}
	if *fSync {
		conf.Bench.Sync = true
	}
	if *fQueues != 0 {
		conf.Transport.TxQueues = *fQueues
	}
	if *fNoICT {
		off := false
		conf.Transport.UseICT = &off
	}
	if *fLogLevel != "" {
		conf.Log.Level = *fLogLevel
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, nil, err
	}
	if conf.Bench.Count == 0 {
		return nil, nil, errors.New("bench.count must be > 0 (or use -n)")
	}
	if rf.Window < 1 {
		return nil, nil, errors.New("-w must be > 0")
	}
	return conf, &rf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

type Stats struct {
	CmdsSent      atomic.Uint64
	CmdsCompleted atomic.Uint64
	CmdsFailed    atomic.Uint64
	CmdBytes      atomic.Uint64
	RingFull      atomic.Uint64

	Injected atomic.Uint64
	RxFrames atomic.Uint64
	RxBytes  atomic.Uint64
	Notifs   atomic.Uint64

	Elapsed atomic.Int64
}

func runReceiver(ctx context.Context, tr *trans.Transport, stats *Stats) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Go(func() {
		for ctx.Err() == nil {
			for f, err := range tr.Frames(ctx, 64) {
				if err != nil {
					// Frames are released as soon as they are counted,
					// so a stalled ring resumes on its own.
					if ctx.Err() == nil && !errors.Is(err, trans.ErrPoolExhausted) {
						fatalIf(err, "receiving frames")
					}
					break
				}
				stats.RxFrames.Add(1)
				stats.RxBytes.Add(uint64(len(f.Buf)))
				fatalIf(tr.ReleaseFrame(f), "releasing frame")
			}
		}
	})
	return &wg
}

// runInjector makes the device deliver count data frames of size bytes.
func runInjector(
	ctx context.Context, dev *simdev.Device, count uint64, size int,
	stats *Stats, log *slog.Logger,
) *sync.WaitGroup {
	var wg sync.WaitGroup
	wg.Go(func() {
		frame := make([]byte, min(size, hw.RxBufSize-hw.RxHeaderSize))
		for stats.Injected.Load() < count && ctx.Err() == nil {
			switch err := dev.DeliverFrame(frame); {
			case err == nil:
				stats.Injected.Add(1)
			case errors.Is(err, simdev.ErrRxFull):
				time.Sleep(10 * time.Microsecond)
			default:
				log.Error("injecting frame", slog.Any("err", err))
				return
			}
		}
	})
	return &wg
}

func runSender(ctx context.Context, tr *trans.Transport, conf *config.Config, window int, stats *Stats) {
	throttle := ratelimit.New(conf.Bench.Rate)
	payload := make([]byte, conf.Bench.Payload)
	queues := tr.Options().TxQueues
	inflight := make(chan struct{}, window)

	start := time.Now()
	var qid int
	for stats.CmdsSent.Load() < conf.Bench.Count {
		fatalIf(throttle.WaitN(ctx, 1), "throttling")

		cmd := trans.HostCmd{
			Code:    uint8(0x10 + qid),
			Flags:   trans.CmdWantResp,
			Payload: payload,
		}
		if !conf.Bench.Sync {
			inflight <- struct{}{}
			cmd.Flags |= trans.CmdAsync
			cmd.Callback = func(resp *trans.Packet, err error) {
				<-inflight
				if err != nil {
					stats.CmdsFailed.Add(1)
					return
				}
				stats.CmdsCompleted.Add(1)
			}
		}

		_, err := tr.SubmitCommand(ctx, qid, cmd)
		switch {
		case errors.Is(err, trans.ErrRingFull):
			stats.RingFull.Add(1)
			if !conf.Bench.Sync {
				<-inflight
			}
			fatalIf(tr.WaitTxSpace(ctx, qid), "waiting for tx space")
			continue
		case errors.Is(err, trans.ErrCmdTimeout):
			stats.CmdsFailed.Add(1)
		case err != nil:
			fatalIf(err, "submitting command")
		case conf.Bench.Sync:
			stats.CmdsCompleted.Add(1)
		}
		stats.CmdsSent.Add(1)
		stats.CmdBytes.Add(uint64(len(payload)))
		qid = (qid + 1) % queues
	}

	// Wait for outstanding asynchronous responses.
	for range window {
		select {
		case inflight <- struct{}{}:
		case <-time.After(conf.Transport.CmdTimeout):
			fmt.Fprintf(os.Stderr, "gave up waiting for %d responses\n", len(inflight))
			stats.Elapsed.Store(time.Since(start).Nanoseconds())
			return
		}
	}

	stats.Elapsed.Store(time.Since(start).Nanoseconds())
}

func main() {
	conf, rf, err := loadConfig()
	fatalIf(err, "reading config")

	// Print final resolved config.
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	log, logCloser, err := conf.NewLogger()
	fatalIf(err, "creating logger")
	defer logCloser.Close()

	var stats Stats
	opts := conf.TransportOptions(log)
	opts.Handlers.Unsolicited = func(*trans.Packet) { stats.Notifs.Add(1) }
	opts.Handlers.Fatal = func(err error) { log.Error("adapter failed", slog.Any("err", err)) }

	alloc := dma.NewPlatformAllocator(conf.Transport.DMALimitBytes)
	dev := simdev.New(alloc, simdev.Options{AutoRespond: true, Logger: log})
	tr, err := trans.Open(dev, alloc, opts)
	fatalIf(err, "opening transport")
	fatalIf(tr.Init(), "initializing transport")
	fmt.Fprintf(os.Stderr, "%s up: %d tx queues, %s DMA memory\n",
		devName, opts.TxQueues, humanize.IBytes(uint64(alloc.InUse())))

	var baseline ifacestat.Stats
	if rf.Baseline != "" {
		baseline, err = ifacestat.Load(rf.Baseline)
		fatalIf(err, "loading baseline")
	}

	var exporter *ifacestat.Exporter
	if rf.BPF || rf.BPFPin != "" {
		exporter, err = ifacestat.NewExporter("iwa_stats", rf.BPFPin)
		fatalIf(err, "creating BPF stats map")
		defer exporter.Close()
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()

		var lastCmds, lastCmdBytes uint64
		var lastRxFrames, lastRxBytes uint64
		lastTime := time.Now()

		for range t.C {
			now := time.Now()
			dt := now.Sub(lastTime).Seconds()
			lastTime = now

			cmds := stats.CmdsCompleted.Load()
			cmdBytes := stats.CmdBytes.Load()
			rxFrames := stats.RxFrames.Load()
			rxBytes := stats.RxBytes.Load()

			dCmds := cmds - lastCmds
			dCmdBytes := cmdBytes - lastCmdBytes
			dRxFrames := rxFrames - lastRxFrames
			dRxBytes := rxBytes - lastRxBytes

			lastCmds, lastCmdBytes = cmds, cmdBytes
			lastRxFrames, lastRxBytes = rxFrames, rxBytes

			fmt.Printf(
				"CMD=%d RX=%d CMD-PS=%d RX-PPS=%d CMD-Mbps=%.1f RX-Mbps=%.1f\n",
				cmds, rxFrames,
				uint64(float64(dCmds)/dt), uint64(float64(dRxFrames)/dt),
				float64(dCmdBytes*8)/1e6/dt, float64(dRxBytes*8)/1e6/dt,
			)

			if exporter != nil {
				err := exporter.Publish(ifacestat.FromTransport(tr.Stats()))
				if err != nil {
					log.Warn("publishing stats", slog.Any("err", err))
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wgRecv := runReceiver(ctx, tr, &stats)
	wgInject := runInjector(ctx, dev, rf.Frames, conf.Bench.Payload, &stats, log)

	runSender(ctx, tr, conf, rf.Window, &stats)

	wgInject.Wait()
	for stats.RxFrames.Load() < stats.Injected.Load() {
		time.Sleep(time.Millisecond)
	}
	cancel()
	wgRecv.Wait()

	final := ifacestat.Snapshot(map[string]ifacestat.Source{devName: tr})
	fatalIf(tr.Close(), "closing transport")
	dev.Wait()
	fatalIf(dev.Err(), "device")

	sent := stats.CmdsSent.Load()
	completed := stats.CmdsCompleted.Load()
	failed := stats.CmdsFailed.Load()
	elapsed := float64(stats.Elapsed.Load()) / 1e9

	p := message.NewPrinter(language.English)

	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Commands:          %d sent, %d completed, %d failed\n", sent, completed, failed)
	p.Printf(" Ring full:         %d\n", stats.RingFull.Load())
	p.Printf(" Avg cmd rate:      %d/s\n", uint64(float64(completed)/elapsed))
	p.Printf(" Avg cmd payload:   %.1f Mbps\n", float64(stats.CmdBytes.Load()*8)/1e6/elapsed)
	p.Printf(" RX:                %d frames\n", stats.RxFrames.Load())
	p.Printf(" Notifications:     %d\n", stats.Notifs.Load())
	p.Printf(" Lost:              %d (%.4f%%)\n",
		sent-completed, float64(sent-completed)/float64(sent)*100)

	fmt.Println()
	report := final
	if baseline != nil {
		report = final.Since(baseline)
		fmt.Printf("since %s:\n", rf.Baseline)
	}
	fatalIf(ifacestat.Print(os.Stdout, report, map[string]string{devName: "simdev"}), "printing stats")

	if rf.Save != "" {
		fatalIf(ifacestat.Save(rf.Save, final), "saving stats")
	}
}
