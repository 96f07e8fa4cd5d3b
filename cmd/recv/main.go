// Command recv runs the receive path only: the simulated adapter injects
// data frames and firmware notifications and the current and peak receive
// rates are printed once per second.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/romshark/iwatrans/config"
	"github.com/romshark/iwatrans/dma"
	"github.com/romshark/iwatrans/hw"
	"github.com/romshark/iwatrans/ratelimit"
	"github.com/romshark/iwatrans/simdev"
	"github.com/romshark/iwatrans/trans"
)

const codeStatistics = 0x9d

func main() {
	fConfig := flag.String("config", "recv.yaml", "path to config YAML file")
	fRate := flag.Uint64("r", 0, "frames per second (0 = unthrottled)")
	fSize := flag.Int("l", 1500, "frame size")
	fNotifyEvery := flag.Uint64("notify", 1000, "send a notification every n frames (0 = never)")
	fBig := flag.Bool("8k", false, "use 8 KiB receive buffers")
	flag.Parse()

	conf, err := config.Load(*fConfig)
	if err == nil {
		err = conf.LoadEnv(".env")
	}
	if err == nil {
		if *fBig {
			conf.Transport.RxBufferSize = hw.RxBufSize8K
		}
		err = conf.ValidateAndSetDefaults()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		os.Exit(1)
	}
	if limit := conf.Transport.RxBufferSize - hw.RxHeaderSize; *fSize < 0 || *fSize > limit {
		fmt.Fprintf(os.Stderr, "frame size must be in [0, %d]\n", limit)
		os.Exit(1)
	}

	log, logCloser, err := conf.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	var totalNotifs atomic.Uint64
	opts := conf.TransportOptions(log)
	opts.Handlers.Unsolicited = func(*trans.Packet) { totalNotifs.Add(1) }

	alloc := dma.NewPlatformAllocator(conf.Transport.DMALimitBytes)
	dev := simdev.New(alloc, simdev.Options{Logger: log})
	tr, err := trans.Open(dev, alloc, opts)
	if err == nil {
		err = tr.Init()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing transport: %v\n", err)
		os.Exit(1)
	}
	defer tr.Close()

	fmt.Fprintf(os.Stderr,
		"RX: buffers=%d size=%s ict=%t dma=%s\n",
		hw.RxBufCount, humanize.IBytes(uint64(conf.Transport.RxBufferSize)),
		*conf.Transport.UseICT, humanize.IBytes(uint64(alloc.InUse())),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	// The device side.
	go func() {
		throttle := ratelimit.New(*fRate)
		frame := make([]byte, *fSize)
		var n uint64
		for ctx.Err() == nil {
			if err := throttle.WaitN(ctx, 1); err != nil {
				return
			}
			err := dev.DeliverFrame(frame)
			if errors.Is(err, simdev.ErrRxFull) {
				time.Sleep(10 * time.Microsecond)
				continue
			}
			if err != nil {
				log.Error("injecting frame", slog.Any("err", err))
				cancel()
				return
			}
			n++
			if *fNotifyEvery != 0 && n%*fNotifyEvery == 0 {
				if err := dev.Notify(codeStatistics, nil); err != nil &&
					!errors.Is(err, simdev.ErrRxFull) {
					log.Warn("sending notification", slog.Any("err", err))
				}
			}
		}
	}()

	var totalPackets atomic.Uint64
	var totalBytes atomic.Uint64

	go func() {
		for ctx.Err() == nil {
			for f, err := range tr.Frames(ctx, 64) {
				if err != nil {
					if ctx.Err() == nil && !errors.Is(err, trans.ErrPoolExhausted) {
						log.Error("receiving", slog.Any("err", err))
						cancel()
					}
					break
				}
				totalPackets.Add(1)
				totalBytes.Add(uint64(len(f.Buf)))
				if err := tr.ReleaseFrame(f); err != nil {
					panic(err)
				}
			}
		}
	}()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)

	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			st := tr.Stats()
			fmt.Printf("\ninterrupts=%d ict=%d stalls=%d errors=%d\n",
				st.Interrupts, st.ICTInterrupts, st.RxStalls, st.RxErrors)
			return
		case <-ticker.C:
		}
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		pkts := totalPackets.Load()
		bytes := totalBytes.Load()

		curPkts := pkts - lastPackets
		curBytes := bytes - lastBytes

		pps := float64(curPkts) / elapsed
		mbps := float64(curBytes*8) / elapsed / 1e6

		if pps > maxPPS {
			maxPPS = pps
		}
		if mbps > maxMbps {
			maxMbps = mbps
		}

		fmt.Printf(
			"total=%d notif=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
			pkts,
			totalNotifs.Load(),
			pps,
			mbps,
			maxPPS,
			maxMbps,
		)

		lastPackets = pkts
		lastBytes = bytes
		lastTime = now
	}
}
