// Command memsimctl drives a standalone instance of the frame
// allocator/swap engine for manual experimentation: it serves Prometheus
// metrics, prints a periodic free-memory report, and can replay a synthetic fault storm across many
// goroutines to exercise the allocator concurrently.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"ramfault/blockdev"
	"ramfault/config"
	"ramfault/defs"
	"ramfault/kernel"
	"ramfault/stats"
	"ramfault/vm"

	"github.com/google/pprof/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app          = kingpin.New("memsimctl", "Drive a frame allocator / swap engine instance.")
	configPath   = app.Flag("config", "YAML config overriding the defaults.").String()
	phystop      = app.Flag("phystop", "Top of simulated physical memory, in bytes.").Default("16777216").Uint64()
	swapblocks   = app.Flag("swapblocks", "Sectors reserved for the swap area.").Default("800").Int()
	rootdev      = app.Flag("rootdev", "Path to the swap disk image.").Default("swap.img").String()
	metricsAddr  = app.Flag("metrics-addr", "Address to serve /metrics on; empty disables it.").Default(":9400").String()
	faultStorm   = app.Flag("fault-storm", "Number of concurrent goroutines to fault pages from on startup.").Default("0").Int()
	profilePath  = app.Flag("cpuprofile", "Write a CPU profile to this path before exiting.").String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	lim := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "memsimctl:", err)
			os.Exit(1)
		}
		lim = loaded
	}
	lim.Phystop = *phystop
	lim.Swapblocks = *swapblocks
	lim.SwapImage = *rootdev

	if *profilePath != "" {
		f, err := os.Create(*profilePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "memsimctl:", err)
			os.Exit(1)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			fmt.Fprintln(os.Stderr, "memsimctl:", err)
			os.Exit(1)
		}
		defer func() {
			pprof.StopCPUProfile()
			f.Close()
			reportProfile(*profilePath)
		}()
	}

	disk, err := blockdev.NewFileDevice(lim.SwapImage, int64(lim.Swapblocks)*blockdev.SectorSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memsimctl:", err)
		os.Exit(1)
	}
	defer disk.Close()

	sys, err := kernel.New(lim, disk)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memsimctl:", err)
		os.Exit(1)
	}
	defer sys.Close()

	printer := message.NewPrinter(language.English)
	printer.Printf("memsimctl: %d bytes of physical memory, %d swap slots\n", lim.Phystop, lim.SwapSlots())

	collector := stats.NewCollector(sys.Phys, sys.Swap, sys.Counters)
	prometheus.MustRegister(collector)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "memsimctl: metrics server:", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	c := cron.New()
	c.AddFunc("@every 30s", func() {
		printer.Println(sys.Phys.ReportFreeMB())
	})
	c.Start()
	defer c.Stop()

	if *faultStorm > 0 {
		if err := runFaultStorm(sys, *faultStorm); err != nil {
			fmt.Fprintln(os.Stderr, "memsimctl: fault storm:", err)
			os.Exit(1)
		}
	}

	<-ctx.Done()
}

// reportProfile reopens a just-written CPU profile and prints its sample
// count, exercising google/pprof/profile's reader instead of leaving the
// captured file unexamined.
func reportProfile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	p, err := profile.Parse(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "memsimctl: parsing profile:", err)
		return
	}
	fmt.Printf("memsimctl: captured %d samples across %d locations\n", len(p.Sample), len(p.Location))
}

// runFaultStorm forks n private address spaces off one shared parent
// mapping and has each write its page concurrently, forcing n COW
// splits (the parent keeps its reference) and exercising the allocator
// under contention.
func runFaultStorm(sys *kernel.System, n int) error {
	const va = uintptr(0x1000)
	parent := sys.NewAddressSpace()
	sys.Alloc(parent, va, defs.PTE_W|defs.PTE_U)

	children := make([]*vm.Vm_t, n)
	for i := range children {
		children[i] = sys.NewAddressSpace()
		sys.Fork(parent, children[i])
	}

	var g errgroup.Group
	for _, child := range children {
		child := child
		g.Go(func() error {
			if err := sys.Fault(child, va, true); err != 0 {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
