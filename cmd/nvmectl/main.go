// nvmectl inspects NVMe controller registers and benchmarks the driver
// against the in-process software controller.
package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/alitto/pond"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	nvme "github.com/driverkit/go-nvme"
	"github.com/driverkit/go-nvme/internal/logging"
	"github.com/driverkit/go-nvme/internal/regs"
)

func main() {
	app := &cli.App{
		Name:  "nvmectl",
		Usage: "NVMe driver utilities",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "log format: text or json",
			},
		},
		Before: func(c *cli.Context) error {
			config := logging.DefaultConfig()
			config.Format = c.String("log-format")
			if c.Bool("verbose") {
				config.Level = logging.LevelDebug
			}
			logging.SetDefault(logging.NewLogger(config))
			return nil
		},
		Commands: []*cli.Command{
			regsCommand(),
			benchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "nvmectl: %v\n", err)
		os.Exit(1)
	}
}

// regsCommand maps a controller's BAR0 resource file read-only and decodes
// the identification and status registers. It never enables the controller.
func regsCommand() *cli.Command {
	return &cli.Command{
		Name:      "regs",
		Usage:     "decode controller registers from a mapped PCI resource",
		ArgsUsage: "/sys/bus/pci/devices/<bdf>/resource0",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one resource path", 2)
			}
			path := c.Args().First()

			fd, err := unix.Open(path, unix.O_RDONLY|unix.O_SYNC, 0)
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer unix.Close(fd)

			mem, err := unix.Mmap(fd, 0, 0x2000, unix.PROT_READ, unix.MAP_SHARED)
			if err != nil {
				return fmt.Errorf("mmap %s: %w", path, err)
			}
			defer unix.Munmap(mem)

			block := regs.NewBlock(uintptr(unsafe.Pointer(&mem[0])))
			printRegs(block)
			return nil
		},
	}
}

func printRegs(block regs.Block) {
	caps := block.Cap()
	version := block.Version()
	cc := block.Config()
	csts := block.Status()

	fmt.Printf("VS    %d.%d.%d\n", version>>16, version>>8&0xFF, version&0xFF)
	fmt.Printf("CAP   0x%016x\n", uint64(caps))
	fmt.Printf("  max queue entries  %d\n", caps.MaxQueueEntries())
	fmt.Printf("  doorbell stride    %d bytes\n", 4<<caps.DoorbellStride())
	fmt.Printf("  ready timeout      %s\n", caps.Timeout())
	fmt.Printf("  page size          %d..%d bytes\n", caps.MinPageSize(), caps.MaxPageSize())
	fmt.Printf("CC    0x%08x (enabled=%v)\n", cc, cc&regs.CCEnable != 0)
	fmt.Printf("CSTS  0x%08x (ready=%v fatal=%v)\n", csts, block.Ready(), block.Fatal())
}

// benchCommand drives the software controller with one worker goroutine per
// queue pair, the intended concurrency pattern for the driver.
func benchCommand() *cli.Command {
	return &cli.Command{
		Name:  "bench",
		Usage: "benchmark the driver against the software controller",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "queues", Value: 4, Usage: "I/O queue pairs (one worker each)"},
			&cli.IntFlag{Name: "depth", Value: 64, Usage: "queue depth"},
			&cli.IntFlag{Name: "block-size", Value: 512, Usage: "namespace block size"},
			&cli.IntFlag{Name: "io-size", Value: 4096, Usage: "bytes per command"},
			&cli.IntFlag{Name: "ops", Value: 50000, Usage: "commands per worker"},
			&cli.BoolFlag{Name: "write", Usage: "issue writes instead of reads"},
		},
		Action: runBench,
	}
}

func runBench(c *cli.Context) error {
	queues := c.Int("queues")
	depth := c.Int("depth")
	blockSize := c.Int("block-size")
	ioSize := c.Int("io-size")
	ops := c.Int("ops")
	write := c.Bool("write")

	if ioSize%blockSize != 0 {
		return cli.Exit("io-size must be a multiple of block-size", 2)
	}

	soft := nvme.NewSoftController(&nvme.SoftConfig{
		BlockSize: blockSize,
		Blocks:    1 << 20,
		IOQueues:  uint16(queues),
	})
	defer soft.Close()

	ctrl, err := nvme.Init(soft.Base(), soft.Allocator(), &nvme.Options{IOQueues: uint16(queues)})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	namespaces, err := ctrl.IdentifyNamespaces(0)
	if err != nil {
		return err
	}
	ns := namespaces[0]

	pairs := make([]*nvme.QueuePair, queues)
	for i := range pairs {
		qp, err := ctrl.CreateIOQueuePair(ns, depth)
		if err != nil {
			return err
		}
		pairs[i] = qp
	}

	alloc := soft.Allocator()
	var failures atomic.Uint64

	pool := pond.New(queues, queues)
	start := time.Now()
	for i := range pairs {
		qp := pairs[i]
		worker := i
		pool.Submit(func() {
			buf := alloc.Allocate(ioSize)
			defer alloc.Deallocate(buf)
			span := uint64(ioSize / blockSize)
			window := ns.BlockCount / uint64(queues)
			base := uint64(worker) * window
			for op := 0; op < ops; op++ {
				lba := base + uint64(op)*span%(window-span)
				var err error
				if write {
					err = qp.Write(buf, ioSize, lba)
				} else {
					err = qp.Read(buf, ioSize, lba)
				}
				if err != nil {
					failures.Add(1)
				}
			}
		})
	}
	pool.StopAndWait()
	elapsed := time.Since(start)

	total := uint64(queues * ops)
	bytes := total * uint64(ioSize)
	fmt.Printf("completed %d commands in %s (%d failed)\n", total, elapsed.Round(time.Millisecond), failures.Load())
	fmt.Printf("  %.0f IOPS, %.1f MiB/s\n",
		float64(total)/elapsed.Seconds(),
		float64(bytes)/elapsed.Seconds()/(1<<20))

	snap := ctrl.Metrics().Snapshot()
	fmt.Printf("  avg latency %s, p99 %s, polls %d\n",
		time.Duration(snap.AvgLatencyNs),
		time.Duration(snap.LatencyP99Ns),
		snap.CompletionPolls)

	for _, qp := range pairs {
		if err := ctrl.DeleteIOQueuePair(qp); err != nil {
			return err
		}
	}
	return nil
}
