// Command dnxsim is a minimal simulator that boots one dnxcore
// instance, registers a handful of demo programs, and lets a caller
// spawn and inspect them from the command line. It exists only to
// exercise the kernel/vfs/process/ipc stack end to end; it is a
// debugging aid, not a production shell.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dnx-rtos/dnxcore/config"
	"github.com/dnx-rtos/dnxcore/driver"
	"github.com/dnx-rtos/dnxcore/ipc/mbus"
	"github.com/dnx-rtos/dnxcore/kernel"
	"github.com/dnx-rtos/dnxcore/kernel/printk"
	"github.com/dnx-rtos/dnxcore/memheap"
	"github.com/dnx-rtos/dnxcore/monitor"
	"github.com/dnx-rtos/dnxcore/process"
	"github.com/dnx-rtos/dnxcore/vfs"
)

// system bundles one booted instance of every subsystem cmd/dnxsim
// drives, built in dependency order: heap and scheduler first, monitor
// and vfs next, process manager last.
type system struct {
	sched   *kernel.Scheduler
	heap    *memheap.Heap
	mon     *monitor.Monitor
	vfs     *vfs.VFS
	drivers *driver.Table
	bus     *mbus.Bus
	procs   *process.Manager
	cancel  context.CancelFunc
}

func bootSystem() *system {
	cfg := config.New(
		config.TickPeriodOption(tickPeriod),
		config.HeapSizeOption(heapSize),
		config.MaxTasksOption(maxTasks),
		config.PriorityLevelsOption(priorityLevels),
	)

	sched := kernel.New(cfg)
	heap := memheap.New(cfg.HeapSize, cfg.Alignment)
	mon := monitor.New(sched, heap)
	v := vfs.New(cfg.MaxOpenFiles, mon)
	if err := v.Mount("ramfs", "sim", "/", newRamFS()); err != nil {
		fmt.Fprintln(os.Stderr, "dnxsim: mount /:", err)
		os.Exit(1)
	}

	reg := process.NewRegistry()
	registerDemoPrograms(reg)

	s := &system{
		sched:   sched,
		heap:    heap,
		mon:     mon,
		vfs:     v,
		drivers: driver.NewTable(),
		bus:     mbus.New(0),
		procs:   process.NewManager(sched, heap, v, mon, reg),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go sched.Run(runCtx)

	printk.For("dnxsim").Info("system booted",
		"tick_period", cfg.TickPeriod,
		"heap_size", cfg.HeapSize,
		"priority_levels", cfg.PriorityLevels,
	)
	return s
}

func (s *system) shutdown() {
	s.cancel()
	s.bus.Close()
	s.sched.Close()
}

// mustProcess recovers the *process.Process the trampoline attached
// to its own task context, the same polling pattern process_test.go
// uses from outside the package.
func (s *system) mustProcess(id kernel.TaskID) *process.Process {
	for i := 0; i < 1000; i++ {
		if tc, ok := s.sched.TaskContextOf(id); ok {
			if p, ok := tc.GetData().(*process.Process); ok {
				return p
			}
		}
		time.Sleep(time.Millisecond)
	}
	fmt.Fprintln(os.Stderr, "dnxsim: process descriptor never attached")
	os.Exit(1)
	return nil
}

func cmdRootContext() context.Context {
	return context.Background()
}

func spawnOptsFor(cmdline string) process.SpawnOptions {
	return process.SpawnOptions{Cmdline: cmdline, StackWords: 512}
}

// registerDemoPrograms fills the static program table cmd/dnxsim ships
// with: a few trivial programs exercising argv, printing with fmt to
// the host's stdout.
func registerDemoPrograms(reg *process.Registry) {
	must(reg.Register(process.ProgramInfo{
		Name:        "echo",
		Entry:       echoMain,
		GlobalsSize: 0,
		StackDepth:  512,
	}))
	must(reg.Register(process.ProgramInfo{
		Name:        "sleep",
		Entry:       sleepMain,
		GlobalsSize: 0,
		StackDepth:  512,
	}))
	must(reg.Register(process.ProgramInfo{
		Name:        "uptime",
		Entry:       uptimeMain,
		GlobalsSize: 0,
		StackDepth:  512,
	}))
}

func must(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "dnxsim:", err)
		os.Exit(1)
	}
}

func echoMain(_ context.Context, argc int, argv []string) int {
	for i := 1; i < argc; i++ {
		if i > 1 {
			fmt.Print(" ")
		}
		fmt.Print(argv[i])
	}
	fmt.Println()
	return 0
}

func sleepMain(ctx context.Context, argc int, argv []string) int {
	d := time.Second
	if argc > 1 {
		if parsed, err := time.ParseDuration(argv[1]); err == nil {
			d = parsed
		}
	}
	time.Sleep(d)
	return 0
}

func uptimeMain(ctx context.Context, argc int, argv []string) int {
	tc := kernel.FromContext(ctx)
	if tc == nil {
		return 1
	}
	fmt.Printf("task %d running\n", tc.ID())
	return 0
}
