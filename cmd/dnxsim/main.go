package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	tickPeriod     time.Duration
	heapSize       int64
	maxTasks       int
	priorityLevels int
)

// root is the dnxsim command tree: subcommands register themselves
// into it from init() and it is collapsed into a single
// self-contained binary.
var root = &cobra.Command{
	Use:   "dnxsim",
	Short: "Boot a dnxcore instance and drive it from the command line",
	Long: `dnxsim boots one in-process dnxcore kernel, mounts a ramfs at "/",
registers a few demo programs, and exposes subcommands to spawn them and
inspect scheduler/memory/IPC state. It is a debugging aid, not a shell.`,
}

func init() {
	flags := root.PersistentFlags()
	flags.DurationVar(&tickPeriod, "tick-period", 1*time.Millisecond, "scheduler tick period")
	flags.Int64Var(&heapSize, "heap-size", 64*1024*1024, "heap manager capacity in bytes")
	flags.IntVar(&maxTasks, "max-tasks", 256, "maximum live tasks the scheduler admits")
	flags.IntVar(&priorityLevels, "priority-levels", 8, "number of distinct scheduler priorities")

	root.AddCommand(runCmd, psCmd, memCmd, mbusCmd)
}

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCmd = &cobra.Command{
	Use:   "run <program> [args...]",
	Short: "Spawn a registered program and wait for it to exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys := bootSystem()
		defer sys.shutdown()

		cmdline := joinArgs(args[1:])
		id, err := sys.procs.Spawn(cmdRootContext(), args[0], spawnOptsFor(cmdline))
		if err != nil {
			return err
		}
		proc := sys.mustProcess(id)
		code, err := sys.procs.Wait(cmdRootContext(), proc, 0)
		if err != nil {
			return err
		}
		fmt.Printf("%s exited with code %d\n", args[0], code)
		return nil
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List live tasks and their scheduler state",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys := bootSystem()
		defer sys.shutdown()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTATE\tPRIORITY")
		ids := sys.sched.Tasks()
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			st, _ := sys.sched.State(id)
			tc, _ := sys.sched.TaskContextOf(id)
			priority := -1
			if tc != nil {
				priority = tc.Priority()
			}
			fmt.Fprintf(w, "%d\t%s\t%d\n", id, st, priority)
		}
		return w.Flush()
	},
}

var memCmd = &cobra.Command{
	Use:   "mem",
	Short: "Print per-class heap usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		sys := bootSystem()
		defer sys.shutdown()

		usage := sys.mon.MemoryUsage()
		total, free, used := sys.heap.Total()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "total\t%d\n", total)
		fmt.Fprintf(w, "free\t%d\n", free)
		fmt.Fprintf(w, "used\t%d\n", used)
		fmt.Fprintf(w, "kernel\t%d\n", usage.Kernel)
		fmt.Fprintf(w, "filesystem\t%d\n", usage.Filesystem)
		fmt.Fprintf(w, "program\t%d\n", usage.Program)
		fmt.Fprintf(w, "shared\t%d\n", usage.Shared)
		fmt.Fprintf(w, "cache\t%d\n", usage.Cache)
		return w.Flush()
	},
}

var mbusCmd = &cobra.Command{
	Use:   "mbus <subject> <message>",
	Short: "Publish one message bus envelope and print it back",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys := bootSystem()
		defer sys.shutdown()

		sub := sys.bus.Subscribe(args[0])
		defer sub.Close()

		msg := sys.bus.Publish(args[0], []byte(args[1]))
		fmt.Printf("published %s on %q: %s\n", msg.ID, args[0], msg.Data)

		got, err := sub.Receive(time.Second, false)
		if err != nil {
			return err
		}
		fmt.Printf("received %s: %s\n", got.ID, got.Data)
		return nil
	},
}

func joinArgs(args []string) string {
	line := ""
	for i, a := range args {
		if i > 0 {
			line += " "
		}
		line += a
	}
	return line
}
