// Command sftrace is the offline tool suite: build filter maps, replay
// memory traces, run a program under tracing (record), and a stubbed
// convert subcommand (spec.md §6
// "Offline CLI surface"). Grounded on the teacher's (xyproto/c67)
// cli.go: a CommandContext threaded through ordered subcommand
// handlers, dispatched by a top-level switch on os.Args[1].
package main

import (
	"flag"
	"fmt"
	"os"
)

// CommandContext holds the flags common to every subcommand.
type CommandContext struct {
	Verbose bool
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx := &CommandContext{}
	var err error
	switch os.Args[1] {
	case "filter":
		err = cmdFilter(ctx, os.Args[2:])
	case "memory":
		err = cmdMemory(ctx, os.Args[2:])
	case "convert":
		err = cmdConvert(ctx, os.Args[2:])
	case "record":
		err = cmdRecord(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		err = fmt.Errorf("unknown command: %s\n\nrun 'sftrace help' for usage", os.Args[1])
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "sftrace:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: sftrace <command> [flags]

commands:
  filter -p <obj> [--list F|-r REGEX] -o <map>
  memory <trace> [-s SYMBOL] --milestone NAME [--flamegraph F|--plot F|--select i,j,..]
  convert <trace> [-s SYMBOL] -o <trace.gz>
  record [-o OUT] [-f FILTER] [--solib PATH] -- <program> <args...>`)
}

// newFlagSet builds a flag.FlagSet that reports usage errors the way the
// other subcommands do, rather than flag's default os.Exit(2) panic text.
func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {}
	return fs
}
