package main

import (
	"fmt"
	"os"
	"os/exec"
)

// cmdRecord sets the tracer's environment variables and execs the
// target program under them (spec.md §6 "record [-o OUT] [-f FILTER]
// [--solib PATH] -- <program> <args...>"). --solib is accepted for
// interface compatibility but unused: this runtime finds the
// instrumented library itself from /proc/self/maps during setup
// (internal/setup.findOwningLibrary), it doesn't need to be told.
func cmdRecord(ctx *CommandContext, args []string) error {
	fs := newFlagSet("record")
	out := fs.String("o", "sftrace.trace", "trace output path")
	filterPath := fs.String("f", "", "filter-map path")
	_ = fs.String("solib", "", "unused: the traced library is found at runtime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	sep := 0
	for sep < len(rest) && rest[sep] != "--" {
		sep++
	}
	if sep < len(rest) {
		rest = rest[sep+1:]
	}
	if len(rest) == 0 {
		return fmt.Errorf("usage: sftrace record [-o OUT] [-f FILTER] -- <program> <args...>")
	}

	cmd := exec.Command(rest[0], rest[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "SFTRACE_OUTPUT_FILE="+*out)
	if *filterPath != "" {
		cmd.Env = append(cmd.Env, "SFTRACE_FILTER="+*filterPath)
	}

	if ctx.Verbose {
		fmt.Fprintf(os.Stderr, "sftrace: recording %s -> %s\n", rest[0], *out)
	}
	return cmd.Run()
}
