//go:build linux

// Command byobd runs the BYOB UDF sandbox daemon, or, when re-exec'd
// with BYOBD_NSINIT=1 set, performs the in-sandbox half of
// SandboxLauncher.Spawn (pivot_root, capability drop, and handoff into
// the worker binary). In that case normal CLI startup never happens:
// RunNsinit either execve's into the worker or returns an error, which
// main prints before exiting with status 1.
package main

import (
	"fmt"
	"os"

	"github.com/byobd/byobd/internal/sandbox/linux"
)

func main() {
	if ran, err := linux.RunNsinit(); ran {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
