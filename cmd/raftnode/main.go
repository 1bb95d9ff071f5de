// Command raftnode is an illustrative harness around pkg/raft: a single
// binary that runs one cluster member, wiring it to the bbolt persistence
// adapter, the example key-value state machine, and the gRPC transport.
// It exists to exercise the library end to end, the way cuemby-warren's
// own cmd/warren binary exercises its manager package.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// exitError carries a process exit code alongside the error that caused
// it, per the convention: 0 clean shutdown, 1 fatal invariant violation,
// 2 configuration error.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:   "raftnode",
	Short: "raftnode runs and administers a raftcore consensus cluster member",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "raftnode: %v\n", err)
		var exitErr exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}
