// Command foodrelayctl talks to a foodrelay server from the shell.
//
// Usage:
//
//	foodrelayctl --user ngo-1 donations list --status available
//	foodrelayctl --user ngo-1 donations claim 01J...
//	foodrelayctl --user rider-7 deliveries advance 01J...
//
// Every persistent flag can also be set through the environment, e.g.
// FOODRELAY_URL, FOODRELAY_USER and FOODRELAY_API_KEY.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "foodrelayctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}
