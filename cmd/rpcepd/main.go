// Command rpcepd is the endpoint mapper daemon and its admin tool.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "rpcepd:", err)
		os.Exit(1)
	}
}
