package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/louisbranch/veil/internal/cmd/veil"
	"github.com/louisbranch/veil/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := veil.App().RunContext(ctx, os.Args); err != nil {
		config.Exitf("veil: %v", err)
	}
}
