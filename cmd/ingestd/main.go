package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxlore/audio-ingest/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx)
	if err != nil {
		fmt.Printf("Failed to start ingestion worker: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		a.Close(closeCtx)
		cancel()
	}()

	a.Log.Info("Ingestion worker starting")
	if err := a.Run(ctx); err != nil {
		a.Log.Error("Consumer exited with error", "error", err)
		os.Exit(1)
	}
	a.Log.Info("Ingestion worker stopped")
}
