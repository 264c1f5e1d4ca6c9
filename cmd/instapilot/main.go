package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"instapilot/internal/app"
	"instapilot/pkg/sdnotify"
)

// Set via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	var (
		cfgPath     string
		showVersion bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("instapilot", version)
		return
	}

	// Optional .env for local runs; variables already set in the real
	// environment win over file values.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath, version)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	sdnotify.Ready()
	sdnotify.Status("running " + version)
	stopWatchdog := sdnotify.StartWatchdog()

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		// A signal cancels this context too; only a recorded error means
		// the app went down on its own.
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	sdnotify.Stopping()
	stopWatchdog()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	_ = a.Stop(stopCtx, reason)
	stopCancel()

	if err := a.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
