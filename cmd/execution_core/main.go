package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"execution_core/internal/bootstrap"
	"execution_core/pkg/liveserver"
	"execution_core/pkg/logging"
)

var (
	// Version information (set via build flags)
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	verifyAudit := flag.Bool("verify-audit", false, "Verify the audit checksum chain and exit")
	tail := flag.String("tail", "", "Follow a running core's audit feed (ws://host:port/ws) instead of trading")
	from := flag.Uint64("from", 0, "With -tail, backfill from this audit sequence")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("execution_core version %s (built %s)\n", version, buildTime)
		return
	}

	if *tail != "" {
		if err := tailFeed(*tail, *from); err != nil {
			fmt.Fprintf(os.Stderr, "Tail failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" {
		*configPath = envConfig
	}

	ctx := context.Background()
	app, err := bootstrap.NewApp(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	if *verifyAudit {
		seq, err := app.VerifyAudit(ctx)
		_ = app.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Audit chain broken after sequence %d: %v\n", seq, err)
			os.Exit(1)
		}
		fmt.Printf("Audit chain verified through sequence %d\n", seq)
		return
	}

	if err := app.Run(ctx); err != nil {
		os.Exit(1)
	}
}

// tailFeed prints every feed frame as a JSON line until interrupted
func tailFeed(endpoint string, from uint64) error {
	logger, err := logging.NewZapLoggerWithOptions(logging.Options{Level: "WARN"})
	if err != nil {
		return err
	}
	out := json.NewEncoder(os.Stdout)
	sub, err := liveserver.NewSubscriber(endpoint, from, func(f liveserver.Frame) {
		_ = out.Encode(f)
	}, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return sub.Run(ctx)
}
