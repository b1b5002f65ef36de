package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/five82/reportsync/internal/app"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "config path (optional, defaults to ~/.config/reportsync/config.toml)")
	envFile := flag.String("env", ".env", "dotenv file with REPORTSYNC_* overrides (ignored if missing)")
	prefsPath := flag.String("prefs", "", "preferences path (optional)")
	reportID := flag.String("report", "", "report to open (optional, defaults to the last one)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := app.Options{
		ConfigPath: *configPath,
		EnvFile:    *envFile,
		PrefsPath:  *prefsPath,
		ReportID:   *reportID,
	}
	if err := app.Run(ctx, opts); err != nil {
		fmt.Fprintf(os.Stderr, "reportsync: %v\n", err)
		return 1
	}
	return 0
}
