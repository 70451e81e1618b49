package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshlink/meshlink/internal/app"
	"github.com/meshlink/meshlink/internal/config"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	cfgPath     = flag.String("config", "meshlink.json", "Path to config file")
	showVersion = flag.Bool("version", false, "Show version")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("meshlink v%s\n", appVersion)
		return
	}

	lvl, err := logging.LevelFromString(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logging.SetAllLoggers(lvl)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{CfgPath: *cfgPath, Cfg: cfg}); err != nil {
		fmt.Fprintf(os.Stderr, "meshlink: %v\n", err)
		os.Exit(1)
	}
}
