package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/bdobrica/Hyoka/common/environment"
	"github.com/bdobrica/Hyoka/common/version"
	"github.com/bdobrica/Hyoka/internal/hyoka/app"
	"github.com/bdobrica/Hyoka/internal/hyoka/bridgecfg"
)

func main() {
	fmt.Printf("Hyoka - Google Play reviews bridge\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	configPath := flag.String("config", environment.StringOr("HYOKA_CONFIG", "./hyoka.yaml"), "path to the bridge configuration file")
	logLevel := flag.String("log-level", environment.StringOr("HYOKA_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	setupLogging(*logLevel)

	cfg, err := bridgecfg.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	hyoka, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize Hyoka: %v\n", err)
		os.Exit(1)
	}
	defer hyoka.Stop()

	if err := hyoka.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running Hyoka: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging configures the default slog logger.
func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
