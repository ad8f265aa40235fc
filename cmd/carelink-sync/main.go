package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/carelinkhq/carelink-sync/internal/app"
	"github.com/carelinkhq/carelink-sync/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("carelink-sync %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `carelink-sync

Usage:
  carelink-sync init [flags]
  carelink-sync run [flags]
  carelink-sync version

Commands:
  init        Write a starter config file for the given server.
  run         Run the sync daemon using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	server := fs.String("server", "", "CareLink API base URL (e.g. https://api.carelink.example)")
	stream := fs.String("stream", "", "Push stream URL (default: derived from -server)")
	tokenEnv := fs.String("token-env", "", "Env var holding the bearer token (default: CARELINK_TOKEN)")
	stateDir := fs.String("state-dir", "", "Local state directory (default: ~/.carelink-sync)")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	if *server == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		ServerBaseURL: *server,
		StreamURL:     *stream,
		AuthTokenEnv:  *tokenEnv,
		StateDir:      *stateDir,
		LogFormat:     *logFormat,
		LogLevel:      *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	a, err := app.New(app.Options{
		Config:    cfg,
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "carelink-sync exited with error: %v\n", err)
		os.Exit(1)
	}
}
