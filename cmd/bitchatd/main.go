package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/bitchat/internal/config"
	"github.com/unicornultrafoundation/bitchat/internal/daemon"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "", "path to YAML config file")
		identityPath = flag.String("identity", "", "override identity key path")
		deviceName   = flag.String("name", "", "override device nickname")
		powerMode    = flag.String("power-mode", "", "override power mode: performance, balanced, power_saver, ultra_low")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("bitchatd %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *identityPath != "" {
		cfg.IdentityPath = *identityPath
	}
	if *deviceName != "" {
		cfg.DeviceName = *deviceName
	}
	if *powerMode != "" {
		cfg.PowerMode = *powerMode
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	delegate := &consoleDelegate{log: log}
	d, err := daemon.New(*cfg, delegate, log)
	if err != nil {
		log.Error("create daemon failed", "err", err)
		os.Exit(1)
	}

	if *showIdentity {
		id := d.Identity()
		fmt.Printf("Fingerprint: %s\n", id.Fingerprint)
		fmt.Printf("DH pubkey:   %s\n", id.DHPublicKeyHex())
		os.Exit(0)
	}

	if err := d.Start(); err != nil {
		log.Error("start daemon failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	d.Stop()
}
