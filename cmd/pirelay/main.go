package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/NicolasHaas/pirelay/pkg/logging"
	"github.com/NicolasHaas/pirelay/pkg/server"
	"github.com/NicolasHaas/pirelay/pkg/store"
	"github.com/NicolasHaas/pirelay/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (defaults apply when empty)")
	listen := flag.String("listen", "", "HTTP bind address (e.g. :3000)")
	socket := flag.String("socket", "", "Unix socket path of the /chat backend")
	wsURL := flag.String("ws-url", "", "WebSocket URL of the /goChat backend")
	dbPath := flag.String("db", "", "SQLite transcript database (in-memory history if empty)")
	logLevel := flag.String("log-level", "", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "", "Log format: "+logging.FormatNames())
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pirelay", version.Full())
		return
	}

	cfg := server.DefaultConfig()
	if *configPath != "" {
		loaded, err := server.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags that were set explicitly win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "socket":
			cfg.Chat.SocketPath = *socket
		case "ws-url":
			cfg.GoChat.URL = *wsURL
		case "db":
			cfg.History.DBPath = *dbPath
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	slog.Info("starting pirelay", version.Attr())

	var st store.Transcript
	if cfg.History.DBPath != "" {
		db, err := store.New(cfg.History.DBPath)
		if err != nil {
			slog.Error("open database", "err", err)
			os.Exit(1)
		}
		st = db
	} else {
		st = store.NewMemory()
	}

	srv := server.New(cfg, server.Dependencies{Store: st})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
