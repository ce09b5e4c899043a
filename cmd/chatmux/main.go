package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/chatmux/chatmux/internal/auditdb"
	"github.com/chatmux/chatmux/internal/auth"
	"github.com/chatmux/chatmux/internal/config"
	"github.com/chatmux/chatmux/internal/core"
	"github.com/chatmux/chatmux/internal/dispatch"
	"github.com/chatmux/chatmux/internal/logging"
	"github.com/chatmux/chatmux/internal/registry"
	"github.com/chatmux/chatmux/internal/rules"
	"github.com/chatmux/chatmux/internal/state"
	"github.com/chatmux/chatmux/internal/tmux"
	"github.com/chatmux/chatmux/internal/web"
)

const Version = "0.1.0"

const shutdownTimeout = 10 * time.Second

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Printf("chatmux v%s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	case "serve":
		runServe(args[1:])
	case "tabs", "ls":
		runTabs(args[1:])
	case "reconcile":
		runReconcile(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Print(`chatmux - chat-driven persistent terminal tabs

Usage:
  chatmux serve      [-config PATH] [-listen ADDR] [-log-level LEVEL]
  chatmux tabs       [-config PATH] [-user ID] [-json]
  chatmux reconcile  [-config PATH] [-create=false]
  chatmux version
  chatmux help
`)
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".chatmux", "config.toml")
}

func loadConfig(path string) *config.Manager {
	mgr := config.NewManager(path)
	if err := mgr.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "chatmux: %v\n", err)
		os.Exit(1)
	}
	return mgr
}

// initLogging wires the logging stack from config. Interactive runs get
// text output; everything else stays JSON for ingestion.
func initLogging(cfg config.Config, levelOverride string) {
	format := cfg.Logging.Format
	if term.IsTerminal(int(os.Stderr.Fd())) {
		format = "text"
	}
	level := cfg.Logging.Level
	if levelOverride != "" {
		level = levelOverride
	}
	logging.Init(logging.Config{
		LogDir:     cfg.LogDir(),
		Level:      level,
		Format:     format,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
}

func newTmuxClient(cfg config.Config) *tmux.Client {
	return tmux.NewClient(tmux.Options{
		TmuxCmd:      cfg.Tmux.Binary,
		Width:        cfg.Tmux.Width,
		Height:       cfg.Tmux.Height,
		CaptureLines: cfg.Tmux.CaptureLines,
	})
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	listen := fs.String("listen", "", "listen address override")
	logLevel := fs.String("log-level", "", "log level override")
	fs.Parse(args)

	cfgMgr := loadConfig(*configPath)
	cfg := cfgMgr.Config
	if *listen != "" {
		cfg.Web.ListenAddr = *listen
		cfgMgr.Config = cfg
	}

	initLogging(cfg, *logLevel)
	defer logging.Shutdown()
	log := logging.Logger()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		fatal(log, "data dir", err)
	}

	tm := newTmuxClient(cfg)
	if err := tm.IsAvailable(); err != nil {
		fatal(log, "tmux unavailable", err)
	}

	tabs, err := registry.Open(cfg.RegistryPath(), tm)
	if err != nil {
		fatal(log, "open registry", err)
	}
	repaired, err := tabs.Reconcile(true)
	if err != nil {
		fatal(log, "reconcile", err)
	}
	if len(repaired) > 0 {
		log.Info("sessions_reconciled", slog.Int("count", len(repaired)))
	}

	states, err := state.Open(cfg.StatePath())
	if err != nil {
		fatal(log, "open state", err)
	}

	audit, err := auditdb.Open(cfg.AuditPath())
	if err != nil {
		fatal(log, "open audit db", err)
	}
	defer audit.Close()
	if err := audit.Migrate(); err != nil {
		fatal(log, "migrate audit db", err)
	}
	dispatcher := dispatch.NewDispatcher(dispatch.WithAuditSink(audit))

	engine, err := rules.LoadFile(cfg.RulesPath)
	if err != nil {
		fatal(log, "load rules", err)
	}
	ruleStore := rules.NewStore(engine)
	watcher, err := rules.NewWatcher(cfg.RulesPath, ruleStore)
	if err != nil {
		log.Warn("rules_watcher_disabled", slog.String("error", err.Error()))
	} else if err := watcher.Start(); err != nil {
		log.Warn("rules_watcher_disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	svc, err := core.New(
		cfgMgr,
		auth.NewManager(cfg.Auth.Settings()),
		states,
		tabs,
		tm,
		dispatcher,
		ruleStore,
	)
	if err != nil {
		fatal(log, "init service", err)
	}

	server := web.NewServer(web.Config{
		ListenAddr: cfg.Web.ListenAddr,
		Token:      cfg.Web.Token,
		RatePerSec: cfg.Web.RatePerSec,
		RateBurst:  cfg.Web.RateBurst,
	}, svc)

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go svc.RunIntervalLoop(loopCtx, server.Notify)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	log.Info("serving",
		slog.String("addr", server.Addr()),
		slog.String("version", Version))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting_down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			fatal(log, "server", err)
		}
		return
	}

	cancelLoop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("shutdown_failed", slog.String("error", err.Error()))
	}
}

func runTabs(args []string) {
	fs := flag.NewFlagSet("tabs", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	user := fs.String("user", "", "filter by user id")
	asJSON := fs.Bool("json", false, "JSON output")
	fs.Parse(args)

	cfgMgr := loadConfig(*configPath)
	tm := newTmuxClient(cfgMgr.Config)
	tabs, err := registry.Open(cfgMgr.Config.RegistryPath(), tm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatmux: %v\n", err)
		os.Exit(1)
	}

	records := tabs.List(*user)
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(records)
		return
	}
	if len(records) == 0 {
		fmt.Println("no tabs")
		return
	}
	fmt.Printf("%-12s %-20s %-12s %-24s %s\n", "USER", "NAME", "STATUS", "SESSION", "TAG ID")
	for _, rec := range records {
		fmt.Printf("%-12s %-20s %-12s %-24s %s\n",
			rec.UserID, rec.TagName, rec.Status, rec.SessionName, rec.TagID)
	}
}

func runReconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	create := fs.Bool("create", true, "recreate missing sessions")
	fs.Parse(args)

	cfgMgr := loadConfig(*configPath)
	tm := newTmuxClient(cfgMgr.Config)
	if err := tm.IsAvailable(); err != nil {
		fmt.Fprintf(os.Stderr, "chatmux: tmux unavailable: %v\n", err)
		os.Exit(1)
	}
	tabs, err := registry.Open(cfgMgr.Config.RegistryPath(), tm)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatmux: %v\n", err)
		os.Exit(1)
	}
	changed, err := tabs.Reconcile(*create)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatmux: reconcile: %v\n", err)
		os.Exit(1)
	}
	if len(changed) == 0 {
		fmt.Println("all sessions in order")
		return
	}
	for _, rec := range changed {
		fmt.Printf("%s/%s -> %s (%s)\n", rec.UserID, rec.TagName, rec.SessionName, rec.Status)
	}
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, slog.String("error", err.Error()))
	fmt.Fprintf(os.Stderr, "chatmux: %s: %v\n", msg, err)
	os.Exit(1)
}
