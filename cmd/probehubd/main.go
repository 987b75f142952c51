// Command probehubd is the Debug Probe Hub daemon: it loads the
// hardware/target catalog, serves the HTTP dispatch API, and supervises
// every long-lived debug/print session until shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"
	"gopkg.in/natefinch/lumberjack.v2"

	probehub "github.com/kazcomy/debug-probe-hub"
)

type CLI struct {
	ConfigPath string `default:"/etc/probehubd/config.yaml" placeholder:"<path>" help:"hardware/target catalog"`
	Addr       string `default:":8080" placeholder:"<host:port>" help:"HTTP listen address"`
	RunDir     string `default:"/var/run/probehubd" placeholder:"<dir>" help:"daemon self-lock directory"`
	LockDir    string `default:"/var/lock" placeholder:"<dir>" help:"probe lock directory"`
	StagingDir string `default:"/tmp/flash_staging" placeholder:"<dir>" help:"firmware upload staging directory"`
	AuditDB    string `default:"/var/lib/probehubd/audit.db" placeholder:"<path>" help:"dispatch audit log database (empty disables it)"`
	ComposeFile string `default:"/etc/probehubd/docker-compose.yaml" placeholder:"<path>" help:"compose file describing toolchain containers"`

	LogFile  string `default:"/var/log/probehubd/probehubd.log" placeholder:"<path>" help:"rotated JSON log file"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"logging level"`

	Completion kongcompletion.CompletionCmd `cmd:"" help:"generate shell completion"`
}

func (c *CLI) initLogging() {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	os.MkdirAll(filepath.Dir(c.LogFile), 0o755)
	sink := &lumberjack.Logger{
		Filename:   c.LogFile,
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
	}
	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func main() {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, "/etc/probehubd/probehubd.yaml"),
		kong.Description("Serve the Debug Probe Hub dispatch and session API."),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "building CLI parser: %v\n", err)
		os.Exit(1)
	}
	kongcompletion.Register(parser)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	if kctx.Command() == "completion" {
		kctx.FatalIfErrorf(kctx.Run())
		return
	}

	cli.initLogging()
	ctx := context.Background()

	cfg, err := probehub.Load(cli.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	shutdownTracing, err := probehub.InitTracing(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing tracing: %v\n", err)
		os.Exit(1)
	}
	defer shutdownTracing(ctx)

	locks, err := probehub.NewLockManager(cli.LockDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing lock manager: %v\n", err)
		os.Exit(1)
	}
	staging, err := probehub.NewStagingArea(cli.StagingDir, 0, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "initializing staging area: %v\n", err)
		os.Exit(1)
	}

	var audit *probehub.AuditLog
	if cli.AuditDB != "" {
		os.MkdirAll(filepath.Dir(cli.AuditDB), 0o755)
		audit, err = probehub.OpenAuditLog(cli.AuditDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "opening audit log: %v\n", err)
			os.Exit(1)
		}
	}

	inventory := probehub.NewInventory(cfg, probehub.NewUSBEnumerator())
	containers := probehub.NewDockerComposeManager(cli.ComposeFile)
	sessions := probehub.NewSessionTable()
	presence := probehub.NewPresenceChecker()
	dispatcher := probehub.NewDispatcher(cfg, inventory, locks, containers, staging, sessions, presence, audit)

	os.MkdirAll(cli.RunDir, 0o755)
	server := &probehub.Server{
		Addr:      cli.Addr,
		RunDir:    cli.RunDir,
		Cfg:       cfg,
		Inventory: inventory,
		Dispatch:  dispatcher,
		Sessions:  sessions,
		Audit:     audit,
	}

	slog.InfoContext(ctx, "probehubd starting", "addr", cli.Addr, "config", cli.ConfigPath)
	if err := server.ListenAndServe(ctx); err != nil {
		slog.ErrorContext(ctx, "probehubd exited", "error", err)
		os.Exit(1)
	}
}
