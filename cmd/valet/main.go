package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"valet/internal/assemble"
	"valet/internal/audit"
	"valet/internal/chatwire"
	"valet/internal/config"
	"valet/internal/deliver"
	"valet/internal/doctor"
	"valet/internal/executor"
	"valet/internal/ingest"
	"valet/internal/sandbox"
	"valet/internal/scheduler"
	"valet/internal/store"
	"valet/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s serve                    Run the automation host (default)
  %s status                   Show queue and task counts
  %s task add [options]       Enqueue a task directly
                              Options: -user <id> -prompt <text>
                                       -queue foreground|background -channel <id>
  %s task list [status]       List tasks, optionally by status
  %s task cancel <id>         Request cancellation of a task
  %s resource <action>        Manage filesystem grants for a user
                              Actions: add, list, remove
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  VALET_HOME              Data directory (default: ~/.valet)
  VALET_SECURITY_MODE     Override security.mode (permissive|restricted)
  VALET_CHAT_TOKEN        Chat surface bearer token
  TELEGRAM_TOKEN          Push notification bot token
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}

	switch cmd {
	case "serve":
		os.Exit(runServe(ctx))
	case "status":
		os.Exit(runStatusCommand(ctx, args))
	case "task":
		os.Exit(runTaskCommand(ctx, args))
	case "resource":
		os.Exit(runResourceCommand(ctx, args))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args))
	case "version":
		fmt.Println(telemetry.Version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	os.Exit(1)
}

func runServe(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("starting", "version", telemetry.Version, "home", cfg.HomeDir,
		"security_mode", cfg.Security.Mode, "workers", cfg.WorkerCount)

	provider, err := telemetry.InitOTel(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	st, err := store.Open(cfg.TaskDBPath())
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()

	depthReg, err := telemetry.RegisterQueueDepth(provider.Meter, st.CountPending)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	defer func() { _ = depthReg.Unregister() }()

	var chatClient *chatwire.Client
	if cfg.Chat.Enabled {
		chatClient = chatwire.New(cfg.Chat.BaseURL, cfg.Chat.Token, cfg.Chat.BotName,
			time.Duration(cfg.Chat.PollWaitSeconds)*time.Second)
	}

	sb := sandbox.NewBuilder(cfg, metrics, logger)
	if cfg.Security.SandboxEnabled && !sb.Available() {
		if !cfg.Security.Permissive() {
			fatalStartup(logger, "E_SANDBOX_UNAVAILABLE",
				fmt.Errorf("isolation tool unavailable and security.mode is restricted"))
		}
		logger.Warn("isolation tool unavailable, tasks will run unsandboxed")
		audit.Record(audit.KindSandboxDegraded, 0, "", "isolation tool unavailable at startup")
	}

	runner := executor.NewRunner(cfg.Agent, sb, logger)
	asm := assemble.New(cfg.Triage, metrics, logger)

	var deliverer *deliver.Deliverer
	if chatClient != nil {
		deliverer = deliver.New(cfg, chatClient, st, metrics, logger)
	} else {
		deliverer = deliver.New(cfg, nil, st, metrics, logger)
	}

	var checklist *ingest.ChecklistAdapter
	if cfg.Checklist.Enabled {
		checklist = ingest.NewChecklistAdapter(cfg.Checklist, st, logger)
	}

	sched := scheduler.New(cfg, st, runner, deliverer, asm, checklist, metrics, logger)

	var wg sync.WaitGroup
	pollInterval := time.Duration(cfg.PollIntervalSeconds) * time.Second

	if chatClient != nil {
		adapter := ingest.NewChatAdapter(cfg.Chat, chatClient,
			chatwire.NewNameCache(chatClient.DisplayName), st, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			adapter.Run(ctx, sched.Wake)
		}()
	}
	if checklist != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			checklist.Run(ctx, time.Duration(cfg.Checklist.PollIntervalSeconds)*time.Second, sched.Wake)
		}()
	}
	if cfg.Email.Enabled {
		adapter := ingest.NewEmailAdapter(cfg.Email, st, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollLoop(ctx, time.Minute, adapter.Poll, sched.Wake, logger, "email")
		}()
	}
	if len(cfg.Schedules) > 0 {
		adapter := ingest.NewTimerAdapter(cfg.Schedules, st, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollLoop(ctx, pollInterval, adapter.Poll, sched.Wake, logger, "timer")
		}()
	}

	err = sched.Run(ctx)
	wg.Wait()
	if err != nil {
		logger.Error("scheduler stopped", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// pollLoop drives a Poll-only ingestion adapter on a fixed interval.
func pollLoop(ctx context.Context, interval time.Duration, poll func(context.Context) ([]int64, error), enqueue func([]int64), log *slog.Logger, name string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		ids, err := poll(ctx)
		if err != nil {
			log.Warn("ingestion poll failed", "adapter", name, "error", err)
		} else if len(ids) > 0 {
			enqueue(ids)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func runDoctorCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	jsonOut := fs.Bool("json", false, "emit JSON instead of text")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	var cfgPtr *config.Config
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	d := doctor.Run(ctx, cfgPtr)
	if *jsonOut {
		printDiagnosisJSON(d)
	} else {
		printDiagnosisText(d)
	}
	if d.Failed() {
		return 1
	}
	return 0
}
