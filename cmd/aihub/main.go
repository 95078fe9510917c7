package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ayatoki/aihub/internal/approval"
	"github.com/ayatoki/aihub/internal/breaker"
	"github.com/ayatoki/aihub/internal/config"
	"github.com/ayatoki/aihub/internal/council"
	"github.com/ayatoki/aihub/internal/docs"
	"github.com/ayatoki/aihub/internal/enrich"
	"github.com/ayatoki/aihub/internal/fanout"
	"github.com/ayatoki/aihub/internal/hub"
	"github.com/ayatoki/aihub/internal/journal"
	"github.com/ayatoki/aihub/internal/logging"
	"github.com/ayatoki/aihub/internal/memstore"
	"github.com/ayatoki/aihub/internal/nightshift"
	"github.com/ayatoki/aihub/internal/notify"
	"github.com/ayatoki/aihub/internal/postproc"
	"github.com/ayatoki/aihub/internal/provider"
	"github.com/ayatoki/aihub/internal/router"
)

const gcInterval = 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve()
	case "gc":
		runGC()
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  aihub serve    read messages as JSON lines on stdin, write replies to stdout")
	fmt.Fprintln(os.Stderr, "  aihub gc       run the memory garbage collector once and exit")
}

func serve() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(os.Getenv("AIHUB_LOG_LEVEL"))
	defer log.Sync()

	messenger := newPipeMessenger(os.Stdout)
	h, store := buildHub(cfg, messenger, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if store != nil {
		go gcLoop(ctx, store, log)
	}

	if err := servePipe(ctx, h, os.Stdin, messenger, log); err != nil {
		log.Error("serve loop failed", zap.Error(err))
		os.Exit(1)
	}
	log.Info("clean shutdown")
}

func runGC() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.MemoryServiceURL == "" {
		fmt.Fprintln(os.Stderr, "gc: no memory service configured")
		os.Exit(1)
	}
	log := logging.New(os.Getenv("AIHUB_LOG_LEVEL"))
	defer log.Sync()

	gw := memstore.NewGateway(cfg.MemoryServiceURL, cfg.MemoryAPIKey)
	store := memstore.NewStore(gw, breaker.New("memory-service", breaker.DefaultThreshold, breaker.MemoryReset, log), log)
	store.RunGC(context.Background())
}

// buildHub wires the whole engine stack from configuration. The store
// is nil when no memory service is configured; every consumer degrades.
func buildHub(cfg *config.Config, messenger *pipeMessenger, log *zap.Logger) (*hub.Hub, *memstore.Store) {
	registry := breaker.NewRegistry(log)

	driver := provider.NewDriver(provider.Config{
		ClaudePath: cfg.ClaudePath,
		GeminiPath: cfg.GeminiPath,
		GPTPath:    cfg.GPTPath,
	}, log)
	fan := fanout.NewEngine(driver, registry, log)

	var store *memstore.Store
	var audit hub.AuditStats
	var auditLog approval.AuditLog
	if cfg.MemoryServiceURL != "" {
		gw := memstore.NewGateway(cfg.MemoryServiceURL, cfg.MemoryAPIKey)
		store = memstore.NewStore(gw, registry.Memory(), log)
		sqlAudit := approval.NewSQLAudit(gw)
		audit = sqlAudit
		auditLog = sqlAudit
	}

	var docSvc docs.Service
	if cfg.MemoryServiceURL != "" && cfg.MemoryDocID != "" {
		docSvc = docs.NewClient(cfg.MemoryServiceURL, cfg.MemoryAPIKey)
	}
	enricher := enrich.New(docSvc, cfg.MemoryDocID, store, registry.Memory(), cfg.ProjectGuide, log)

	debates := council.NewEngine(fan, provider.Claude, log)
	rt := router.New(fan, debates, enricher, log)

	jr := journal.New(cfg.ProjectDir, log)
	gate := approval.NewGate(fan, auditLog, log)
	exec := nightshift.NewExecutor(fan, gate, jr, log)

	var pipeline *postproc.Pipeline
	if store != nil {
		runner := postproc.NewRunner(2, 32, log)
		reviewer := postproc.NewReviewer(fan, nil, log)
		pipeline = postproc.NewPipeline(runner, store, reviewer, fan, docSvc, cfg.MemoryDocID, log)
	}

	notifier := notify.New(cfg.NotifyURL, cfg.NotifyToken, log)
	return hub.New(cfg, rt, exec, jr, store, pipeline, audit, messenger, notifier, log), store
}

func gcLoop(ctx context.Context, store *memstore.Store, log *zap.Logger) {
	store.RunGC(ctx)
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Info("running scheduled memory GC")
			store.RunGC(ctx)
		}
	}
}
