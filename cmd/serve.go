package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/quorum/internal/bus"
	"github.com/nextlevelbuilder/quorum/internal/config"
	"github.com/nextlevelbuilder/quorum/internal/consensus"
	"github.com/nextlevelbuilder/quorum/internal/cost"
	"github.com/nextlevelbuilder/quorum/internal/mcp"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/registry"
	"github.com/nextlevelbuilder/quorum/internal/router"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
	"github.com/nextlevelbuilder/quorum/internal/skills"
	"github.com/nextlevelbuilder/quorum/internal/store"
	"github.com/nextlevelbuilder/quorum/internal/store/lite"
	"github.com/nextlevelbuilder/quorum/internal/store/pg"
	"github.com/nextlevelbuilder/quorum/internal/tracing"
	"github.com/nextlevelbuilder/quorum/internal/tree"
)

// embedCallCost is the flat ledger charge per embedding call made by
// semantic-similarity consensus.
var embedCallCost = decimal.RequireFromString("0.0001")

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the task daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// buildManager wires config → stores → bus → providers → consensus →
// router infrastructure → tree controller.
func buildManager(cfg *config.Config, eventBus *bus.Bus) (*tree.Manager, *store.Stores, error) {
	stores, err := openStores(cfg)
	if err != nil {
		return nil, nil, err
	}

	pool := providers.NewPool(cfg.Providers)
	engine := consensus.NewEngine(pool, embedCallCost)
	costs := cost.NewTracker(stores.Costs, stores.Agents)
	vault := secrets.NewVault(stores.Secrets, cfg.Secrets.EncryptionKey)
	shell := router.NewShellSupervisor(config.ExpandHome(cfg.Router.WorkingDir), eventBus)
	mcpMgr := mcp.NewManager(cfg.MCP)

	skillsLd := skills.NewLoader(config.ExpandHome(cfg.Skills.Dir), stores.Skills)
	if err := skillsLd.Load(context.Background()); err != nil {
		slog.Warn("skills load failed", "error", err)
	}

	manager := tree.NewManager(tree.ManagerConfig{
		Config:   cfg,
		Stores:   stores,
		Bus:      eventBus,
		Registry: registry.New(),
		Pool:     pool,
		Engine:   engine,
		Costs:    costs,
		Shell:    shell,
		MCP:      mcpMgr,
		Vault:    vault,
		Skills:   skillsLd,
	})
	return manager, stores, nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	storeCfg := store.StoreConfig{
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  config.ExpandHome(cfg.Database.SQLitePath),
	}
	if storeCfg.PostgresDSN != "" {
		slog.Info("storage: postgres")
		return pg.NewPGStores(storeCfg)
	}
	slog.Info("storage: sqlite (standalone)", "path", storeCfg.SQLitePath)
	return lite.NewLiteStores(storeCfg)
}

func runServe() {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.InitExporter(ctx, cfg.Tracing.Endpoint)
	defer shutdownTracing(context.Background())

	eventBus := bus.New()
	defer eventBus.Close()

	manager, stores, err := buildManager(cfg, eventBus)
	if err != nil {
		slog.Error("wiring failed", "error", err)
		os.Exit(1)
	}

	if cfg.Skills.Watch {
		loaderCtx := ctx
		if err := manager.SkillsLoader().Watch(loaderCtx); err != nil {
			slog.Warn("skills watcher failed", "error", err)
		}
	}

	// Boot revival: every task left in running status comes back.
	manager.ReviveOnBoot(ctx)

	slog.Info("quorum daemon up", "version", Version)
	<-ctx.Done()

	// Graceful shutdown: pause every running task so agents drain and
	// persist; restore picks them up on the next boot.
	slog.Info("shutting down, pausing running tasks")
	bg := context.Background()
	if tasks, err := stores.Tasks.List(bg, store.TaskRunning); err == nil {
		for _, t := range tasks {
			if err := manager.PauseTask(bg, t.ID); err != nil {
				slog.Warn("pause on shutdown failed", "task", t.ID.String(), "error", err)
			}
		}
	}
	manager.WaitForQuiescence(bg)
}
