package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/pynchy/internal/agent"
	"github.com/nextlevelbuilder/pynchy/internal/approval"
	"github.com/nextlevelbuilder/pynchy/internal/bus"
	"github.com/nextlevelbuilder/pynchy/internal/channels"
	"github.com/nextlevelbuilder/pynchy/internal/channels/webchat"
	"github.com/nextlevelbuilder/pynchy/internal/config"
	"github.com/nextlevelbuilder/pynchy/internal/container"
	"github.com/nextlevelbuilder/pynchy/internal/cop"
	"github.com/nextlevelbuilder/pynchy/internal/gateway"
	"github.com/nextlevelbuilder/pynchy/internal/gitops"
	"github.com/nextlevelbuilder/pynchy/internal/ipc"
	"github.com/nextlevelbuilder/pynchy/internal/ipc/handlers"
	"github.com/nextlevelbuilder/pynchy/internal/mcp"
	"github.com/nextlevelbuilder/pynchy/internal/mcpproxy"
	"github.com/nextlevelbuilder/pynchy/internal/queue"
	"github.com/nextlevelbuilder/pynchy/internal/runtime"
	"github.com/nextlevelbuilder/pynchy/internal/security"
	"github.com/nextlevelbuilder/pynchy/internal/sessions"
	"github.com/nextlevelbuilder/pynchy/internal/store"
	"github.com/nextlevelbuilder/pynchy/internal/store/sqlite"
	"github.com/nextlevelbuilder/pynchy/internal/tasks"
	"github.com/nextlevelbuilder/pynchy/internal/telemetry"
	"github.com/nextlevelbuilder/pynchy/pkg/protocol"
)

// lateNotifier forwards merge notices to the router. gitops and the
// router each consume the other's interface, so the git manager is
// built against this shim and the router is plugged in afterward.
type lateNotifier struct {
	router *agent.Router
}

func (n *lateNotifier) NotifyWorkspace(ctx context.Context, folder, message string) {
	if n.router != nil {
		n.router.NotifyWorkspace(ctx, folder, message)
	}
}

func runGateway() {
	// Setup structured logging
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	// Load config
	cfgPath := resolveConfigPath()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	// The orchestrator mounts the config into admin containers; bind
	// mounts need an absolute source.
	if abs, absErr := filepath.Abs(cfgPath); absErr == nil {
		cfgPath = abs
	}

	dataDir := config.ExpandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "dir", dataDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (noop unless [telemetry] enables an exporter)
	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}
	defer tp.Shutdown(context.Background())

	// Stores
	stores, closeStores, err := sqlite.New(filepath.Join(dataDir, "pynchy.db"))
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer closeStores()
	stores.Sessions = sessions.NewManager(stores.Sessions)

	events := bus.New()

	// Git worktrees + deployment checkout. A rollback continuation
	// from a failed deploy is applied before anything reads the tree.
	notify := &lateNotifier{}
	rollbackPath := filepath.Join(dataDir, "rollback.json")
	var repo *gitops.Manager
	if cfg.Git.ProjectDir != "" {
		repo = gitops.New(cfg.Git, stores.Groups, notify)
		defer repo.Close()
		if rb, rbErr := repo.ConsumeRollback(ctx, rollbackPath); rbErr != nil {
			slog.Error("rollback failed", "error", rbErr)
			os.Exit(1)
		} else if rb != nil {
			slog.Warn("applied rollback continuation", "sha", rb.PreviousSHA, "reason", rb.Reason)
		}
	} else {
		slog.Info("git integration disabled: no project_dir configured")
	}

	// Container orchestrator
	orch := container.New(cfg, runtime.NewDockerCLI(cfg.Container.Runtime), events, cfgPath)
	if err := orch.KillOrphans(ctx); err != nil {
		slog.Warn("orphan cleanup failed", "error", err)
	}

	// Admin clean-room validation. A violation is terminal: when the
	// running tree came from a deploy, leave a rollback continuation so
	// the next start resets to the previous commit.
	if err := validateAdminWorkspaces(cfg, stores.Groups); err != nil {
		slog.Error("startup validation failed", "error", err)
		failStartup(stores, repo != nil, rollbackPath, err.Error())
	}
	// Validation passed; the stashed pre-deploy sha is no longer a
	// rollback target.
	if err := stores.State.Delete(gateway.PreviousSHAKey); err != nil {
		slog.Warn("failed to clear deploy stash", "error", err)
	}

	// Security: Cop inspector behind every gate and the MCP proxy
	copClient := cop.New(cfg.Cop)
	gates := security.NewRegistry(copClient)

	// MCP proxy + instance manager
	proxy := mcpproxy.NewProxy(gates, copClient)
	if err := proxy.Start(cfg.MCP.ProxyAddr); err != nil {
		slog.Error("failed to start mcp proxy", "error", err)
		os.Exit(1)
	}
	defer proxy.Close(context.Background())
	slog.Info("mcp proxy listening", "port", proxy.Port())

	catalogPath := cfg.MCP.CatalogPath
	if catalogPath == "" {
		catalogPath = filepath.Join(dataDir, "mcp_servers.json5")
	}
	catalog, err := mcp.LoadCatalog(catalogPath)
	if err != nil {
		slog.Error("failed to load mcp catalog", "path", catalogPath, "error", err)
		os.Exit(1)
	}
	mcpMgr := mcp.NewManager(catalog, proxy)
	defer mcpMgr.Stop()

	// Queue and channels. The processor closure resolves the router
	// late: the router needs the channel manager, which needs the
	// queue. Nothing drains before all three exist.
	var router *agent.Router
	q := queue.New(func(ctx context.Context, jid string) (bool, error) {
		return router.ProcessMessages(ctx, jid)
	}, cfg.Container.MaxConcurrent,
		queue.WithRetryPolicy(time.Duration(cfg.Queue.BaseRetrySec)*time.Second, cfg.Queue.MaxAttempts))

	chMgr := channels.NewManager(stores, cfg, q, events,
		channels.WithReconcilePolicy(
			time.Duration(cfg.Scheduler.ReconcileMinSec)*time.Second,
			time.Duration(cfg.Scheduler.ReconcileMaxSec)*time.Second,
		))
	wc := webchat.New(chMgr)
	chMgr.Register(wc)

	// IPC: dispatcher, tier-2 handlers, approvals, file watcher
	ipcRoot := filepath.Join(dataDir, "ipc")
	dispatcher := ipc.NewDispatcher(ctx, ipcRoot, func(folder string) (ipc.Source, bool) {
		p, err := stores.Groups.GetByFolder(folder)
		if err != nil || p == nil {
			return ipc.Source{}, false
		}
		return ipc.Source{Folder: p.Folder, ChatJID: p.JID, IsAdmin: p.IsAdmin}, true
	})
	dispatcher.OnSignal(protocol.SignalRefreshGroups, func(string) {
		go chMgr.Reconcile(ctx)
	})

	approvals := approval.NewManager(ipcRoot, chMgr, dispatcher.Dispatch, events,
		approval.WithTimeouts(
			time.Duration(cfg.Approval.ApprovalTimeoutMin)*time.Minute,
			time.Duration(cfg.Approval.QuestionTimeoutMin)*time.Minute,
		))

	// The router closes the loop: queue drains call it, it spawns
	// containers and fans the stream back out through the channels.
	plugins := make([]container.Plugin, 0, len(cfg.MCP.PluginDirs))
	for _, dir := range cfg.MCP.PluginDirs {
		dir = config.ExpandHome(dir)
		plugins = append(plugins, container.Plugin{Name: filepath.Base(dir), Dir: dir})
	}
	routerDeps := agent.Deps{
		Config:     cfg,
		Stores:     stores,
		Containers: orch,
		Channels:   chMgr,
		Gates:      gates,
		MCP:        mcpMgr,
		Proxy:      proxy,
		Approvals:  approvals,
		Plugins:    plugins,
	}
	if repo != nil {
		routerDeps.Worktrees = repo
	}
	router = agent.New(routerDeps)
	notify.router = router

	// Scheduled tasks ride the same per-workspace queue as chat.
	sched := tasks.NewScheduler(stores.Tasks, q, router, events,
		tasks.WithPollInterval(time.Duration(cfg.Scheduler.PollIntervalSec)*time.Second),
		tasks.WithHostJobTimeout(time.Duration(cfg.Scheduler.HostJobTimeoutSec)*time.Second))

	deps := handlers.Deps{
		Root:      ipcRoot,
		Stores:    stores,
		Gates:     gates,
		Approvals: approvals,
		Broadcast: chMgr,
		Results:   sched,
		NextRun:   tasks.NextRun,
		Events:    events,
	}
	if repo != nil {
		deps.Git = repo
	}
	handlers.RegisterAll(dispatcher, deps)

	watcher := ipc.NewWatcher(ipcRoot, dispatcher.Dispatch, approvals.HandleDecision)
	if err := watcher.Start(); err != nil {
		slog.Error("failed to start ipc watcher", "error", err)
		os.Exit(1)
	}
	defer watcher.Close()

	// Expire approvals that outlived a host restart, then keep sweeping.
	if n := approvals.SweepExpired(); n > 0 {
		slog.Info("expired stale approvals", "count", n)
	}
	go approvals.RunSweeper(ctx, time.Minute)

	// Gateway HTTP surface
	gwOpts := []gateway.Option{gateway.WithWebchat(wc.Handler())}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	if repo != nil {
		gwOpts = append(gwOpts, gateway.WithRepo(repo), gateway.WithRestart(func() {
			slog.Info("deploy pulled, restarting for validation")
			select {
			case sigCh <- syscall.SIGTERM:
			default:
			}
		}))
	}
	server := gateway.NewServer(cfg.Gateway, stores, chMgr, events, gwOpts...)

	// Start background work
	chMgr.StartAll(ctx)
	chMgr.Start()
	sched.Start()

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		events.Broadcast(bus.Event{Name: protocol.EventShutdown})

		chMgr.StopAll(context.Background())
		chMgr.Close()
		sched.Close()
		for _, folder := range orch.ActiveFolders() {
			orch.Stop(folder)
		}
		q.Shutdown(cfg.StopGrace())

		cancel()
	}()

	slog.Info("pynchy gateway starting",
		"version", Version,
		"data_dir", dataDir,
		"image", cfg.Container.Image,
		"max_concurrent", cfg.Container.MaxConcurrent,
		"channels", chMgr.ConnectedCount(),
	)

	// Tailscale listener: build the mux first, then hand it to
	// initTailscale so the tailnet serves the same routes.
	// Compiled via build tags: `go build -tags tsnet` to enable.
	mux := server.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}

// validateAdminWorkspaces runs the clean-room check over every
// registered admin workspace: reachable MCP services resolved against
// the chat's security cascade.
func validateAdminWorkspaces(cfg *config.Config, groups store.GroupStore) error {
	profiles, err := groups.List()
	if err != nil {
		return err
	}
	var inputs []security.CleanRoomInput
	for _, p := range profiles {
		if !p.IsAdmin {
			continue
		}
		services := make([]string, 0, len(p.Overrides.MCPServers))
		for _, ref := range p.Overrides.MCPServers {
			services = append(services, ref.Server)
		}
		channel := config.ChannelForJID(p.JID)
		inputs = append(inputs, security.CleanRoomInput{
			Folder:   p.Folder,
			Services: services,
			Policy:   cfg.ResolveWorkspaceSecurity(channel, p.JID, p.Overrides.Sandbox),
		})
	}
	return security.ValidateCleanRoom(inputs)
}

// failStartup exits with code 1, writing a rollback continuation first
// when the tree was just deployed so the next start can reset it.
func failStartup(stores *store.Stores, haveRepo bool, rollbackPath, reason string) {
	if haveRepo {
		previous, err := stores.State.Get(gateway.PreviousSHAKey)
		if err != nil {
			slog.Error("failed to read deploy stash", "error", err)
		} else if previous != "" {
			rb := gitops.Rollback{
				PreviousSHA: previous,
				Reason:      reason,
				TS:          time.Now().UTC().Format(time.RFC3339),
			}
			if err := gitops.WriteRollback(rollbackPath, rb); err != nil {
				slog.Error("failed to write rollback continuation", "error", err)
			} else {
				slog.Warn("wrote rollback continuation", "sha", previous)
			}
		}
	}
	os.Exit(1)
}
