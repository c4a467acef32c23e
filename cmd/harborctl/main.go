package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborctl/harborctl/internal/authz"
	"github.com/harborctl/harborctl/internal/autoupdate"
	"github.com/harborctl/harborctl/internal/broker"
	"github.com/harborctl/harborctl/internal/clock"
	"github.com/harborctl/harborctl/internal/compose"
	"github.com/harborctl/harborctl/internal/config"
	"github.com/harborctl/harborctl/internal/domain"
	"github.com/harborctl/harborctl/internal/gateway"
	"github.com/harborctl/harborctl/internal/gitsync"
	"github.com/harborctl/harborctl/internal/journal"
	"github.com/harborctl/harborctl/internal/logging"
	"github.com/harborctl/harborctl/internal/notify"
	"github.com/harborctl/harborctl/internal/router"
	"github.com/harborctl/harborctl/internal/scheduler"
	"github.com/harborctl/harborctl/internal/store"
	"github.com/harborctl/harborctl/internal/supervisor"
	"github.com/harborctl/harborctl/internal/web"
)

var version = "dev"

// workerFlag selects the "--worker=events"/"--worker=metrics" child mode;
// its absence means this process is the parent/server.
var workerFlag = flag.String("worker", "", "run as a supervised worker child (events or metrics)")

func main() {
	flag.Parse()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if *workerFlag != "" {
		runWorkerChild(ctx, *workerFlag, log)
		return
	}

	log.Info("harborctl starting", "version", version)
	runServer(ctx, cfg, log)
}

// runServer wires every control-plane collaborator and runs until ctx is
// cancelled, in the order the named operations depend on each other:
// persistence, then the in-process broker and notifier, then the
// transport/authorization services, then the long-running engines that sit
// on top of them, then the two thin HTTP surfaces.
func runServer(ctx context.Context, cfg *config.Config, log *logging.Logger) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	evtBroker := broker.New()
	notifier := buildNotifier(cfg, log)
	clk := clock.Real{}

	exePath, err := os.Executable()
	if err != nil {
		log.Error("failed to resolve executable path", "error", err)
		os.Exit(1)
	}

	agentGateway := gateway.New(db, evtBroker.EnvStatus, evtBroker.Containers, db, log)
	defer agentGateway.Close()

	rtr := router.New(db, agentGateway, log)
	authzSvc := authz.New()

	sup := supervisor.New(exePath, filepath.Join(cfg.DataDir, "run"), supervisor.Handlers{
		SaveHostMetric:      db.SaveHostMetric,
		SaveContainerEvent:  db.SaveContainerEvent,
		PublishContainerEvt: evtBroker.Containers.Publish,
		PublishEnvStatus:    evtBroker.EnvStatus.Publish,
		Notify:              notifier.Notify,
	}, log)
	sup.SetMaxRestarts(cfg.WorkerMaxRestarts)
	if envs, err := db.ListEnvironments(); err != nil {
		log.Warn("failed to load environments for worker supervisor", "error", err)
	} else {
		sup.SetEnvironments(envs)
	}

	composeEngine := compose.New(cfg.DataDir, db, rtr, log.Named("compose"), cfg.ComposeTimeout, cfg.ComposeKillGrace)
	updatePipeline := autoupdate.New(rtr, db, cfg, notifier, clk, log.Named("autoupdate"))
	syncer := gitsync.New(cfg.GitReposDir, db, composeEngine, log)

	sched := scheduler.New(db, log.Named("scheduler"), cfg.DefaultTimezone(), map[domain.ScheduleKind]scheduler.Task{
		domain.ScheduleContainerUpdate: func(ctx context.Context, sch domain.Schedule) {
			runJournaled(ctx, db, clk, log, sch, func(ctx context.Context) (any, error) {
				return updatePipeline.UpdateContainer(ctx, sch.EnvironmentID, sch.PayloadRef)
			})
		},
		domain.ScheduleGitStackSync: func(ctx context.Context, sch domain.Schedule) {
			runJournaled(ctx, db, clk, log, sch, func(ctx context.Context) (any, error) {
				return syncer.Sync(ctx, sch.PayloadRef)
			})
		},
		domain.ScheduleEnvUpdateCheck: func(ctx context.Context, sch domain.Schedule) {
			runJournaled(ctx, db, clk, log, sch, func(ctx context.Context) (any, error) {
				return nil, updatePipeline.CheckEnvironment(ctx, sch.EnvironmentID, false)
			})
		},
	})

	registerStaticCleanupJobs(sched, cfg, db, rtr, clk, log)

	if err := sched.RefreshAllSchedules(); err != nil {
		log.Warn("failed to load schedules at startup", "error", err)
	}
	sched.Start()
	sup.Start(ctx)

	webGateway := web.New(web.Deps{
		Store:     db,
		Router:    rtr,
		Scheduler: sched,
		Authz:     authzSvc,
		AuthUser:  cfg.WebAuthUser,
		AuthHash:  cfg.WebAuthPasswordHash,
		Log:       log,
	})

	agentMux := http.NewServeMux()
	agentMux.Handle("/agent", agentGateway)
	agentMux.Handle("/metrics", promhttp.Handler())
	agentServer := &http.Server{Addr: cfg.AgentGatewayListenAddr, Handler: agentMux}

	go func() {
		log.Info("agent gateway listening", "addr", cfg.AgentGatewayListenAddr)
		if err := agentServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("agent gateway failed", "error", err)
		}
	}()
	go func() {
		if err := webGateway.ListenAndServe(cfg.WebListenAddr); err != nil && err != http.ErrServerClosed {
			log.Error("web gateway failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("harborctl shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = agentServer.Shutdown(shutdownCtx)
	_ = webGateway.Shutdown(shutdownCtx)
	sched.Stop()
	sup.Stop()
}

// runJournaled wraps one scheduler task body in an Execution Journal
// recorder, translating its return value into the journal's terminal
// status and details.
func runJournaled(ctx context.Context, db *store.Store, clk clock.Clock, log *logging.Logger, sch domain.Schedule, fn func(ctx context.Context) (any, error)) {
	rec := journal.Begin(db, clk, log, sch.Kind, sch.ID, sch.EnvironmentID, sch.PayloadRef, domain.TriggerCron)
	details, err := fn(ctx)
	if err != nil {
		_ = rec.Finish(domain.StatusFailed, err.Error(), details)
		return
	}
	status := domain.StatusSuccess
	if r, ok := details.(autoupdate.Result); ok && (r.Outcome == autoupdate.OutcomeSkipped || r.Outcome == autoupdate.OutcomeBlocked) {
		status = domain.StatusSkipped
	}
	_ = rec.Finish(status, "", details)
}

// registerStaticCleanupJobs wires the system_cleanup schedule kind's three
// constituent jobs: each has no Schedule row of its own and runs on its own
// enable flag and cron cadence.
func registerStaticCleanupJobs(sched *scheduler.Scheduler, cfg *config.Config, db *store.Store, rtr *router.Router, clk clock.Clock, log *logging.Logger) {
	if err := sched.RegisterStaticJob("schedule_retention", cfg.ScheduleCleanupCron(), cfg.ScheduleCleanupEnabled(), func(ctx context.Context) {
		n, err := journal.CleanupOlderThan(db, clk, cfg.ScheduleRetentionDays())
		if err != nil {
			log.Warn("schedule retention cleanup failed", "error", err)
			return
		}
		log.Info("schedule retention cleanup complete", "deleted", n)
	}); err != nil {
		log.Warn("failed to register schedule retention job", "error", err)
	}

	if err := sched.RegisterStaticJob("event_retention", cfg.EventCleanupCron(), cfg.EventCleanupEnabled(), func(ctx context.Context) {
		cutoff := clk.Now().AddDate(0, 0, -cfg.EventRetentionDays())
		n, err := db.DeleteContainerEventsOlderThan(cutoff)
		if err != nil {
			log.Warn("event retention cleanup failed", "error", err)
			return
		}
		log.Info("event retention cleanup complete", "deleted", n)
	}); err != nil {
		log.Warn("failed to register event retention job", "error", err)
	}

	// volume_helper_cleanup: scanner helper containers already self-remove
	// (internal/scan's deferred ContainerRemove), so the only residue is the
	// per-environment scanner cache volumes; reap them on the same cadence
	// as event retention since both are daemon housekeeping, not
	// execution-history bookkeeping.
	if err := sched.RegisterStaticJob("volume_helper_cleanup", cfg.EventCleanupCron(), cfg.EventCleanupEnabled(), func(ctx context.Context) {
		pruneScannerCacheVolumes(ctx, db, rtr, log)
	}); err != nil {
		log.Warn("failed to register volume helper cleanup job", "error", err)
	}
}

// buildNotifier assembles the Notifier chain from configured providers, a
// LogNotifier always included as a guaranteed notification record.
func buildNotifier(cfg *config.Config, log *logging.Logger) *notify.Multi {
	notifiers := []notify.Notifier{notify.NewLogNotifier(log)}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL, nil))
	}
	if cfg.NotifySlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlack(cfg.NotifySlackWebhook))
	}
	if cfg.NotifyDiscordWebhook != "" {
		notifiers = append(notifiers, notify.NewDiscord(cfg.NotifyDiscordWebhook))
	}
	if cfg.NotifyMQTTBroker != "" {
		notifiers = append(notifiers, notify.NewMQTT(cfg.NotifyMQTTBroker, cfg.NotifyMQTTTopic, "harborctl", "", "", 0))
	}
	if cfg.NotifyNtfyURL != "" {
		server, topic := splitNtfyURL(cfg.NotifyNtfyURL)
		notifiers = append(notifiers, notify.NewNtfy(server, topic, 0, "", "", ""))
	}
	if cfg.NotifyGotifyURL != "" {
		notifiers = append(notifiers, notify.NewGotify(cfg.NotifyGotifyURL, cfg.NotifyGotifyToken))
	}
	return notify.NewMulti(log, notifiers...)
}

// splitNtfyURL separates a configured "https://host/topic" endpoint into the
// server base and topic ntfy.NewNtfy expects separately.
func splitNtfyURL(endpoint string) (server, topic string) {
	idx := strings.LastIndex(endpoint, "/")
	if idx < 0 {
		return endpoint, ""
	}
	return endpoint[:idx], endpoint[idx+1:]
}
