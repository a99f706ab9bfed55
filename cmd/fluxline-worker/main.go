// Command fluxline-worker consumes the background task queues: analytics
// rollups, metric snapshots, retention cleanup and notification delivery.
// An optional beat scheduler enqueues the cron entries.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxline/fluxline/pkg/analytics"
	"github.com/fluxline/fluxline/pkg/config"
	"github.com/fluxline/fluxline/pkg/errors"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/logger"
	"github.com/fluxline/fluxline/pkg/notify"
	"github.com/fluxline/fluxline/pkg/store"
	"github.com/fluxline/fluxline/pkg/taskfabric"
)

const performanceMirrorTTL = time.Hour

var (
	envFile string
	queues  []string
	beat    bool
)

var rootCmd = &cobra.Command{
	Use:   "fluxline-worker",
	Short: "Background task worker",
	Long: `fluxline-worker drains the task fabric queues. With --beat it also
runs the cron scheduler that feeds them.`,
	RunE: run,
}

func main() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file")
	rootCmd.Flags().StringSliceVar(&queues, "queues", nil,
		"queues to consume (default: analytics, monitoring, notifications)")
	rootCmd.Flags().BoolVar(&beat, "beat", false, "run the cron scheduler in this process")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.New("fluxline-worker")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kv := kvstore.New(kvstore.Options{
		Addr:           cfg.RedisAddr(),
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		MaxConns:       cfg.RedisMaxConns,
		SocketTimeout:  cfg.RedisSocketTimeout,
		ConnectTimeout: cfg.RedisConnectTimeout,
	})

	db, err := store.Open(ctx, store.Options{
		DSN:            cfg.PostgresDSN(),
		MaxConns:       cfg.PostgresMaxPool,
		MinConns:       cfg.PostgresMinPool,
		CommandTimeout: cfg.CommandTimeout,
	})
	if err != nil {
		log.Warn().Err(err).Msg("relational store unreachable, db-backed tasks will fail")
		db = nil
	}

	fabric := taskfabric.New(kv)
	registerHandlers(fabric, kv, db)

	if len(queues) == 0 {
		// the server process owns the workflow queue
		queues = []string{taskfabric.QueueAnalytics, taskfabric.QueueMonitoring, taskfabric.QueueNotifications}
	}
	worker := taskfabric.NewWorker(fabric, db, taskfabric.WorkerOptions{Queues: queues})
	if err := worker.Init(ctx); err != nil {
		return err
	}
	defer worker.Close()

	if beat {
		entries, err := config.LoadSchedules(cfg.ScheduleFile)
		if err != nil {
			return err
		}
		scheduler, err := taskfabric.NewScheduler(fabric, entries)
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
		log.Info().Int("entries", len(entries)).Msg("beat scheduler started")
	}

	log.Info().Strs("queues", queues).Msg("worker started")
	err = worker.Run(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("worker stopped")
		return nil
	}
	return err
}

// registerHandlers binds every background task this worker serves.
func registerHandlers(fabric *taskfabric.Fabric, kv *kvstore.Store, db *store.DB) {
	log := logger.New("fluxline-worker")
	notifier := notify.New()

	var analyzer *analytics.Analyzer
	if db != nil {
		analyzer = analytics.NewAnalyzer(analytics.NewDBHistory(db))
	}

	fabric.RegisterHandler(taskfabric.TaskAnalyticsProcessing, func(ctx context.Context, task *taskfabric.Task) error {
		if analyzer == nil {
			return errors.New(errors.KindUnavailable, "worker", "analytics requires the relational store", nil)
		}
		var req struct {
			Platform   string `json:"platform"`
			PipelineID string `json:"pipeline_id"`
			WindowDays int    `json:"window_days"`
		}
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return errors.New(errors.KindValidation, "worker", "undecodable analytics request", err)
		}
		if req.WindowDays <= 0 {
			req.WindowDays = 30
		}

		perf, err := analyzer.AnalyzePipelinePerformance(ctx, req.Platform, req.PipelineID, req.WindowDays)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("analytics:performance:%s:%s", req.Platform, req.PipelineID)
		doc, err := json.Marshal(perf)
		if err != nil {
			return errors.New(errors.KindInternal, "worker", "encode performance result", err)
		}
		return kv.Set(ctx, key, string(doc), performanceMirrorTTL)
	})

	fabric.RegisterHandler("data-retention-cleanup", func(ctx context.Context, _ *taskfabric.Task) error {
		if db == nil {
			return errors.New(errors.KindUnavailable, "worker", "retention cleanup requires the relational store", nil)
		}
		cleaner, err := store.NewCleaner(db, store.DefaultRetentionPolicies())
		if err != nil {
			return err
		}
		result := cleaner.Run(ctx, false)
		var deleted int64
		for _, n := range result.Deleted {
			deleted += n
		}
		log.Info().Int64("rows_deleted", deleted).Int("tables", len(result.Deleted)).
			Msg("retention cleanup finished")
		if len(result.Errors) > 0 {
			return errors.Newf(errors.KindTransient, "worker",
				"retention cleanup hit %d table errors", len(result.Errors))
		}
		return nil
	})

	fabric.RegisterHandler(taskfabric.TaskMonitoringCollection+".snapshot", func(ctx context.Context, _ *taskfabric.Task) error {
		depths := make(map[string]any, len(taskfabric.DefaultQueues()))
		for _, queue := range taskfabric.DefaultQueues() {
			depth, err := fabric.QueueDepth(ctx, queue)
			if err != nil {
				return err
			}
			depths["queue_"+queue] = depth
		}
		depths["collected_at"] = time.Now().UTC().Format(time.RFC3339)
		_, err := kv.XAdd(ctx, "metrics:stream:queues", 1000, depths)
		return err
	})

	fabric.RegisterHandler(taskfabric.TaskNotificationSending, func(ctx context.Context, task *taskfabric.Task) error {
		var req struct {
			Configs []notify.PlatformConfig `json:"configs"`
			Message notify.Message          `json:"message"`
		}
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return errors.New(errors.KindValidation, "worker", "undecodable notification request", err)
		}
		multi := notifier.SendMultiPlatform(ctx, req.Configs, req.Message)
		if len(req.Configs) > 0 && !multi.OverallSuccess {
			return errors.New(errors.KindTransient, "worker", "every delivery target failed", nil)
		}
		return nil
	})
}
