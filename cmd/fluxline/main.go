// Command fluxline runs the orchestration server: git ingestion, webhook
// ingress, the pipeline manager, the workflow orchestrator and the
// dashboard, all in one process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fluxline/fluxline/pkg/config"
	"github.com/fluxline/fluxline/pkg/connector"
	"github.com/fluxline/fluxline/pkg/dashboard"
	"github.com/fluxline/fluxline/pkg/domain"
	"github.com/fluxline/fluxline/pkg/ingest"
	"github.com/fluxline/fluxline/pkg/ingest/webhook"
	"github.com/fluxline/fluxline/pkg/kvstore"
	"github.com/fluxline/fluxline/pkg/logger"
	"github.com/fluxline/fluxline/pkg/notify"
	"github.com/fluxline/fluxline/pkg/pipeline"
	"github.com/fluxline/fluxline/pkg/store"
	"github.com/fluxline/fluxline/pkg/taskfabric"
	"github.com/fluxline/fluxline/pkg/workflow"
)

var (
	envFile string
	watches []string
)

var rootCmd = &cobra.Command{
	Use:   "fluxline",
	Short: "DevOps orchestration server",
	Long: `fluxline watches git repositories, receives CI/CD webhooks, discovers
and triggers pipelines across platforms, runs generated workflows and
serves the dashboard.`,
	RunE: run,
}

func main() {
	rootCmd.Flags().StringVar(&envFile, "env-file", ".env", "optional .env file")
	rootCmd.Flags().StringArrayVar(&watches, "watch", nil,
		"repository to poll, as name=path (repeatable)")
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
	log := logger.New("fluxline")

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
	defer kv.Close()
	if err := kv.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("kv store unreachable at boot, continuing degraded")
	}

	db := openStore(ctx, cfg)
	if db != nil {
		defer db.Close()
	}

	registerConnectors(cfg)

	emitter := ingest.NewEmitter(kv)
	poller := ingest.NewPoller(emitter, cfg.PollInterval)
	for _, w := range watches {
		repoCfg, err := parseWatch(w)
		if err != nil {
			return err
		}
		poller.Watch(repoCfg)
	}

	webhooks := webhook.NewServer(emitter, kv)
	registerWebhookEndpoints(webhooks, cfg)

	registry := pipeline.NewRegistry(kv)
	manager := pipeline.NewManager(registry, pipeline.NewCoordinator())

	var sink workflow.Sink
	if db != nil {
		sink = workflow.NewDBSink(db)
	}
	orchestrator := workflow.NewOrchestrator(sink)
	registerStageHandlers(orchestrator, manager, notify.New(), cfg)

	fabric := taskfabric.New(kv)
	workflow.RegisterOnFabric(fabric, orchestrator)
	wireEventHandlers(emitter, manager, orchestrator, fabric)

	var dbHealth dashboard.DBHealth
	if db != nil {
		dbHealth = db
	}
	dash := dashboard.NewServer(&dashboard.Sources{
		Events:    emitter,
		Monitor:   poller,
		Webhooks:  webhooks,
		Workflows: orchestrator,
		KV:        kv,
	}, dbHealth, cfg.StreamInterval)

	webhookSrv := &http.Server{Addr: cfg.WebhookAddr, Handler: webhooks.Router()}
	dashSrv := &http.Server{Addr: cfg.DashboardAddr, Handler: dash.Router()}

	// the embedded worker drains only the workflow queue; everything else
	// belongs to fluxline-worker processes
	worker := taskfabric.NewWorker(fabric, db, taskfabric.WorkerOptions{
		Queues: []string{taskfabric.QueueWorkflow},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		poller.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dash.RunStream(gctx)
		return nil
	})
	g.Go(func() error { return serve(gctx, webhookSrv) })
	g.Go(func() error { return serve(gctx, dashSrv) })
	g.Go(func() error {
		err := worker.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	log.Info().Str("webhook_addr", cfg.WebhookAddr).Str("dashboard_addr", cfg.DashboardAddr).
		Int("watched_repositories", len(watches)).Msg("fluxline started")

	err = g.Wait()
	log.Info().Msg("fluxline stopped")
	return err
}

// openStore dials Postgres; an unreachable store degrades the process to
// KV-only operation instead of failing boot.
func openStore(ctx context.Context, cfg *config.Config) *store.DB {
	log := logger.New("fluxline")
	db, err := store.Open(ctx, store.Options{
		DSN:            cfg.PostgresDSN(),
		MaxConns:       cfg.PostgresMaxPool,
		MinConns:       cfg.PostgresMinPool,
		CommandTimeout: cfg.CommandTimeout,
	})
	if err != nil {
		log.Warn().Err(err).Msg("relational store unreachable, persistence disabled")
		return nil
	}

	migrator, err := store.NewMigrator(db, cfg.ServiceName, store.BuiltinMigrations())
	if err != nil {
		log.Error().Err(err).Msg("migrator construction failed")
		_ = db.Close()
		return nil
	}
	applied, err := migrator.MigrateToLatest(ctx)
	if err != nil {
		log.Error().Err(err).Msg("schema migration failed")
		_ = db.Close()
		return nil
	}
	if applied > 0 {
		log.Info().Int("applied", applied).Msg("schema migrated")
	}
	return db
}

func registerConnectors(cfg *config.Config) {
	if cfg.GitHubToken != "" {
		connector.Register(connector.NewGitHub(connector.GitHubOptions{
			Token:   cfg.GitHubToken,
			BaseURL: cfg.GitHubBaseURL,
		}))
	}
	if cfg.GitLabToken != "" {
		connector.Register(connector.NewGitLab(connector.GitLabOptions{
			Token:   cfg.GitLabToken,
			BaseURL: cfg.GitLabBaseURL,
		}))
	}
}

func registerWebhookEndpoints(s *webhook.Server, cfg *config.Config) {
	endpoints := []struct {
		source domain.WebhookSource
		secret string
	}{
		{domain.SourceGitHub, cfg.GitHubWebhookSecret},
		{domain.SourceGitLab, cfg.GitLabWebhookSecret},
		{domain.SourceJenkins, cfg.JenkinsWebhookSecret},
	}
	for _, ep := range endpoints {
		s.Register(domain.WebhookConfig{
			Path:            string(ep.source),
			Source:          ep.source,
			Secret:          ep.secret,
			Enabled:         true,
			VerifySignature: ep.secret != "",
		})
	}
}

// wireEventHandlers connects ingestion to the rest of the system: every
// event refreshes pipeline discovery and spawns a generated workflow run
// through the task fabric.
func wireEventHandlers(em *ingest.Emitter, manager *pipeline.Manager, o *workflow.Orchestrator, fabric *taskfabric.Fabric) {
	log := logger.New("fluxline")

	em.RegisterHandler(ingest.KindAny, func(ctx context.Context, e *domain.Event) error {
		if registered, failures := manager.DiscoverAll(ctx, e.Repository); registered > 0 || len(failures) > 0 {
			log.Info().Str("repository", e.Repository).Int("registered", registered).
				Int("failed_platforms", len(failures)).Msg("pipeline discovery refreshed")
		}

		def := workflow.GenerateFromEvent(e)
		if err := o.CreateDefinition(def); err != nil {
			return err
		}
		input := map[string]json.RawMessage{
			"repository": mustJSON(e.Repository),
			"ref":        mustJSON(e.Branch),
			"event_id":   mustJSON(e.ID),
			"event_kind": mustJSON(string(e.Kind)),
		}
		_, err := workflow.EnqueueExecution(ctx, fabric, workflow.ExecutionTask{
			WorkflowID:  def.ID,
			ExecutionID: uuid.NewString(),
			TriggeredBy: "git:" + string(e.Kind),
			Environment: "dev",
			Input:       input,
		})
		return err
	})
}

// registerStageHandlers binds the generated stage types. Build triggers the
// repository's registered CI pipelines cross-platform; notify reports the
// run to the configured targets; the remaining stages record their context.
func registerStageHandlers(o *workflow.Orchestrator, manager *pipeline.Manager, notifier *notify.Notifier, cfg *config.Config) {
	record := func(stage string) workflow.StageHandler {
		return func(_ context.Context, _, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
			return map[string]json.RawMessage{
				stage + "_repository": input["repository"],
				stage + "_ref":        input["ref"],
				stage + "_at":         mustJSON(time.Now().UTC().Format(time.RFC3339)),
			}, nil
		}
	}
	for _, stage := range []string{
		workflow.TaskCheckout, workflow.TaskTest, workflow.TaskLint,
		workflow.TaskImageBuild, workflow.TaskDeployCheck,
	} {
		o.RegisterHandler(stage, record(stage))
	}

	o.RegisterHandler(workflow.TaskBuild, func(ctx context.Context, _, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		repository := decodeString(input["repository"])
		branch := decodeString(input["ref"])

		var platforms []domain.Platform
		for _, conn := range connector.Active() {
			if len(manager.Registry().ForRepository(repository, conn.Platform())) > 0 {
				platforms = append(platforms, conn.Platform())
			}
		}
		if len(platforms) == 0 {
			return map[string]json.RawMessage{"build_triggered": mustJSON(false)}, nil
		}

		op, err := manager.TriggerCrossPlatform(ctx, repository, platforms, branch, nil)
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{
			"build_triggered": mustJSON(true),
			"operation_id":    mustJSON(op.ID),
		}, nil
	})

	targets := notifyTargets(cfg)
	o.RegisterHandler(workflow.TaskNotify, func(ctx context.Context, _, input map[string]json.RawMessage) (map[string]json.RawMessage, error) {
		if len(targets) == 0 {
			return map[string]json.RawMessage{"notified": mustJSON(false)}, nil
		}
		msg := notify.Message{
			Title:    fmt.Sprintf("Workflow run for %s", decodeString(input["repository"])),
			Content:  fmt.Sprintf("Triggered by %s on %s", decodeString(input["event_kind"]), decodeString(input["ref"])),
			Severity: notify.SeverityInfo,
		}
		multi := notifier.SendMultiPlatform(ctx, targets, msg)
		return map[string]json.RawMessage{"notified": mustJSON(multi.OverallSuccess)}, nil
	})
}

func notifyTargets(cfg *config.Config) []notify.PlatformConfig {
	var targets []notify.PlatformConfig
	if cfg.SlackWebhookURL != "" {
		targets = append(targets, notify.PlatformConfig{
			Platform:   notify.PlatformSlack,
			WebhookURL: cfg.SlackWebhookURL,
		})
	}
	if cfg.NotifyWebhookURL != "" {
		targets = append(targets, notify.PlatformConfig{
			Platform:   notify.PlatformWebhook,
			WebhookURL: cfg.NotifyWebhookURL,
		})
	}
	return targets
}

func parseWatch(spec string) (ingest.RepoConfig, error) {
	name, path, ok := strings.Cut(spec, "=")
	if !ok || name == "" || path == "" {
		return ingest.RepoConfig{}, fmt.Errorf("invalid --watch %q, want name=path", spec)
	}
	return ingest.RepoConfig{Repository: name, Path: path}, nil
}

func serve(ctx context.Context, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return raw
}

func decodeString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
