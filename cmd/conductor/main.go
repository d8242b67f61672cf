// Command conductor is Conductor's process entrypoint: an HTTP+worker
// service that drives the task/subtask state machines described in
// internal/taskfsm and internal/subtaskfsm, fed by GitHub webhooks and
// backed by Postgres.
//
// The subcommand structure (serve/migrate/trigger under one rootCmd) is
// grounded on C360Studio-semspec's cmd/semspec/main.go and
// cklxx-elephant.ai's cmd/alex cobra_cli.go, replacing the teacher's plugin
// lifecycle hooks (OnActivate/OnDeactivate, cluster.Schedule) -- there is no
// plugin host here, so those become an explicit main() wiring phase plus a
// robfig/cron/v3 scheduler for the periodic janitor sweep.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/agentrunner"
	"github.com/conductor-dev/conductor/internal/config"
	"github.com/conductor-dev/conductor/internal/ghclient"
	"github.com/conductor-dev/conductor/internal/httpapi"
	"github.com/conductor-dev/conductor/internal/logging"
	"github.com/conductor-dev/conductor/internal/metrics"
	"github.com/conductor-dev/conductor/internal/notifier"
	"github.com/conductor-dev/conductor/internal/queue"
	"github.com/conductor-dev/conductor/internal/store"
	"github.com/conductor-dev/conductor/internal/subtaskfsm"
	"github.com/conductor-dev/conductor/internal/taskfsm"
	"github.com/conductor-dev/conductor/internal/webhookintake"
	"github.com/conductor-dev/conductor/internal/workspace"
)

const migrationsDir = "db/migrations"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor drives autonomous coding agents from a GitHub project board",
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".conductor.yml", "path to the repository's conductor config file")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newTriggerCmd())

	return root
}

// --- serve ---

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background job consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	log := logging.New(os.Stderr, envOr("CONDUCTOR_LOG_LEVEL", "info"))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	dsn := requireEnv("CONDUCTOR_DATABASE_URL")
	db, err := store.Open(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	q := queue.New(db.DB(), log)
	gh := ghclient.NewClient(os.Getenv("CONDUCTOR_GITHUB_TOKEN"))
	ws := workspace.NewManager(envOr("CONDUCTOR_WORKSPACES_ROOT", "/var/lib/conductor/workspaces"), workspace.BotIdentity{
		Name:  envOr("CONDUCTOR_BOT_NAME", "conductor-bot"),
		Email: envOr("CONDUCTOR_BOT_EMAIL", "conductor-bot@users.noreply.github.com"),
	})
	metricsComponent := metrics.New(db, log)

	repoOwnerName := func(repositoryFullName string) (owner, name string) {
		parts := strings.SplitN(repositoryFullName, "/", 2)
		if len(parts) != 2 {
			return repositoryFullName, ""
		}
		return parts[0], parts[1]
	}
	repoCloneURL := func(repositoryFullName string) string {
		return fmt.Sprintf("https://github.com/%s.git", repositoryFullName)
	}
	installationToken := os.Getenv("CONDUCTOR_GITHUB_TOKEN")
	credential := func(installationID int64) workspace.Credential {
		return workspace.Credential{Username: "x-access-token", Token: installationToken}
	}
	defaultBranch := func(ctx context.Context, repositoryFullName string) (string, error) {
		owner, name := repoOwnerName(repositoryFullName)
		return gh.GetDefaultBranch(ctx, owner, name)
	}

	taskDeps := taskfsm.Dependencies{
		Store:             db,
		Queue:             q,
		GH:                gh,
		Workspace:         ws,
		RunAgent:          agentrunner.Run,
		RepoCloneURL:      repoCloneURL,
		DefaultBranch:     defaultBranch,
		RepoOwnerName:     repoOwnerName,
		ProjectFieldCache: &taskfsm.ProjectFieldCache{},
		Config:            cfg,
		Now:               time.Now,
		Nonce:             newNonce,
		Log:               log,
	}

	subtaskDeps := subtaskfsm.Dependencies{
		Store:         db,
		Workspace:     ws,
		RunAgent:      agentrunner.Run,
		Credential:    credential,
		RepoCloneURL:  repoCloneURL,
		DefaultBranch: defaultBranch,
		BranchPattern: cfg.Workflow.BranchPattern,
		Log:           log,
	}
	subtaskDeps.SubAgentConfig.Model = cfg.Agents.SubAgent.Model
	subtaskDeps.SubAgentConfig.MaxTurns = cfg.Agents.SubAgent.MaxTurns
	subtaskDeps.SubAgentConfig.TimeoutMinutes = cfg.Agents.SubAgent.TimeoutMinutes

	webhookDeps := webhookintake.Dependencies{
		Store:  db,
		Queue:  q,
		GH:     gh,
		Config: cfg,
		Now:    time.Now,
		Nonce:  newNonce,
		Log:    log,
	}

	notifierDeps := notifier.Dependencies{
		Store:  db,
		Config: cfg,
		Log:    log,
	}

	router := httpapi.NewRouter(httpapi.Dependencies{
		Store:          db,
		Queue:          q,
		Config:         cfg,
		Metrics:        metricsComponent,
		WebhookHandler: webhookintake.Handle(webhookDeps),
		Now:            time.Now,
		Log:            log,
	})

	server := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: router,
	}

	taskConsumer := queue.NewConsumer(q, queue.Tasks, 2, func(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
		var payload taskfsm.Payload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal task payload: %w", err)
		}
		return taskfsm.Process(ctx, taskDeps, payload)
	})
	subtaskConcurrency := cfg.Agents.SubAgent.MaxParallel
	if subtaskConcurrency < 1 {
		subtaskConcurrency = 1
	}
	subtaskConsumer := queue.NewConsumer(q, queue.Subtasks, subtaskConcurrency, func(ctx context.Context, job queue.Job, progress queue.ProgressFunc) error {
		var payload subtaskfsm.Payload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal subtask payload: %w", err)
		}
		return subtaskfsm.Process(ctx, subtaskDeps, payload)
	})
	notificationConsumer := queue.NewConsumer(q, queue.Notifications, 5, notifier.Handler(notifierDeps))

	consumers := []*queue.Consumer{taskConsumer, subtaskConsumer, notificationConsumer}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5m", func() {
		reclaimCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		n, err := q.ReclaimStuck(reclaimCtx, 10*time.Minute)
		if err != nil {
			log.Error().Err(err).Msg("janitor: failed to reclaim stuck jobs")
			return
		}
		if n > 0 {
			log.Info().Int64("count", n).Msg("janitor: reclaimed stuck jobs")
		}
	}); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	for _, c := range consumers {
		go func(c *queue.Consumer) {
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}(c)
	}
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("conductor: listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("conductor: fatal error, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}

// --- migrate ---

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := requireEnv("CONDUCTOR_DATABASE_URL")
			db, err := sql.Open("postgres", dsn)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()

			if err := goose.SetDialect("postgres"); err != nil {
				return fmt.Errorf("set goose dialect: %w", err)
			}
			return goose.Up(db, migrationsDir)
		},
	}
}

// --- trigger ---

func newTriggerCmd() *cobra.Command {
	var (
		serverURL string
		token     string
		repo      string
		title     string
		desc      string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Create a task on a running conductor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrigger(cmd.Context(), serverURL, token, repo, title, desc)
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "conductor server base URL")
	cmd.Flags().StringVar(&token, "token", os.Getenv("CONDUCTOR_SERVER_TOKEN"), "bearer token for the conductor server")
	cmd.Flags().StringVar(&repo, "repo", "", "repository full name (owner/name)")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&desc, "description", "", "task description")
	return cmd
}

func runTrigger(ctx context.Context, serverURL, token, repo, title, desc string) error {
	if repo == "" || title == "" {
		return fmt.Errorf("--repo and --title are required")
	}

	body, err := json.Marshal(httpapi.TriggerRequest{
		RepositoryFullName: repo,
		Title:              title,
		Description:        desc,
	})
	if err != nil {
		return fmt.Errorf("marshal trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/trigger", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	fmt.Println("task created")
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		fmt.Fprintf(os.Stderr, "missing required environment variable %s\n", key)
		os.Exit(1)
	}
	return v
}

func newNonce() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
