// Command companionbot runs the companion merge orchestrator: a GitHub App
// that listens for `bot *` commands and status/check webhooks, evaluates
// merge readiness, and drives companion PR cascades to completion.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v68/github"

	"github.com/companion-bot/companion-bot/internal/companionbot/companion"
	"github.com/companion-bot/companion-bot/internal/companionbot/config"
	"github.com/companion-bot/companion-bot/internal/companionbot/github"
	"github.com/companion-bot/companion-bot/internal/companionbot/gitlab"
	"github.com/companion-bot/companion-bot/internal/companionbot/gitworker"
	"github.com/companion-bot/companion-bot/internal/companionbot/orchestrator"
	"github.com/companion-bot/companion-bot/internal/companionbot/store"
	"github.com/companion-bot/companion-bot/internal/companionbot/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "companionbot:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	privateKeyPEM, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key %s: %w", cfg.PrivateKeyPath, err)
	}

	installationID, err := resolveInstallationID(ctx, cfg.GithubAppID, privateKeyPEM, cfg.InstallationLogin)
	if err != nil {
		return fmt.Errorf("resolving installation for %s: %w", cfg.InstallationLogin, err)
	}

	ghClient, err := github.New(github.AppAuth{
		AppID:          cfg.GithubAppID,
		InstallationID: installationID,
		PrivateKeyPEM:  privateKeyPEM,
	},
		// spec.md §7 UpstreamTransient policy: exponential backoff, base 1s,
		// factor 2, cap 30s, max 5 attempts.
		github.WithRetryBackoff(1*time.Second, 2*time.Second, 4*time.Second, 8*time.Second),
		github.WithMaxAttempts(5),
	)
	if err != nil {
		return fmt.Errorf("creating GitHub client: %w", err)
	}

	glClient, err := gitlab.New(cfg.GitlabURL, cfg.GitlabToken, cfg.InstallationLogin)
	if err != nil {
		return fmt.Errorf("creating GitLab client: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	gitWorker := gitworker.New(cfg.RepositoriesPath, ghClient)

	prFetcher := orchestrator.GitHubPRFetcher{GitHub: ghClient}
	resolver := &companion.Resolver{
		GitHub:       prFetcher,
		SourcePrefix: cfg.GithubSourcePrefix,
		SourceSuffix: cfg.GithubSourceSuffix,
	}

	orch := orchestrator.New(ghClient, glClient, gitWorker, resolver, st, orchestrator.Config{
		InstallationLogin: cfg.InstallationLogin,
		DependencyUpdates: cfg.DependencyUpdates,
		DisableOrgChecks:  cfg.DisableOrgChecks,
		BotLogin:          cfg.InstallationLogin + "[bot]",
	})

	slog.Info("replaying pending merges")
	if err := orch.Startup(ctx); err != nil {
		return fmt.Errorf("replaying pending merges: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /webhook", &webhook.Handler{
		Secret:       []byte(cfg.WebhookSecret),
		Orchestrator: orch,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.WebhookPort),
		Handler: mux,
	}

	go func() {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server stopped unexpectedly", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// resolveInstallationID looks up the installation ID for a GitHub App
// installed on an organization, given only the organization's login — so
// operators configure INSTALLATION_LOGIN rather than tracking a numeric ID.
func resolveInstallationID(ctx context.Context, appID int64, privateKeyPEM []byte, login string) (int64, error) {
	atr, err := ghinstallation.NewAppsTransport(http.DefaultTransport, appID, privateKeyPEM)
	if err != nil {
		return 0, fmt.Errorf("creating app transport: %w", err)
	}
	client := gh.NewClient(&http.Client{Transport: atr})

	installation, _, err := client.Apps.FindOrganizationInstallation(ctx, login)
	if err != nil {
		return 0, fmt.Errorf("finding organization installation: %w", err)
	}
	return installation.GetID(), nil
}
