// Package config holds the immutable process-wide configuration for the
// companion merge orchestrator: GitHub App identity, GitLab endpoint, the
// dependency-update policy, and the handful of optional knobs the source
// material environment exposes.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the immutable process-wide configuration. It is resolved once at
// startup from the environment and threaded through component constructors —
// there is no global config singleton.
type Config struct {
	WebhookPort      int
	InstallationLogin string
	DBPath           string
	RepositoriesPath string
	PrivateKeyPath   string
	WebhookSecret    string
	GithubAppID      int64
	GitlabURL        string
	GitlabToken      string

	WebhookProxyURL string
	DisableOrgChecks bool

	GithubSourcePrefix string
	GithubSourceSuffix string

	// DependencyUpdates maps a repo name to the ordered list of dependency
	// repos that must be updated in its manifest before it can merge.
	DependencyUpdates map[string][]string
}

// requiredEnvVars lists the environment variables spec.md §6 marks required.
var requiredEnvVars = []string{
	"WEBHOOK_PORT",
	"INSTALLATION_LOGIN",
	"DB_PATH",
	"REPOSITORIES_PATH",
	"PRIVATE_KEY_PATH",
	"WEBHOOK_SECRET",
	"GITHUB_APP_ID",
	"GITLAB_URL",
	"GITLAB_ACCESS_TOKEN",
}

// Load resolves Config from the process environment. It returns an error
// naming the first missing required variable.
func Load() (Config, error) {
	values := make(map[string]string, len(requiredEnvVars))
	for _, name := range requiredEnvVars {
		v := os.Getenv(name)
		if v == "" {
			return Config{}, fmt.Errorf("missing required environment variable: %s", name)
		}
		values[name] = v
	}

	port, err := strconv.Atoi(values["WEBHOOK_PORT"])
	if err != nil {
		return Config{}, fmt.Errorf("parsing WEBHOOK_PORT: %w", err)
	}

	appID, err := strconv.ParseInt(values["GITHUB_APP_ID"], 10, 64)
	if err != nil {
		return Config{}, fmt.Errorf("parsing GITHUB_APP_ID: %w", err)
	}

	depUpdates, err := resolveDependencyUpdates(os.Getenv("DEPENDENCY_UPDATE_CONFIGURATION"), os.Getenv("DEPENDENCY_UPDATE_CONFIG_PATH"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		WebhookPort:        port,
		InstallationLogin:  values["INSTALLATION_LOGIN"],
		DBPath:             values["DB_PATH"],
		RepositoriesPath:   values["REPOSITORIES_PATH"],
		PrivateKeyPath:     values["PRIVATE_KEY_PATH"],
		WebhookSecret:      values["WEBHOOK_SECRET"],
		GithubAppID:        appID,
		GitlabURL:          values["GITLAB_URL"],
		GitlabToken:        values["GITLAB_ACCESS_TOKEN"],
		WebhookProxyURL:    os.Getenv("WEBHOOK_PROXY_URL"),
		DisableOrgChecks:   os.Getenv("DISABLE_ORG_CHECKS") != "",
		GithubSourcePrefix: envOrDefault("GITHUB_SOURCE_PREFIX", "https://github.com"),
		GithubSourceSuffix: os.Getenv("GITHUB_SOURCE_SUFFIX"),
		DependencyUpdates:  depUpdates,
	}

	return cfg, nil
}

func envOrDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// parseDependencyUpdateConfiguration parses the "repo=dep+dep:repo=dep" format
// from spec.md §6 into a repo -> ordered dependency list map. An empty input
// yields a nil map, not an error.
func parseDependencyUpdateConfiguration(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}

	result := make(map[string][]string)
	for _, entry := range strings.Split(raw, ":") {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed entry %q", entry)
		}
		repo := parts[0]
		deps := strings.Split(parts[1], "+")
		for _, d := range deps {
			if d == "" {
				return nil, fmt.Errorf("malformed entry %q: empty dependency", entry)
			}
		}
		result[repo] = deps
	}
	return result, nil
}

// dependencyUpdateFile is the shape of an optional YAML file listing
// dependency-update relationships, for operators who find the compact
// DEPENDENCY_UPDATE_CONFIGURATION string format unwieldy with many repos.
type dependencyUpdateFile struct {
	DependencyUpdates map[string][]string `yaml:"dependency_updates"`
}

// resolveDependencyUpdates applies the same env-over-file precedence
// internal/autoralph/credentials uses for its own optional YAML source:
// the compact env var wins if set; otherwise an optional YAML file at
// filePath is consulted; if neither is present the result is nil (no
// dependency updates configured).
func resolveDependencyUpdates(compact, filePath string) (map[string][]string, error) {
	if compact != "" {
		updates, err := parseDependencyUpdateConfiguration(compact)
		if err != nil {
			return nil, fmt.Errorf("parsing DEPENDENCY_UPDATE_CONFIGURATION: %w", err)
		}
		return updates, nil
	}
	if filePath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("reading DEPENDENCY_UPDATE_CONFIG_PATH %s: %w", filePath, err)
	}
	var f dependencyUpdateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing DEPENDENCY_UPDATE_CONFIG_PATH %s: %w", filePath, err)
	}
	return f.DependencyUpdates, nil
}

// DependenciesFor returns the ordered list of dependency repos to update
// before merging a PR of the given repo. Returns nil if none are configured.
func (c Config) DependenciesFor(repo string) []string {
	return c.DependencyUpdates[repo]
}
