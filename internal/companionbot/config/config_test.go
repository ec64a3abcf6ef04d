package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	vars := map[string]string{
		"WEBHOOK_PORT":         "8080",
		"INSTALLATION_LOGIN":   "paritytech",
		"DB_PATH":              "/tmp/db",
		"REPOSITORIES_PATH":    "/tmp/repos",
		"PRIVATE_KEY_PATH":     "/tmp/key.pem",
		"WEBHOOK_SECRET":       "shh",
		"GITHUB_APP_ID":        "12345",
		"GITLAB_URL":           "https://gitlab.parity.io",
		"GITLAB_ACCESS_TOKEN":  "token",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoad_MissingRequiredVar(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("WEBHOOK_SECRET", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.WebhookPort)
	assert.Equal(t, int64(12345), cfg.GithubAppID)
	assert.Equal(t, "https://github.com", cfg.GithubSourcePrefix)
	assert.False(t, cfg.DisableOrgChecks)
	assert.Nil(t, cfg.DependencyUpdates)
}

func TestLoad_DependencyUpdateConfiguration(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEPENDENCY_UPDATE_CONFIGURATION", "polkadot=substrate:cumulus=substrate+polkadot")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"substrate"}, cfg.DependenciesFor("polkadot"))
	assert.Equal(t, []string{"substrate", "polkadot"}, cfg.DependenciesFor("cumulus"))
	assert.Nil(t, cfg.DependenciesFor("unconfigured"))
}

func TestLoad_DependencyUpdateConfiguration_Malformed(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEPENDENCY_UPDATE_CONFIGURATION", "polkadot")

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_DependencyUpdateConfigPath(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "dependency-updates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dependency_updates:
  polkadot:
    - substrate
  cumulus:
    - substrate
    - polkadot
`), 0o600))
	t.Setenv("DEPENDENCY_UPDATE_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"substrate"}, cfg.DependenciesFor("polkadot"))
	assert.Equal(t, []string{"substrate", "polkadot"}, cfg.DependenciesFor("cumulus"))
}

func TestLoad_DependencyUpdateConfiguration_OverridesConfigPath(t *testing.T) {
	setRequiredEnv(t)
	path := filepath.Join(t.TempDir(), "dependency-updates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dependency_updates:
  polkadot:
    - from-file
`), 0o600))
	t.Setenv("DEPENDENCY_UPDATE_CONFIG_PATH", path)
	t.Setenv("DEPENDENCY_UPDATE_CONFIGURATION", "polkadot=from-env")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"from-env"}, cfg.DependenciesFor("polkadot"))
}

func TestLoad_DependencyUpdateConfigPath_Missing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DEPENDENCY_UPDATE_CONFIG_PATH", filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestLoad_DisableOrgChecks(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("DISABLE_ORG_CHECKS", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.DisableOrgChecks)
}
