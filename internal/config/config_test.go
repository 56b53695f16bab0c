package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperDigest/internal/domain"
)

func TestParseOverlaysDefaults(t *testing.T) {
	t.Parallel()

	raw := []byte(`
database:
  driver: sqlite
  dsn: /tmp/papers.db
classification:
  concurrency: 8
  leaseDuration: 90s
delivery:
  timezone: Europe/Berlin
sites:
  - name: arxiv-rss
    scanner: arxiv-rss
    categories:
      - name: cs.AI
        url: https://rss.arxiv.org/rss/cs.AI
`)

	cfg, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Classification.Concurrency)
	assert.Equal(t, 90*time.Second, cfg.Classification.LeaseDuration)
	// untouched keys keep their defaults
	assert.Equal(t, 3, cfg.Classification.MaxAttempts)
	assert.Equal(t, 20, cfg.Feedback.MinVotes)
	assert.Equal(t, "Europe/Berlin", cfg.Delivery.Location().String())
	assert.Equal(t, 15*time.Minute, cfg.Delivery.SettleDelay)
	require.Len(t, cfg.Sites, 1)
	assert.Equal(t, "arxiv-rss", cfg.Sites[0].Scanner)
	require.NoError(t, cfg.Validate())
}

func TestParseKeepsDefaultSites(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("logging:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Sites, 1)
	assert.Equal(t, "arxiv", cfg.Sites[0].Scanner)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	t.Parallel()

	cfg := defaultConfig()
	cfg.Database.Driver = "mysql"
	cfg.Classification.Concurrency = 0
	cfg.Delivery.SettleDelay = time.Minute
	cfg.Sites = append(cfg.Sites, SiteConfig{Name: "empty", Scanner: "arxiv"})

	err := cfg.Validate()
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "concurrency")
	assert.Contains(t, err.Error(), "settleDelay")
	assert.Contains(t, err.Error(), `site "empty"`)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: from-file\n"), 0o600))

	t.Setenv(configPathEnv, path)
	t.Setenv(databaseDSNEnv, "postgres://env/papers")
	t.Setenv(llmAPIKeyEnv, "sk-test")
	t.Setenv(kafkaBrokersEnv, "k1:9092,k2:9092")

	cfg := Load()
	assert.Equal(t, "from-file", cfg.LLM.Model)
	assert.Equal(t, "postgres://env/papers", cfg.Database.DSN)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Events.KafkaBrokers)
	assert.True(t, cfg.HasLLM())
}

func TestUnknownTimezoneFallsBackToUTC(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("delivery:\n  timezone: Mars/Olympus\n"))
	require.NoError(t, err)
	assert.Equal(t, "UTC", cfg.Delivery.Location().String())
}
