package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaperDigest/internal/config"
	"PaperDigest/internal/domain"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("database:\n  driver: sqlite\n  dsn: " + filepath.Join(t.TempDir(), "app.db") + "\n"))
	require.NoError(t, err)
	cfg.LLM.APIKey = ""
	return cfg
}

func TestNewWithoutModel(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	require.NoError(t, a.Migrate(ctx))
	assert.Nil(t, a.engine)
	assert.Nil(t, a.advisor)

	require.ErrorIs(t, a.Classify(ctx), domain.ErrConfiguration)
	require.ErrorIs(t, a.Advise(ctx), domain.ErrConfiguration)
	require.NoError(t, a.Deliver(ctx, "", ""))

	n, err := a.Replay(ctx, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = a.suggestionReader().LatestSuggestions(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestNewWithModel(t *testing.T) {
	cfg := testConfig(t)
	cfg.LLM.APIKey = "sk-test"
	cfg.ML.InferenceURL = "http://127.0.0.1:1"

	a, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.NotNil(t, a.engine)
	assert.NotNil(t, a.advisor)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = "mysql"
	_, err := New(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
