package app

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imgbuild/internal/events"
	"imgbuild/internal/models"
)

func testConfig(t *testing.T) *models.Config {
	cfg := models.DefaultConfig()
	cfg.WatchDir = filepath.Join(t.TempDir(), "drop")
	cfg.PreviewSize = 32
	return &cfg
}

func pngFile(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestInit_OptionalComponentsOff(t *testing.T) {
	cfg := models.DefaultConfig()
	a, err := Init(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)

	assert.IsType(t, events.Nop{}, a.Publisher)
	assert.Nil(t, a.Storage)
	assert.Nil(t, a.watcher)
	assert.Nil(t, a.consumer)
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestWatcherFeedsCoordinator(t *testing.T) {
	cfg := testConfig(t)
	a, err := Init(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	a.Start(context.Background())
	defer func() { require.NoError(t, a.Shutdown(context.Background())) }()

	pngFile(t, filepath.Join(cfg.WatchDir, "dropped.png"))

	require.Eventually(t, func() bool { return len(a.Coordinator.List()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "dropped.png", a.Coordinator.List()[0].Name)
}

func TestAddRequest(t *testing.T) {
	cfg := models.DefaultConfig()
	a, err := Init(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Shutdown(context.Background())

	path := filepath.Join(t.TempDir(), "queued.png")
	pngFile(t, path)

	require.NoError(t, a.addRequest(events.IntakeRequest{Name: "renamed.png", Path: path}))
	assert.Error(t, a.addRequest(events.IntakeRequest{Path: filepath.Join(t.TempDir(), "missing.png")}))

	items := a.Coordinator.List()
	require.Len(t, items, 1)
	assert.Equal(t, "renamed.png", items[0].Name)
}
