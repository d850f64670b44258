package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawld/internal/config"
)

const manifest = `
runner: ["/bin/sh", "-c", "echo crawling", "sh"]
projects:
  - name: shop
    versions:
      - version: "r1"
        spiders: [prices]
`

func testConfig(t *testing.T, manifestBody string) config.Config {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestBody), 0o600))
	return config.Config{
		Server:   config.ServerConfig{BindAddress: "127.0.0.1", Port: 6800, NodeName: "test-node"},
		Launcher: config.LauncherConfig{MaxProc: 2, FinishedToKeep: 10, LogsDir: filepath.Join(dir, "logs"), Runner: []string{"scrapy"}},
		Poller:   config.PollerConfig{Interval: 0},
		Queue:    config.QueueConfig{Backend: config.BackendMemory},
		Registry: config.RegistryConfig{Manifest: path},
		Events:   config.EventsConfig{Publisher: config.SinkNone},
		Archive:  config.ArchiveConfig{Backend: config.SinkNone},
	}
}

func TestBuildMemoryBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, manifest)
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	assert.Equal(t, []string{"shop"}, a.queues.Projects())
	assert.Nil(t, a.eventHub)
	assert.Equal(t, 2, a.launcher.MaxProc())
}

func TestBuildWiresEventHub(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, manifest)
	cfg.Events.Publisher = config.SinkMemory
	cfg.Archive.Backend = config.SinkMemory
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	assert.NotNil(t, a.eventHub)
}

func TestBuildErrors(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		mutate   func(*config.Config)
		manifest string
		want     string
	}{
		"bad manifest": {
			manifest: "projects: [",
			want:     "registry init failed",
		},
		"bad dsn": {
			manifest: manifest,
			mutate: func(c *config.Config) {
				c.Queue.Backend = config.BackendPostgres
				c.DB.DSN = "postgres://crawld@localhost:notaport/crawld"
			},
			want: "postgres queue init failed",
		},
		"no slots": {
			manifest: manifest,
			mutate: func(c *config.Config) {
				c.Launcher.MaxProc = 0
				c.Launcher.MaxProcPerCPU = 0
			},
			want: "launcher init failed",
		},
		"unwritable archive": {
			manifest: manifest,
			mutate: func(c *config.Config) {
				c.Archive.Backend = config.SinkLocal
				c.Archive.Dir = ""
			},
			want: "local blob store init failed",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig(t, tc.manifest)
			if tc.mutate != nil {
				tc.mutate(&cfg)
			}
			_, err := Build(context.Background(), cfg, zap.NewNop())
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestReloadOpensNewProjectQueues(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, manifest)
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	updated := manifest + `
  - name: news
    versions:
      - version: "r1"
        spiders: [headlines]
`
	require.NoError(t, os.WriteFile(cfg.Registry.Manifest, []byte(updated), 0o600))
	require.NoError(t, a.Reload(context.Background()))
	assert.Equal(t, []string{"news", "shop"}, a.queues.Projects())

	require.NoError(t, os.WriteFile(cfg.Registry.Manifest, []byte("projects: ["), 0o600))
	require.ErrorContains(t, a.Reload(context.Background()), "reload registry")
	assert.Equal(t, []string{"news", "shop"}, a.queues.Projects())
}

func TestHandlerServesDaemonStatus(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, manifest)
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(context.Background())) })

	req, err := http.NewRequest(http.MethodGet, "/daemonstatus.json", nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test-node", body["node_name"])
	assert.EqualValues(t, 0, body["pending"])
}
