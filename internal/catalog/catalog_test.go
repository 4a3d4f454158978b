package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()

	etim, ok := c.SharedService("etim")
	require.True(t, ok)
	assert.Equal(t, "etim", etim.Host)
	assert.Equal(t, "/health", etim.HealthPath)

	pg, ok := c.Connector("postgres")
	require.True(t, ok)
	assert.Equal(t, KindSidecar, pg.Kind)
	assert.GreaterOrEqual(t, pg.Offset, 30)

	_, ok = c.Connector("unknown-xyz")
	assert.False(t, ok)

	names := c.ConnectorNames()
	assert.IsIncreasing(t, names)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown kind",
			yaml: "connectors:\n  - name: foo\n    kind: magic\n",
			want: "unknown kind",
		},
		{
			name: "sidecar without image",
			yaml: "connectors:\n  - name: foo\n    kind: sidecar\n    offset: 30\n    container_port: 80\n",
			want: "requires an image",
		},
		{
			name: "sidecar on baseline offset",
			yaml: "connectors:\n  - name: foo\n    kind: sidecar\n    image: x\n    offset: 10\n    container_port: 80\n",
			want: "already used by baseline",
		},
		{
			name: "colliding sidecar offsets",
			yaml: "connectors:\n  - {name: a, kind: sidecar, image: x, offset: 30, container_port: 80}\n  - {name: b, kind: sidecar, image: y, offset: 30, container_port: 80}\n",
			want: "already used by a",
		},
		{
			name: "duplicate connector",
			yaml: "connectors:\n  - {name: a, kind: api}\n  - {name: a, kind: api}\n",
			want: "duplicate name",
		},
		{
			name: "invalid name",
			yaml: "connectors:\n  - {name: Bad Name, kind: api}\n",
			want: "invalid name",
		},
		{
			name: "connector named like a baseline unit",
			yaml: "connectors:\n  - {name: embeddings, kind: api}\n",
			want: "taken by a baseline unit",
		},
		{
			name: "connector name ends in a baseline unit",
			yaml: "connectors:\n  - {name: foo-inference, kind: api}\n",
			want: `name ends in unit name "inference"`,
		},
		{
			name: "connector name ends in another connector",
			yaml: "connectors:\n  - {name: postgres, kind: api}\n  - {name: legacy-postgres, kind: api}\n",
			want: `connector "legacy-postgres": name ends in unit name "postgres"`,
		},
		{
			name: "shared without port",
			yaml: "shared:\n  - name: etim\n",
			want: "valid port",
		},
		{
			name: "malformed yaml",
			yaml: "connectors: [",
			want: "parse catalog",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStatic(t *testing.T) {
	c := Default()
	assert.Same(t, c, NewStatic(c).Current())
}

func writeCatalog(t *testing.T, path, body string) {
	t.Helper()
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte(body), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, "connectors:\n  - {name: openai, kind: api}\n")

	w, err := NewWatcher(path, zerolog.Nop())
	require.NoError(t, err)
	_, ok := w.Current().Connector("hubspot")
	require.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before editing.
	time.Sleep(50 * time.Millisecond)
	writeCatalog(t, path, "connectors:\n  - {name: openai, kind: api}\n  - {name: hubspot, kind: api}\n")

	require.Eventually(t, func() bool {
		_, ok := w.Current().Connector("hubspot")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	// A broken edit keeps the last good catalog.
	reloads := w.Reloads()
	writeCatalog(t, path, "connectors: [")
	time.Sleep(100 * time.Millisecond)
	_, ok = w.Current().Connector("hubspot")
	assert.True(t, ok)
	assert.Equal(t, reloads, w.Reloads())
}

func TestNewWatcher_MissingFile(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), zerolog.Nop())
	require.Error(t, err)
}
