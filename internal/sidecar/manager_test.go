package sidecar

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0711-os/orchestrator/internal/catalog"
	"github.com/0711-os/orchestrator/internal/lock"
	"github.com/0711-os/orchestrator/internal/manifest"
	"github.com/0711-os/orchestrator/internal/model"
	"github.com/0711-os/orchestrator/internal/notify"
	"github.com/0711-os/orchestrator/internal/reconciler"
	"github.com/0711-os/orchestrator/internal/runtime/runtimetest"
)

type fixture struct {
	rt      *runtimetest.Fake
	store   *manifest.FileStore
	states  *reconciler.MemoryStateStore
	events  *notify.Recorder
	locker  *lock.Keyed
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	gen := manifest.NewGenerator(catalog.NewStatic(catalog.Default()), manifest.DefaultImages())
	m, err := gen.Generate(manifest.GenerateInput{
		CustomerID:  "acme",
		CompanyName: "Acme GmbH",
		Allocation:  model.ResourceAllocation{CustomerID: "acme", BasePort: 5100, BlockWidth: 100},
		Connectors:  []string{"etim"},
		StorageRoot: root,
	})
	require.NoError(t, err)

	f := &fixture{
		rt:     runtimetest.New(),
		store:  manifest.NewFileStore(root),
		states: reconciler.NewMemoryStateStore(),
		events: notify.NewRecorder(8),
		locker: lock.NewKeyed(root),
	}
	require.NoError(t, f.store.Save("acme", m))
	require.NoError(t, f.states.Put(context.Background(), &model.DeploymentState{
		CustomerID:   "acme",
		Status:       model.StatusDeployed,
		RunningUnits: []string{"console-backend", "console-frontend", "embeddings", "inference"},
	}))

	f.manager = NewManager(catalog.NewStatic(catalog.Default()), f.store, f.rt, f.locker, zerolog.Nop(),
		WithStateStore(f.states), WithSink(f.events))
	return f
}

func (f *fixture) read(t *testing.T) []byte {
	t.Helper()
	data, err := f.store.Read("acme")
	require.NoError(t, err)
	return data
}

func TestAdd_StartsUnitAndRecordsIt(t *testing.T) {
	f := newFixture(t)
	before, err := f.store.Load("acme")
	require.NoError(t, err)

	res, err := f.manager.Add(context.Background(), AddRequest{
		CustomerID: "acme",
		Connector:  "postgres",
		Config:     map[string]string{"dsn": "postgres://erp"},
		LicenseKey: "lic-123",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SidecarRunning, res.Status)
	assert.Equal(t, 5130, res.HostPort)
	assert.Equal(t, "acme-postgres", res.Container)

	// Only the new unit was started.
	assert.Equal(t, []string{"network acme-net", "start acme/postgres"}, f.rt.Calls())

	spec, ok := f.rt.Spec("acme", "postgres")
	require.True(t, ok)
	assert.Equal(t, "lic-123", spec.Service.Environment["LICENSE_KEY"])
	assert.Equal(t, "postgres://erp", spec.Service.Environment["CONNECTOR_CONFIG_DSN"])
	assert.NotEmpty(t, spec.SpecHash)

	after, err := f.store.Load("acme")
	require.NoError(t, err)
	require.Contains(t, after.Services, "postgres")
	for name, unit := range before.Services {
		assert.Equal(t, unit, after.Services[name], name)
	}

	st, err := f.states.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Contains(t, st.RunningUnits, "postgres")
	assert.Equal(t, model.StatusDeployed, st.Status)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventConnectorInstalled, events[0].Type)
}

func TestAdd_AlreadyPresentIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.NoError(t, err)
	f.rt.ResetCalls()
	snapshot := f.read(t)

	res, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.NoError(t, err)
	assert.Equal(t, model.SidecarPresent, res.Status)
	assert.Equal(t, 5130, res.HostPort)
	assert.Empty(t, f.rt.Calls())
	assert.Equal(t, snapshot, f.read(t))
}

func TestAdd_RuntimeFailureLeavesManifest(t *testing.T) {
	f := newFixture(t)
	snapshot := f.read(t)
	f.rt.FailOn("start", "postgres", runtimetest.ErrSimulated)

	_, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.Error(t, err)
	var rce *model.RuntimeControlError
	require.ErrorAs(t, err, &rce)
	assert.Equal(t, "simulated failure", rce.Output)
	assert.Equal(t, snapshot, f.read(t))
	assert.Empty(t, f.events.Events())
}

type failingAdd struct {
	*manifest.FileStore
}

func (failingAdd) AddUnit(string, string, model.ServiceUnit) error {
	return errors.New("disk full")
}

func TestAdd_PersistFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.manager.manifests = failingAdd{f.store}

	_, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, []string{"network acme-net", "start acme/postgres", "stop acme/postgres", "remove acme/postgres"}, f.rt.Calls())
	assert.Empty(t, f.rt.Running("acme"))

	st, err := f.states.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotContains(t, st.RunningUnits, "postgres")
}

func TestAdd_Rejections(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name    string
		req     AddRequest
		wantErr error
	}{
		{"unknown customer", AddRequest{CustomerID: "globex", Connector: "postgres"}, model.ErrNotFound},
		{"unknown connector", AddRequest{CustomerID: "acme", Connector: "carrier-pigeon"}, model.ErrNotFound},
		{"shared connector", AddRequest{CustomerID: "acme", Connector: "etim"}, model.ErrValidation},
		{"api connector", AddRequest{CustomerID: "acme", Connector: "openai"}, model.ErrValidation},
		{"bad customer id", AddRequest{CustomerID: "Acme Corp", Connector: "postgres"}, model.ErrValidation},
		{"missing connector", AddRequest{CustomerID: "acme"}, model.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.Add(context.Background(), tt.req)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Empty(t, f.rt.Calls())
}

func TestAdd_NeedsDeploymentState(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.states.Delete(context.Background(), "acme"))
	before := f.read(t)

	_, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, f.rt.Calls())
	assert.Equal(t, before, f.read(t))
}

func TestAdd_RetiredManifestHasNoDeployment(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Retire("acme", time.Now())
	require.NoError(t, err)

	_, err = f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, f.rt.Calls())
	assert.False(t, f.store.Exists("acme"))
}

func TestAdd_WaitsForCustomerLock(t *testing.T) {
	f := newFixture(t)
	unlock, err := f.locker.Lock(context.Background(), "acme")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = f.manager.Add(ctx, AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.rt.Calls())

	unlock()
	res, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.NoError(t, err)
	assert.Equal(t, model.SidecarRunning, res.Status)
}

func TestRemove_DetachesUnit(t *testing.T) {
	f := newFixture(t)
	before := f.read(t)
	_, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.NoError(t, err)
	f.events.Events()

	removed, err := f.manager.Remove(context.Background(), "acme", "postgres")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, before, f.read(t))
	assert.Empty(t, f.rt.Running("acme"))

	st, err := f.states.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotContains(t, st.RunningUnits, "postgres")
	assert.Len(t, st.RunningUnits, 4)

	events := f.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventConnectorUninstalled, events[0].Type)
}

func TestRemove_AbsentUnitIsNoop(t *testing.T) {
	f := newFixture(t)
	info, err := os.Stat(f.store.Path("acme"))
	require.NoError(t, err)
	snapshot := f.read(t)

	removed, err := f.manager.Remove(context.Background(), "acme", "sharepoint")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, snapshot, f.read(t))
	assert.Empty(t, f.rt.Calls())

	after, err := os.Stat(f.store.Path("acme"))
	require.NoError(t, err)
	assert.Equal(t, info.ModTime(), after.ModTime())
}

func TestRemove_RuntimeFailureKeepsEntry(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Add(context.Background(), AddRequest{CustomerID: "acme", Connector: "postgres"})
	require.NoError(t, err)
	snapshot := f.read(t)
	f.rt.FailOn("remove", "postgres", runtimetest.ErrSimulated)

	removed, err := f.manager.Remove(context.Background(), "acme", "postgres")
	require.Error(t, err)
	assert.False(t, removed)
	assert.Equal(t, snapshot, f.read(t))
}

func TestRemove_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.Remove(context.Background(), "acme", manifest.UnitInference)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.manager.Remove(context.Background(), "globex", "postgres")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.manager.Remove(context.Background(), "ACME", "postgres")
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Empty(t, f.rt.Calls())
}
