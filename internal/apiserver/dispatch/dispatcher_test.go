package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/apiserver/runs"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/model"
	sqlitedriver "runplane/internal/shared/storage/driver/sqlite"
	"runplane/internal/shared/storage/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEligibility 按 Listener ID 控制是否可领取
type fakeEligibility struct {
	mu      sync.Mutex
	blocked map[string]bool
}

func (f *fakeEligibility) IsEligible(ctx context.Context, listenerID, profile string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.blocked[listenerID], nil
}

type countingObserver struct {
	hits, misses atomic.Int64
}

func (o *countingObserver) ObserveClaim(hit bool) {
	if hit {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
}

func (o *countingObserver) ObserveTransition(string, model.RunStatus, model.RunStatus) {}

type fixture struct {
	store *repository.Store
	runs  *runs.Service
	live  *fakeEligibility
	obs   *countingObserver
	d     *Dispatcher
	pool  *model.AgentPool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	pool := &model.AgentPool{ID: model.NewID(model.PrefixPool), Name: model.DefaultPoolName, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreatePool(context.Background(), pool))

	live := &fakeEligibility{blocked: map[string]bool{}}
	obs := &countingObserver{}
	d := New(store, live, Config{Batch: 5, Job: jobbuilder.Options{Image: "runner:test", APIURL: "https://api.test"}}, WithObserver(obs))
	return &fixture{
		store: store,
		runs:  runs.NewService(store, auth.ClaimsGate{}, runs.Options{}),
		live:  live,
		obs:   obs,
		d:     d,
		pool:  pool,
	}
}

var admin = &auth.Caller{ID: "admin", Role: auth.RoleAdmin}

func (f *fixture) workspace(t *testing.T, profile string, mutate func(*model.Workspace)) *model.Workspace {
	t.Helper()
	now := time.Now().UTC()
	ws := &model.Workspace{
		ID:               model.NewID(model.PrefixWorkspace),
		Name:             "ws",
		ExecutionProfile: profile,
		ResourceCPU:      "2",
		ResourceMemory:   "4Gi",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ws.ApplyDefaults()
	if mutate != nil {
		mutate(ws)
	}
	require.NoError(t, f.store.CreateWorkspace(context.Background(), ws))
	return ws
}

func (f *fixture) run(t *testing.T, ws *model.Workspace, req runs.CreateRequest) *model.Run {
	t.Helper()
	req.WorkspaceID = ws.ID
	run, err := f.runs.Create(context.Background(), admin, req)
	require.NoError(t, err)
	return run
}

func TestClaimNext_SnapshotsDoubledLimitsAndBuildsPlanJob(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, "standard", func(w *model.Workspace) {
		w.ExecutionBackend = model.BackendTofu
		w.BackendVersion = "1.8.2"
	})
	run := f.run(t, ws, runs.CreateRequest{})

	claim, err := f.d.ClaimNext(context.Background(), "listener-1", f.pool.ID, "standard")
	require.NoError(t, err)
	require.NotNil(t, claim)

	assert.Equal(t, run.ID, claim.Run.ID)
	assert.Equal(t, model.RunStatusPlanning, claim.Run.Status)
	assert.True(t, claim.Run.AssignedTo("listener-1"))
	assert.Equal(t, "4", claim.Run.LimitCPU)
	assert.Equal(t, "8Gi", claim.Run.LimitMemory)
	assert.Equal(t, model.ExecutionBackend{Kind: model.BackendTofu, Version: "1.8.2"}, claim.Run.Backend)
	assert.NotNil(t, claim.Run.PlanStartedAt)

	require.NotNil(t, claim.Job)
	assert.Equal(t, model.PhasePlan, claim.Job.Phase)
	assert.Equal(t, model.ResourceSpec{CPU: "4", Memory: "8Gi"}, claim.Job.Resources.Limits)
	assert.Equal(t, 120, claim.Job.GracePeriodSeconds)
	assert.Equal(t, "runner:test", claim.Job.Image)
	assert.Equal(t, int64(1), f.obs.hits.Load())

	// 之后修改 Workspace 不影响已领取 Run 的快照
	ws.ResourceCPU = "8"
	ws.ExecutionBackend = model.BackendTerraform
	require.NoError(t, f.store.UpdateWorkspaceSettings(context.Background(), ws))
	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "4", got.LimitCPU)
	assert.Equal(t, model.BackendTofu, got.Backend.Kind)
}

func TestClaimNext_EmptyResults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := f.workspace(t, "standard", nil)
	f.run(t, ws, runs.CreateRequest{})

	f.live.blocked["listener-stale"] = true
	claim, err := f.d.ClaimNext(ctx, "listener-stale", f.pool.ID, "standard")
	require.NoError(t, err)
	assert.Nil(t, claim, "expired liveness gets no work")

	claim, err = f.d.ClaimNext(ctx, "listener-1", f.pool.ID, "gpu")
	require.NoError(t, err)
	assert.Nil(t, claim, "profile mismatch")

	claim, err = f.d.ClaimNext(ctx, "listener-1", "apool-other", "standard")
	require.NoError(t, err)
	assert.Nil(t, claim, "pool mismatch")

	assert.Equal(t, int64(3), f.obs.misses.Load())
}

func TestClaimNext_FIFOAcrossWorkspaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		ws := f.workspace(t, "standard", nil)
		ids = append(ids, f.run(t, ws, runs.CreateRequest{}).ID)
		time.Sleep(2 * time.Millisecond)
	}
	for _, want := range ids {
		claim, err := f.d.ClaimNext(ctx, "listener-1", f.pool.ID, "standard")
		require.NoError(t, err)
		require.NotNil(t, claim)
		assert.Equal(t, want, claim.Run.ID)
	}
}

func TestClaimNext_AtMostOneClaimer(t *testing.T) {
	f := newFixture(t)
	ws := f.workspace(t, "standard", nil)
	run := f.run(t, ws, runs.CreateRequest{})

	const claimers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []string
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			listenerID := fmt.Sprintf("listener-%d", i)
			claim, err := f.d.ClaimNext(context.Background(), listenerID, f.pool.ID, "standard")
			assert.NoError(t, err)
			if claim != nil {
				mu.Lock()
				winner = append(winner, listenerID)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Len(t, winner, 1)
	got, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.True(t, got.AssignedTo(winner[0]))
}

func TestClaimNext_EachRunClaimedOnce(t *testing.T) {
	f := newFixture(t)
	const total = 12
	for i := 0; i < total; i++ {
		ws := f.workspace(t, "standard", nil)
		f.run(t, ws, runs.CreateRequest{})
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			listenerID := fmt.Sprintf("listener-%d", i)
			for {
				claim, err := f.d.ClaimNext(context.Background(), listenerID, f.pool.ID, "standard")
				if !assert.NoError(t, err) || claim == nil {
					return
				}
				mu.Lock()
				_, dup := claimed[claim.Run.ID]
				assert.False(t, dup, "run %s claimed twice", claim.Run.ID)
				claimed[claim.Run.ID] = listenerID
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, claimed, total)
}

func TestJobFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ws := f.workspace(t, "standard", func(w *model.Workspace) { w.AutoApply = true })
	f.run(t, ws, runs.CreateRequest{})

	claim, err := f.d.ClaimNext(ctx, "listener-1", f.pool.ID, "standard")
	require.NoError(t, err)
	require.NotNil(t, claim)

	job, err := f.d.JobFor(ctx, claim.Run)
	require.NoError(t, err)
	assert.Equal(t, model.PhasePlan, job.Phase)

	confirmed, err := f.runs.ReportPhase(ctx, "listener-1", claim.Run.ID, runs.PhaseReport{Status: model.RunStatusPlanned})
	require.NoError(t, err)
	require.Equal(t, model.RunStatusConfirmed, confirmed.Status)

	job, err = f.d.JobFor(ctx, confirmed)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, model.PhaseApply, job.Phase)
	assert.Equal(t, model.ResourceSpec{CPU: "4", Memory: "8Gi"}, job.Resources.Limits)

	assigned, err := f.d.Assigned(ctx, "listener-1")
	require.NoError(t, err)
	assert.Len(t, assigned, 1)

	applied := *confirmed
	applied.Status = model.RunStatusApplied
	job, err = f.d.JobFor(ctx, &applied)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestSnapshot_FallsBackToWorkspaceBackend(t *testing.T) {
	run := &model.Run{ResourceCPU: "500m", ResourceMemory: "256Mi"}
	ws := &model.Workspace{ExecutionBackend: model.BackendTofu, BackendVersion: "1.7.0"}
	snap, err := Snapshot(run, ws)
	require.NoError(t, err)
	assert.Equal(t, "1", snap.LimitCPU)
	assert.Equal(t, "512Mi", snap.LimitMemory)
	assert.Equal(t, model.BackendTofu, snap.Backend)
	assert.Equal(t, "1.7.0", snap.BackendVersion)

	_, err = Snapshot(&model.Run{ResourceCPU: "x", ResourceMemory: "1Gi"}, ws)
	assert.Error(t, err)
}
