// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层存储接口的正确性，
// 包括并发领取与令牌兑换的原子性。无需外部数据库依赖。
package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"
	"runplane/internal/shared/storage/dbutil"
	pgdriver "runplane/internal/shared/storage/driver/postgres"
	sqlitedriver "runplane/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedPool(t *testing.T, s *Store, name string) *model.AgentPool {
	t.Helper()
	now := time.Now().UTC()
	p := &model.AgentPool{ID: model.NewID(model.PrefixPool), Name: name, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreatePool(context.Background(), p))
	return p
}

func seedWorkspace(t *testing.T, s *Store, profile string, poolID *string) *model.Workspace {
	t.Helper()
	now := time.Now().UTC()
	ws := &model.Workspace{
		ID:               model.NewID(model.PrefixWorkspace),
		Name:             "ws",
		ExecutionProfile: profile,
		AgentPoolID:      poolID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	ws.ApplyDefaults()
	require.NoError(t, s.CreateWorkspace(context.Background(), ws))
	return ws
}

func seedRun(t *testing.T, s *Store, ws *model.Workspace, poolID *string) *model.Run {
	t.Helper()
	now := time.Now().UTC()
	r := &model.Run{
		ID:             model.NewID(model.PrefixRun),
		WorkspaceID:    ws.ID,
		Status:         model.RunStatusPending,
		Source:         "api",
		ResourceCPU:    ws.ResourceCPU,
		ResourceMemory: ws.ResourceMemory,
		PoolID:         poolID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.CreateRun(context.Background(), r))
	return r
}

// queueRun pending → queued，并持有 Workspace 锁
func queueRun(t *testing.T, s *Store, r *model.Run, at time.Time) *model.Run {
	t.Helper()
	got, err := s.TransitionRun(context.Background(), r.ID, storage.RunTransition{
		From: model.RunStatusPending, To: model.RunStatusQueued, At: at,
		AcquireLock: true, QueuedAt: &at,
	})
	require.NoError(t, err)
	return got
}

var testSnap = storage.ClaimSnapshot{LimitCPU: "2", LimitMemory: "4Gi", Backend: model.BackendTerraform}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.False(t, d.IsUniqueViolation(errors.New("other")))
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
	assert.Equal(t, "UPDATE t SET status = ? WHERE id = ?",
		d.Rebind("UPDATE t SET status = $1::varchar WHERE id = $2"))
}

func TestAutoMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Dialect().AutoMigrate(s.DB()))
}

// ============================================================================
// Run 测试
// ============================================================================

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	r := seedRun(t, s, ws, nil)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)
	assert.Equal(t, "1", got.ResourceCPU)
	assert.Equal(t, "2Gi", got.ResourceMemory)
	assert.Nil(t, got.ListenerID)
	assert.Nil(t, got.QueuedAt)

	_, err = s.GetRun(ctx, "run-missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	list, err := s.ListRunsByWorkspace(ctx, ws.ID, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.ErrorIs(t, s.CreateRun(ctx, r), storage.ErrDuplicate)
}

func TestTransitionRun_WorkspaceLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	first := seedRun(t, s, ws, nil)
	second := seedRun(t, s, ws, nil)

	queueRun(t, s, first, time.Now().UTC())
	locked, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.True(t, locked.Locked)
	require.NotNil(t, locked.LockRunID)
	assert.Equal(t, first.ID, *locked.LockRunID)

	// 第二个 Run 无法获取锁，状态不变
	_, err = s.TransitionRun(ctx, second.ID, storage.RunTransition{
		From: model.RunStatusPending, To: model.RunStatusQueued, AcquireLock: true,
	})
	assert.ErrorIs(t, err, storage.ErrLocked)
	still, err := s.GetRun(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, still.Status)

	pending, err := s.OldestPendingRun(ctx, ws.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, pending.ID)

	// 终态释放锁
	reason := "run canceled"
	_, err = s.TransitionRun(ctx, first.ID, storage.RunTransition{
		From: model.RunStatusQueued, To: model.RunStatusCanceled, ReleaseLock: true, StatusReason: &reason,
	})
	require.NoError(t, err)
	unlocked, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.False(t, unlocked.Locked)
	assert.Nil(t, unlocked.LockRunID)

	queueRun(t, s, second, time.Now().UTC())
}

func TestTransitionRun_CompareAndSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	r := seedRun(t, s, ws, nil)

	_, err := s.TransitionRun(ctx, r.ID, storage.RunTransition{From: model.RunStatusQueued, To: model.RunStatusPlanning})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPending, got.Status)

	_, err = s.TransitionRun(ctx, "run-missing", storage.RunTransition{From: model.RunStatusPending, To: model.RunStatusQueued})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTransitionRun_LockRolledBackOnConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	r := seedRun(t, s, ws, nil)

	// From 不匹配：锁在同一事务中回滚
	_, err := s.TransitionRun(ctx, r.ID, storage.RunTransition{
		From: model.RunStatusQueued, To: model.RunStatusPlanning, AcquireLock: true,
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.GetWorkspace(ctx, ws.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked)
}

func TestLockWorkspaceQuery(t *testing.T) {
	pg := NewStore(nil, pgdriver.NewDialect())
	assert.Equal(t, "SELECT id FROM workspaces WHERE id = $1 FOR UPDATE", pg.lockWorkspaceQuery())

	lite := NewStore(nil, sqlitedriver.NewDialect())
	assert.Equal(t, "SELECT id FROM workspaces WHERE id = ?", lite.lockWorkspaceQuery())
}

// 取消 pending Run（释放路径）与其排队（获取路径）并发：恰好一方成功，锁状态与胜者一致
func TestTransitionRun_CancelRacesQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		ws := seedWorkspace(t, s, "standard", nil)
		r := seedRun(t, s, ws, nil)
		reason := "run canceled"

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			_, errs[0] = s.TransitionRun(ctx, r.ID, storage.RunTransition{
				From: model.RunStatusPending, To: model.RunStatusQueued, AcquireLock: true, QueuedAt: &now,
			})
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = s.TransitionRun(ctx, r.ID, storage.RunTransition{
				From: model.RunStatusPending, To: model.RunStatusCanceled, ReleaseLock: true, StatusReason: &reason,
			})
		}()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, storage.ErrConflict)
		}
		require.Equal(t, 1, wins)

		got, err := s.GetRun(ctx, r.ID)
		require.NoError(t, err)
		lock, err := s.GetWorkspace(ctx, ws.ID)
		require.NoError(t, err)
		assert.Equal(t, got.Status == model.RunStatusQueued, lock.Locked, "lock held only when queued won")
	}
}

// ============================================================================
// 领取
// ============================================================================

func TestListClaimCandidates_FIFOAndFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	poolA := seedPool(t, s, "a")
	poolB := seedPool(t, s, "b")
	base := time.Now().UTC().Add(-time.Hour)

	wsOld := seedWorkspace(t, s, "standard", &poolA.ID)
	wsNew := seedWorkspace(t, s, "standard", &poolA.ID)
	wsAny := seedWorkspace(t, s, "standard", nil)
	wsLarge := seedWorkspace(t, s, "large", &poolA.ID)
	wsOther := seedWorkspace(t, s, "standard", &poolB.ID)

	rNew := queueRun(t, s, seedRun(t, s, wsNew, &poolA.ID), base.Add(3*time.Second))
	rOld := queueRun(t, s, seedRun(t, s, wsOld, &poolA.ID), base.Add(1*time.Second))
	rAny := queueRun(t, s, seedRun(t, s, wsAny, nil), base.Add(2*time.Second))
	queueRun(t, s, seedRun(t, s, wsLarge, &poolA.ID), base)
	queueRun(t, s, seedRun(t, s, wsOther, &poolB.ID), base)

	ids, err := s.ListClaimCandidates(ctx, storage.ClaimRequest{ListenerID: "l1", PoolID: poolA.ID, Profile: "standard"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{rOld.ID, rAny.ID, rNew.ID}, ids)

	ids, err = s.ListClaimCandidates(ctx, storage.ClaimRequest{PoolID: poolA.ID, Profile: "large"}, 10)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestClaimRun_SnapshotAndCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	r := queueRun(t, s, seedRun(t, s, ws, nil), time.Now().UTC())

	at := time.Now().UTC()
	got, err := s.ClaimRun(ctx, r.ID, "listener-1", storage.ClaimSnapshot{
		LimitCPU: "2", LimitMemory: "4Gi", Backend: model.BackendTofu, BackendVersion: "1.8.0",
	}, at)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPlanning, got.Status)
	assert.True(t, got.AssignedTo("listener-1"))
	assert.Equal(t, "2", got.LimitCPU)
	assert.Equal(t, "4Gi", got.LimitMemory)
	assert.Equal(t, model.ExecutionBackend{Kind: model.BackendTofu, Version: "1.8.0"}, got.Backend)
	require.NotNil(t, got.PlanStartedAt)

	_, err = s.ClaimRun(ctx, r.ID, "listener-2", testSnap, at)
	assert.ErrorIs(t, err, storage.ErrConflict)

	mine, err := s.ListRunsByListener(ctx, "listener-1", model.InFlightStatuses)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, r.ID, mine[0].ID)
}

func TestClaimRun_AtMostOnceUnderConcurrency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	r := queueRun(t, s, seedRun(t, s, ws, nil), time.Now().UTC())

	const claimers = 16
	var wins, conflicts int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ClaimRun(ctx, r.ID, model.NewID(model.PrefixListener), testSnap, time.Now().UTC())
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, storage.ErrConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(claimers-1), conflicts)
}

func TestClaim_EveryRunClaimedExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	const runs = 6
	for i := 0; i < runs; i++ {
		ws := seedWorkspace(t, s, "standard", nil)
		queueRun(t, s, seedRun(t, s, ws, nil), base.Add(time.Duration(i)*time.Millisecond))
	}

	var mu sync.Mutex
	claimed := map[string]string{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			listenerID := model.NewID(model.PrefixListener)
			for {
				ids, err := s.ListClaimCandidates(ctx, storage.ClaimRequest{ListenerID: listenerID, Profile: "standard"}, 10)
				if err != nil || len(ids) == 0 {
					return
				}
				for _, id := range ids {
					run, err := s.ClaimRun(ctx, id, listenerID, testSnap, time.Now().UTC())
					if err != nil {
						continue
					}
					mu.Lock()
					if prev, ok := claimed[run.ID]; ok {
						t.Errorf("run %s claimed twice (%s, %s)", run.ID, prev, listenerID)
					}
					claimed[run.ID] = listenerID
					mu.Unlock()
					break
				}
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, runs)
}

func TestListClaimCandidates_SkipsWorkspaceWithInFlightRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ws := seedWorkspace(t, s, "standard", nil)
	r := queueRun(t, s, seedRun(t, s, ws, nil), time.Now().UTC())
	_, err := s.ClaimRun(ctx, r.ID, "listener-1", testSnap, time.Now().UTC())
	require.NoError(t, err)

	// 绕过锁直接插入一条 queued Run，模拟异常数据
	other := seedRun(t, s, ws, nil)
	_, err = s.TransitionRun(ctx, other.ID, storage.RunTransition{From: model.RunStatusPending, To: model.RunStatusQueued})
	require.NoError(t, err)

	ids, err := s.ListClaimCandidates(ctx, storage.ClaimRequest{Profile: "standard"}, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// ============================================================================
// 令牌
// ============================================================================

func seedToken(t *testing.T, s *Store, poolID string, maxUses *int) *model.AgentPoolToken {
	t.Helper()
	tok := &model.AgentPoolToken{
		ID:        model.NewID(model.PrefixToken),
		PoolID:    poolID,
		TokenHash: model.NewID("hash"),
		MaxUses:   maxUses,
		CreatedBy: "admin",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreatePoolToken(context.Background(), tok))
	return tok
}

func TestPoolTokenLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pool := seedPool(t, s, "default")
	two := 2
	tok := seedToken(t, s, pool.ID, &two)

	got, err := s.GetPoolTokenByHash(ctx, tok.TokenHash)
	require.NoError(t, err)
	require.NotNil(t, got.MaxUses)
	assert.Equal(t, 2, *got.MaxUses)

	require.NoError(t, s.RedeemPoolToken(ctx, tok.ID))
	require.NoError(t, s.RedeemPoolToken(ctx, tok.ID))
	assert.ErrorIs(t, s.RedeemPoolToken(ctx, tok.ID), storage.ErrExhausted)

	got, err = s.GetPoolTokenByHash(ctx, tok.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UseCount)

	unlimited := seedToken(t, s, pool.ID, nil)
	require.NoError(t, s.RedeemPoolToken(ctx, unlimited.ID))
	require.NoError(t, s.RevokePoolToken(ctx, unlimited.ID))
	assert.ErrorIs(t, s.RedeemPoolToken(ctx, unlimited.ID), storage.ErrExhausted)

	list, err := s.ListPoolTokens(ctx, pool.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.GetPoolTokenByHash(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedeemPoolToken_ConcurrentSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pool := seedPool(t, s, "default")
	one := 1
	tok := seedToken(t, s, pool.ID, &one)

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.RedeemPoolToken(ctx, tok.ID)
		}()
	}
	wg.Wait()
	close(results)

	var ok, exhausted int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, storage.ErrExhausted):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)
}

// ============================================================================
// Pool / Listener / CA
// ============================================================================

func TestPoolCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p := seedPool(t, s, "default")

	byName, err := s.GetPoolByName(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	dup := &model.AgentPool{ID: model.NewID(model.PrefixPool), Name: "default", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	assert.ErrorIs(t, s.CreatePool(ctx, dup), storage.ErrDuplicate)

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	assert.Len(t, pools, 1)

	require.NoError(t, s.DeletePool(ctx, p.ID))
	_, err = s.GetPool(ctx, p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.DeletePool(ctx, p.ID), storage.ErrNotFound)
}

func TestListenerCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	pool := seedPool(t, s, "default")
	now := time.Now().UTC()

	l := &model.RunnerListener{
		ID:        model.NewID(model.PrefixListener),
		PoolID:    pool.ID,
		Name:      "edge-1",
		Profiles:  []string{"standard", "large"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateListener(ctx, l))

	got, err := s.GetListener(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"standard", "large"}, got.Profiles)
	assert.Empty(t, got.CertificateFingerprint)

	exp := now.Add(365 * 24 * time.Hour)
	require.NoError(t, s.UpdateListenerCertificate(ctx, l.ID, "abc123", exp))
	require.NoError(t, s.UpdateListenerProfiles(ctx, l.ID, []string{"standard"}))

	got, err = s.GetListenerByName(ctx, "edge-1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.CertificateFingerprint)
	assert.Equal(t, []string{"standard"}, got.Profiles)
	require.NotNil(t, got.CertificateExpiresAt)
	assert.WithinDuration(t, exp, *got.CertificateExpiresAt, time.Second)

	dup := *l
	dup.ID = model.NewID(model.PrefixListener)
	assert.ErrorIs(t, s.CreateListener(ctx, &dup), storage.ErrDuplicate)

	list, err := s.ListListenersByPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteListener(ctx, l.ID))
	_, err = s.GetListener(ctx, l.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCertificateAuthority_InsertIfAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetCA(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first := &model.CertificateAuthorityRecord{CertPEM: "cert-1", KeyPEM: "key-1", CreatedAt: time.Now().UTC()}
	inserted, err := s.InsertCAIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	second := &model.CertificateAuthorityRecord{CertPEM: "cert-2", KeyPEM: "key-2", CreatedAt: time.Now().UTC()}
	inserted, err = s.InsertCAIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.GetCA(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cert-1", got.CertPEM)
	assert.Equal(t, "key-1", got.KeyPEM)
}
