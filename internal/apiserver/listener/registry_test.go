package listener

import (
	"context"
	"testing"
	"time"

	"runplane/internal/shared/cache"
	"runplane/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) listener(t *testing.T, name string, profiles ...string) *model.RunnerListener {
	t.Helper()
	expires := f.clock.Now().Add(time.Hour)
	l, err := f.registry.Register(context.Background(), &model.RunnerListener{
		PoolID:                 f.pool.ID,
		Name:                   name,
		CertificateFingerprint: "fp-" + name,
		CertificateExpiresAt:   &expires,
		Profiles:               profiles,
	})
	require.NoError(t, err)
	return l
}

func TestRegistry_LivenessExpiresAndRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listener(t, "edge-1", "standard")

	ok, err := f.registry.IsEligible(ctx, l.ID, "standard")
	require.NoError(t, err)
	assert.False(t, ok, "never heartbeated")

	_, err = f.registry.Heartbeat(ctx, l, Heartbeat{Capacity: 3, ActiveRuns: 0})
	require.NoError(t, err)
	ok, err = f.registry.IsEligible(ctx, l.ID, "standard")
	require.NoError(t, err)
	assert.True(t, ok)

	f.clock.Advance(cache.TTLListenerLiveness - time.Second)
	ok, err = f.registry.IsEligible(ctx, l.ID, "standard")
	require.NoError(t, err)
	assert.True(t, ok, "still inside the ttl")

	f.clock.Advance(2 * time.Second)
	ok, err = f.registry.IsEligible(ctx, l.ID, "standard")
	require.NoError(t, err)
	assert.False(t, ok, "liveness expired")
	live, err := f.registry.Liveness(ctx, l.ID)
	require.NoError(t, err)
	assert.Nil(t, live)

	_, err = f.registry.Heartbeat(ctx, l, Heartbeat{Capacity: 3, ActiveRuns: 1})
	require.NoError(t, err)
	ok, err = f.registry.IsEligible(ctx, l.ID, "standard")
	require.NoError(t, err)
	assert.True(t, ok, "recovered after a new heartbeat")
}

func TestRegistry_Eligibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listener(t, "edge-1", "standard")

	tests := []struct {
		name    string
		hb      Heartbeat
		profile string
		want    bool
	}{
		{"free slot", Heartbeat{Capacity: 2, ActiveRuns: 1}, "standard", true},
		{"full", Heartbeat{Capacity: 2, ActiveRuns: 2}, "standard", false},
		{"profile not advertised", Heartbeat{Capacity: 2}, "gpu", false},
		{"profiles replaced by heartbeat", Heartbeat{Capacity: 2, Profiles: []string{"gpu"}}, "gpu", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.Heartbeat(ctx, l, tt.hb)
			require.NoError(t, err)
			ok, err := f.registry.IsEligible(ctx, l.ID, tt.profile)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}

	stored, err := f.store.GetListener(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"gpu"}, stored.Profiles)
}

func TestRegistry_HeartbeatValidation(t *testing.T) {
	f := newFixture(t)
	l := f.listener(t, "edge-1", "standard")

	_, err := f.registry.Heartbeat(context.Background(), l, Heartbeat{Capacity: 0})
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)
	_, err = f.registry.Heartbeat(context.Background(), l, Heartbeat{Capacity: 1, ActiveRuns: -1})
	assert.ErrorIs(t, err, ErrInvalidHeartbeat)
}

func TestRegistry_ListByPoolAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	online := f.listener(t, "edge-1", "standard")
	f.listener(t, "edge-2", "standard")

	_, err := f.registry.Heartbeat(ctx, online, Heartbeat{Capacity: 1})
	require.NoError(t, err)

	statuses, err := f.registry.ListByPool(ctx, f.pool.ID)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	byName := map[string]Status{}
	for _, s := range statuses {
		byName[s.Name] = s
	}
	assert.True(t, byName["edge-1"].Online)
	assert.Equal(t, 1, byName["edge-1"].Liveness.Capacity)
	assert.False(t, byName["edge-2"].Online)

	require.NoError(t, f.registry.Delete(ctx, online.ID))
	live, err := f.cache.GetLiveness(ctx, online.ID)
	require.NoError(t, err)
	assert.Nil(t, live)
	statuses, err = f.registry.ListByPool(ctx, f.pool.ID)
	require.NoError(t, err)
	assert.Len(t, statuses, 1)
}
