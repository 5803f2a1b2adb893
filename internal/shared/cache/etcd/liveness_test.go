package etcd

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"runplane/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		endpoints = "localhost:2379"
	}
	s, err := NewStore(Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: time.Second,
		Prefix:      "/runplane-test",
	})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLiveness_LeaseExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := model.NewID(model.PrefixListener)
	t.Cleanup(func() { s.DeleteLiveness(ctx, id) })

	require.NoError(t, s.PutLiveness(ctx, &model.ListenerLiveness{
		ListenerID: id,
		Capacity:   2,
		Profiles:   []string{"standard"},
	}, time.Second))

	got, err := s.GetLiveness(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Capacity)

	list, err := s.ListLiveness(ctx)
	require.NoError(t, err)
	var found bool
	for _, l := range list {
		found = found || l.ListenerID == id
	}
	assert.True(t, found)

	// etcd 租约按秒回收，留出余量
	require.Eventually(t, func() bool {
		got, err := s.GetLiveness(ctx, id)
		return err == nil && got == nil
	}, 5*time.Second, 200*time.Millisecond)
}

func TestLiveness_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := model.NewID(model.PrefixListener)

	require.NoError(t, s.PutLiveness(ctx, &model.ListenerLiveness{ListenerID: id}, time.Minute))
	require.NoError(t, s.DeleteLiveness(ctx, id))
	got, err := s.GetLiveness(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got)
}
