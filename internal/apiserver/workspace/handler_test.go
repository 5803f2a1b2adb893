package workspace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"runplane/internal/apiserver/auth"
	"runplane/internal/shared/model"
	"runplane/internal/shared/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockStore 内存 Workspace 存储
type mockStore struct {
	mu         sync.Mutex
	workspaces map[string]*model.Workspace
	pools      map[string]*model.AgentPool
}

func newMockStore() *mockStore {
	return &mockStore{
		workspaces: make(map[string]*model.Workspace),
		pools:      map[string]*model.AgentPool{"apool-1": {ID: "apool-1", Name: "edge"}},
	}
}

func (m *mockStore) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ws
	m.workspaces[ws.ID] = &cp
	return nil
}

func (m *mockStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *ws
	return &cp, nil
}

func (m *mockStore) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Workspace
	for _, ws := range m.workspaces {
		cp := *ws
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) UpdateWorkspaceSettings(ctx context.Context, ws *model.Workspace) error {
	return m.CreateWorkspace(ctx, ws)
}

func (m *mockStore) GetPool(ctx context.Context, id string) (*model.AgentPool, error) {
	if p, ok := m.pools[id]; ok {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func do(mux *http.ServeMux, caller *auth.Caller, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(auth.WithCaller(req.Context(), caller))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

var admin = &auth.Caller{ID: "root", Role: auth.RoleAdmin}

func TestCreateWorkspace_DefaultsAndValidation(t *testing.T) {
	store := newMockStore()
	mux := http.NewServeMux()
	NewHandler(store, auth.ClaimsGate{}).RegisterRoutes(mux)

	rec := do(mux, admin, http.MethodPost, "/api/v1/workspaces", `{"name":"network","execution_backend":"tofu","agent_pool_id":"apool-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ws model.Workspace
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ws))
	assert.Equal(t, model.BackendTofu, ws.ExecutionBackend)
	assert.Equal(t, model.DefaultExecutionProfile, ws.ExecutionProfile)
	assert.Equal(t, "1", ws.ResourceCPU)
	assert.Equal(t, "2Gi", ws.ResourceMemory)
	require.NotNil(t, ws.AgentPoolID)

	for _, body := range []string{
		`{"name":""}`,
		`{"name":"x","execution_backend":"pulumi"}`,
		`{"name":"x","resource_memory":"4GB"}`,
		`{"name":"x","agent_pool_id":"apool-missing"}`,
	} {
		rec := do(mux, admin, http.MethodPost, "/api/v1/workspaces", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec = do(mux, &auth.Caller{ID: "u"}, http.MethodPost, "/api/v1/workspaces", `{"name":"y"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUpdateAndVisibility(t *testing.T) {
	store := newMockStore()
	mux := http.NewServeMux()
	NewHandler(store, auth.ClaimsGate{}).RegisterRoutes(mux)
	require.NoError(t, store.CreateWorkspace(context.Background(), &model.Workspace{ID: "ws-1", Name: "a", ResourceCPU: "1", ResourceMemory: "2Gi"}))
	require.NoError(t, store.CreateWorkspace(context.Background(), &model.Workspace{ID: "ws-2", Name: "b", ResourceCPU: "1", ResourceMemory: "2Gi"}))

	reader := &auth.Caller{ID: "r", Workspaces: map[string]auth.Level{"ws-1": auth.LevelApply}}
	rec := do(mux, reader, http.MethodGet, "/api/v1/workspaces", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(mux, reader, http.MethodGet, "/api/v1/workspaces/ws-2", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(mux, reader, http.MethodPatch, "/api/v1/workspaces/ws-1", `{"resource_cpu":"4"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(mux, admin, http.MethodPatch, "/api/v1/workspaces/ws-1", `{"resource_cpu":"4","auto_apply":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := store.GetWorkspace(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, "4", got.ResourceCPU)
	assert.True(t, got.AutoApply)

	rec = do(mux, admin, http.MethodGet, "/api/v1/workspaces/ws-missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
