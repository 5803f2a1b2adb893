package listener

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"runplane/internal/apiserver/auth"
	"runplane/internal/apiserver/dispatch"
	"runplane/internal/apiserver/runs"
	"runplane/internal/jobbuilder"
	"runplane/internal/shared/model"
	"runplane/internal/shared/objstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var admin = &auth.Caller{ID: "admin", Role: auth.RoleAdmin}

type httpFixture struct {
	*fixture
	mux     *http.ServeMux
	runs    *runs.Service
	objects *objstore.MemoryStore
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()
	f := newFixture(t)
	f.identity.SetCertHeader(ClientCertHeader)
	svc := runs.NewService(f.store, auth.ClaimsGate{}, runs.Options{Now: f.clock.Now})
	d := dispatch.New(f.store, f.registry, dispatch.Config{
		Job: jobbuilder.Options{Image: "runner:test", APIURL: "https://api.test"},
	}, dispatch.WithClock(f.clock.Now))
	objects := objstore.NewMemoryStore()

	mux := http.NewServeMux()
	NewHandler(f.identity, f.registry, d, svc, f.store, objects).RegisterRoutes(mux)
	NewPoolHandler(f.store, f.registry).RegisterRoutes(mux)
	return &httpFixture{fixture: f, mux: mux, runs: svc, objects: objects}
}

// call 发送请求；certPEM 非空时以转发头携带客户端证书，管理员身份总是注入
func (f *httpFixture) call(method, path, certPEM, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if certPEM != "" {
		req.Header.Set(ClientCertHeader, base64.StdEncoding.EncodeToString([]byte(certPEM)))
	}
	req = req.WithContext(auth.WithCaller(req.Context(), admin))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func (f *httpFixture) joinOverHTTP(t *testing.T, name string) *Credentials {
	t.Helper()
	rec := f.call(http.MethodPost, "/api/v1/agent-pools/"+f.pool.ID+"/tokens", "", `{"max_uses":1}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok := decode[CreateTokenResponse](t, rec)
	require.NotEmpty(t, tok.Token)

	body := `{"token":"` + tok.Token + `","name":"` + name + `","profiles":["standard"]}`
	rec = f.call(http.MethodPost, "/api/v1/agent-pools/"+f.pool.ID+"/listeners/join", "", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	creds := decode[Credentials](t, rec)

	// 令牌只允许使用一次
	rec = f.call(http.MethodPost, "/api/v1/agent-pools/"+f.pool.ID+"/listeners/join", "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	return &creds
}

func (f *httpFixture) workspaceRun(t *testing.T, mutate func(*model.Workspace)) *model.Run {
	t.Helper()
	now := f.clock.Now()
	ws := &model.Workspace{
		ID:               model.NewID(model.PrefixWorkspace),
		Name:             "network",
		ExecutionProfile: "standard",
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
	run, err := f.runs.Create(context.Background(), admin, runs.CreateRequest{WorkspaceID: ws.ID})
	require.NoError(t, err)
	return run
}

func TestHandler_ListenerProtocolFlow(t *testing.T) {
	f := newHTTPFixture(t)
	creds := f.joinOverHTTP(t, "edge-1")
	base := "/api/v1/listeners/" + creds.ListenerID
	cert := creds.Certificate

	run := f.workspaceRun(t, func(ws *model.Workspace) { ws.AutoApply = true })

	// 没有心跳时不派发
	rec := f.call(http.MethodPost, base+"/runs/next", cert, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.call(http.MethodPost, base+"/heartbeat", cert, `{"capacity":3,"active_runs":0,"profiles":["standard"]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hb := decode[HeartbeatResponse](t, rec)
	assert.Equal(t, 180, hb.TTLSeconds)
	assert.Empty(t, hb.CancelRunIDs)
	assert.False(t, hb.RenewDue)

	rec = f.call(http.MethodPost, base+"/runs/next", cert, `{"profile":"standard"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[dispatch.Claim](t, rec)
	assert.Equal(t, run.ID, claim.Run.ID)
	assert.Equal(t, model.PhasePlan, claim.Job.Phase)
	assert.Equal(t, model.ResourceSpec{CPU: "4", Memory: "8Gi"}, claim.Job.Resources.Limits)

	rec = f.call(http.MethodPost, base+"/runs/next", cert, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.call(http.MethodPut, base+"/runs/"+run.ID+"/logs/plan", cert, "Plan: 3 to add\n")
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	rc, err := f.objects.Get(context.Background(), objstore.LogKey(run.WorkspaceID, run.ID, model.PhasePlan))
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "Plan: 3 to add\n", string(data))

	rec = f.call(http.MethodPut, base+"/runs/"+run.ID+"/logs/destroy", cert, "x")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.call(http.MethodPost, base+"/runs/"+run.ID+"/phase", cert, `{"status":"planned"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.RunStatusConfirmed, decode[model.Run](t, rec).Status)

	rec = f.call(http.MethodGet, base+"/runs/"+run.ID, cert, "")
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[dispatch.Claim](t, rec)
	require.NotNil(t, current.Job)
	assert.Equal(t, model.PhaseApply, current.Job.Phase)

	rec = f.call(http.MethodGet, base+"/runs", cert, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.call(http.MethodPost, base+"/runs/"+run.ID+"/phase", cert, `{"status":"applied"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"confirmed"`)

	rec = f.call(http.MethodPost, base+"/runs/"+run.ID+"/phase", cert, `{"status":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_HeartbeatCancelDirectives(t *testing.T) {
	f := newHTTPFixture(t)
	creds := f.joinOverHTTP(t, "edge-1")
	base := "/api/v1/listeners/" + creds.ListenerID
	cert := creds.Certificate

	kept := f.workspaceRun(t, nil)
	canceled := f.workspaceRun(t, nil)
	for range 2 {
		rec := f.call(http.MethodPost, base+"/heartbeat", cert, `{"capacity":3}`)
		require.Equal(t, http.StatusOK, rec.Code)
		rec = f.call(http.MethodPost, base+"/runs/next", cert, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	_, err := f.runs.Cancel(context.Background(), admin, canceled.ID)
	require.NoError(t, err)

	body := `{"capacity":3,"active_runs":3,"active_run_ids":["` + kept.ID + `","` + canceled.ID + `","run-gone"]}`
	rec := f.call(http.MethodPost, base+"/heartbeat", cert, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	hb := decode[HeartbeatResponse](t, rec)
	assert.ElementsMatch(t, []string{canceled.ID, "run-gone"}, hb.CancelRunIDs)
}

func TestHandler_CertificateRequired(t *testing.T) {
	f := newHTTPFixture(t)
	one := f.joinOverHTTP(t, "edge-1")
	two := f.joinOverHTTP(t, "edge-2")
	heartbeat := `{"capacity":1}`

	rec := f.call(http.MethodPost, "/api/v1/listeners/"+one.ListenerID+"/heartbeat", "", heartbeat)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.call(http.MethodPost, "/api/v1/listeners/"+one.ListenerID+"/heartbeat", "not a certificate", heartbeat)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.call(http.MethodPost, "/api/v1/listeners/"+one.ListenerID+"/heartbeat", two.Certificate, heartbeat)
	assert.Equal(t, http.StatusForbidden, rec.Code, "certificate of another listener")

	run := f.workspaceRun(t, nil)
	rec = f.call(http.MethodPost, "/api/v1/listeners/"+two.ListenerID+"/heartbeat", two.Certificate, heartbeat)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.call(http.MethodPost, "/api/v1/listeners/"+two.ListenerID+"/runs/next", two.Certificate, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.call(http.MethodGet, "/api/v1/listeners/"+one.ListenerID+"/runs/"+run.ID, one.Certificate, "")
	assert.Equal(t, http.StatusForbidden, rec.Code, "run assigned to another listener")
	rec = f.call(http.MethodPost, "/api/v1/listeners/"+one.ListenerID+"/runs/"+run.ID+"/phase", one.Certificate, `{"status":"planned"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_ForwardedCertificateRequiresOptIn(t *testing.T) {
	f := newHTTPFixture(t)
	creds := f.joinOverHTTP(t, "edge-1")
	path := "/api/v1/listeners/" + creds.ListenerID + "/heartbeat"

	rec := f.call(http.MethodPost, path, creds.Certificate, `{"capacity":1}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// 默认只认 TLS 握手中的证书，转发头被忽略
	f.identity.SetCertHeader("")
	rec = f.call(http.MethodPost, path, creds.Certificate, `{"capacity":1}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	fresh := NewIdentityService(f.identity.authority, f.store, f.registry, nil, nil)
	assert.Empty(t, fresh.certHeader)
}

func TestHandler_RenewOverHTTP(t *testing.T) {
	f := newHTTPFixture(t)
	creds := f.joinOverHTTP(t, "edge-1")
	base := "/api/v1/listeners/" + creds.ListenerID

	rec := f.call(http.MethodPost, base+"/renew", creds.Certificate, "")
	assert.Equal(t, http.StatusConflict, rec.Code, "too early")

	f.clock.Advance(13 * time.Hour)
	rec = f.call(http.MethodPost, base+"/heartbeat", creds.Certificate, `{"capacity":1}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[HeartbeatResponse](t, rec).RenewDue)

	rec = f.call(http.MethodPost, base+"/renew", creds.Certificate, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	renewed := decode[Credentials](t, rec)

	rec = f.call(http.MethodPost, base+"/heartbeat", creds.Certificate, `{"capacity":1}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old certificate rejected")
	rec = f.call(http.MethodPost, base+"/heartbeat", renewed.Certificate, `{"capacity":1}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPoolHandler_Admin(t *testing.T) {
	f := newHTTPFixture(t)

	rec := f.call(http.MethodPost, "/api/v1/agent-pools", "", `{"name":"edge"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	pool := decode[model.AgentPool](t, rec)

	rec = f.call(http.MethodPost, "/api/v1/agent-pools", "", `{"name":"edge"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = f.call(http.MethodPost, "/api/v1/agent-pools", "", `{"name":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.call(http.MethodGet, "/api/v1/agent-pools", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":2`)

	rec = f.call(http.MethodPost, "/api/v1/agent-pools/"+pool.ID+"/tokens", "", `{"expires_in":"1h","description":"ci"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	tok := decode[CreateTokenResponse](t, rec)
	assert.NotNil(t, tok.ExpiresAt)

	for _, body := range []string{`{"max_uses":0}`, `{"expires_in":"soon"}`} {
		rec = f.call(http.MethodPost, "/api/v1/agent-pools/"+pool.ID+"/tokens", "", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec = f.call(http.MethodGet, "/api/v1/agent-pools/"+pool.ID+"/tokens", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), tok.Token)
	assert.NotContains(t, rec.Body.String(), "token_hash")

	rec = f.call(http.MethodDelete, "/api/v1/agent-pools/"+f.pool.ID+"/tokens/"+tok.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "token belongs to another pool")
	rec = f.call(http.MethodDelete, "/api/v1/agent-pools/"+pool.ID+"/tokens/"+tok.ID, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := f.identity.Join(context.Background(), pool.ID, JoinRequest{Token: tok.Token, Name: "edge-1"})
	assert.ErrorIs(t, err, ErrTokenExhausted)

	creds := f.joinOverHTTP(t, "edge-2")
	rec = f.call(http.MethodGet, "/api/v1/agent-pools/"+f.pool.ID+"/listeners", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"online":0`)

	rec = f.call(http.MethodDelete, "/api/v1/agent-pools/"+pool.ID+"/listeners/"+creds.ListenerID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.call(http.MethodDelete, "/api/v1/agent-pools/"+f.pool.ID+"/listeners/"+creds.ListenerID, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.call(http.MethodPost, "/api/v1/listeners/"+creds.ListenerID+"/heartbeat", creds.Certificate, `{"capacity":1}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "deleted listener")
}

func TestPoolHandler_RequiresAdmin(t *testing.T) {
	f := newHTTPFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/agent-pools", nil)
	req = req.WithContext(auth.WithCaller(req.Context(), &auth.Caller{ID: "u"}))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
