package node

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/audit"
	"github.com/dd0wney/pokeball-coordinator/pkg/auth"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica"
	"github.com/dd0wney/pokeball-coordinator/pkg/replica/replicatest"
	coordtls "github.com/dd0wney/pokeball-coordinator/pkg/tls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdmin(t *testing.T) (*harness, *Node, *httptest.Server) {
	t.Helper()
	h := newHarness(t)
	n := h.startedNode(t, nodeConfig(9, 1))
	srv := httptest.NewServer(NewAdminServer(":0", n, nil).Handler())
	t.Cleanup(srv.Close)
	return h, n, srv
}

func do(t *testing.T, method, url, body string) (int, []byte) {
	t.Helper()
	return doAuth(t, method, url, body, "")
}

func doAuth(t *testing.T, method, url, body, token string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestAdminStatus(t *testing.T) {
	_, n, srv := newAdmin(t)

	code, body := do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var st Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, 9, st.NodeID)
	assert.Equal(t, "idle", st.State)
	assert.False(t, st.IsLeader)
	assert.Equal(t, []string{"db1", "db2", "db3"}, st.Active)
	assert.Empty(t, st.Down)

	_, err := n.Tick(context.Background())
	require.NoError(t, err)

	_, body = do(t, http.MethodGet, srv.URL+"/status", "")
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, "leader", st.State)
	assert.True(t, st.IsLeader)
	assert.Equal(t, 9, st.LeaderID)
}

func TestAdminHealthEndpoints(t *testing.T) {
	h, n, srv := newAdmin(t)

	code, _ := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code, "no leader yet is degraded, which /health still serves as 200")

	code, _ = do(t, http.MethodGet, srv.URL+"/live", "")
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusOK, code)

	_, err := n.Tick(context.Background())
	require.NoError(t, err)
	h.b.SetDown(true)
	_, err = n.Tick(context.Background())
	require.NoError(t, err)

	code, _ = do(t, http.MethodGet, srv.URL+"/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, code, "a down replica makes the node not ready")

	code, body := do(t, http.MethodGet, srv.URL+"/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, code, "the failing ping of db2 is unhealthy")
	assert.Contains(t, string(body), "replica:db2")
}

func TestAdminMetrics(t *testing.T) {
	_, n, srv := newAdmin(t)
	_, err := n.Tick(context.Background())
	require.NoError(t, err)

	code, body := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `coordinator_ticks_total{result="completed"} 1`)
	assert.Contains(t, string(body), "coordinator_replicas_active 3")
}

func TestAdminTick(t *testing.T) {
	h, _, srv := newAdmin(t)
	replicatest.Seed(t, h.a, "users", replicatest.User(1, "ash"))

	code, body := do(t, http.MethodPost, srv.URL+"/tick", "")
	require.Equal(t, http.StatusOK, code, string(body))

	var resp TickResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, resp.Status.IsLeader)
	assert.ElementsMatch(t, []string{"db2", "db3"}, resp.Resynced)
	assert.Equal(t, map[string][]string{"db2": {"users"}, "db3": {"users"}}, resp.Diverged)

	code, _ = do(t, http.MethodGet, srv.URL+"/tick", "")
	assert.Equal(t, http.StatusMethodNotAllowed, code)
}

func TestAdminRows(t *testing.T) {
	h, n, srv := newAdmin(t)
	_, err := n.Tick(context.Background())
	require.NoError(t, err)
	rows := srv.URL + "/tables/users/rows"

	code, body := do(t, http.MethodPost, rows, `{"name":"ash","email":"ash@example.com","password":"pikachu"}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	var written struct {
		Row      replica.Row   `json:"row"`
		Replicas []replica.Row `json:"replicas"`
	}
	require.NoError(t, json.Unmarshal(body, &written))
	assert.Equal(t, "ash", written.Row["name"])
	assert.Len(t, written.Replicas, 3)
	for _, s := range []*replicatest.Store{h.a, h.b, h.c} {
		assert.Equal(t, 1, s.Inserts())
	}

	code, body = do(t, http.MethodGet, rows+"?name=ash", "")
	require.Equal(t, http.StatusOK, code)
	var found []replica.Row
	require.NoError(t, json.Unmarshal(body, &found))
	require.Len(t, found, 1)
	assert.Equal(t, "ash@example.com", found[0]["email"])

	code, body = do(t, http.MethodGet, rows+"?name=brock", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	code, _ = do(t, http.MethodDelete, rows, "")
	assert.Equal(t, http.StatusBadRequest, code, "a delete needs a condition")

	code, body = do(t, http.MethodDelete, rows+"?id=1", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var deleted struct {
		Rows []replica.Row `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(body, &deleted))
	assert.Len(t, deleted.Rows, 1)
}

func TestAdminRowErrors(t *testing.T) {
	_, _, srv := newAdmin(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown table", http.MethodGet, "/tables/pokemon/rows", "", http.StatusBadRequest},
		{"unknown column", http.MethodGet, "/tables/users/rows?level=5", "", http.StatusBadRequest},
		{"bad value", http.MethodGet, "/tables/posts/rows?user_id=ash", "", http.StatusBadRequest},
		{"bad body", http.MethodPost, "/tables/users/rows", "{", http.StatusBadRequest},
		{"unknown column in body", http.MethodPost, "/tables/users/rows", `{"level":5}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := do(t, tt.method, srv.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, code)

			var e ErrorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.want, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestAdminAuth(t *testing.T) {
	h := newHarness(t)
	n := h.startedNode(t, nodeConfig(9, 1))
	tokens, err := auth.NewTokenManager("admin-secret-key-at-least-32-characters", time.Hour)
	require.NoError(t, err)
	srv := httptest.NewServer(NewAdminServer(":0", n, tokens).Handler())
	t.Cleanup(srv.Close)

	viewer, err := tokens.Issue("dash", auth.RoleViewer)
	require.NoError(t, err)
	operator, err := tokens.Issue("ops", auth.RoleOperator)
	require.NoError(t, err)
	rows := srv.URL + "/tables/users/rows"

	code, _ := do(t, http.MethodGet, srv.URL+"/status", "")
	assert.Equal(t, http.StatusOK, code, "status stays open")
	code, _ = do(t, http.MethodGet, srv.URL+"/live", "")
	assert.Equal(t, http.StatusOK, code, "probes stay open")

	code, body := do(t, http.MethodGet, rows, "")
	assert.Equal(t, http.StatusUnauthorized, code)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, http.StatusUnauthorized, e.Code)

	code, _ = doAuth(t, http.MethodGet, rows, "", viewer)
	assert.Equal(t, http.StatusOK, code)

	code, _ = doAuth(t, http.MethodPost, srv.URL+"/tick", "", viewer)
	assert.Equal(t, http.StatusForbidden, code, "viewers cannot tick")
	code, _ = doAuth(t, http.MethodPost, srv.URL+"/tick", "", operator)
	assert.Equal(t, http.StatusOK, code)

	payload := `{"name":"ash","email":"ash@example.com","password":"pikachu"}`
	code, _ = doAuth(t, http.MethodPost, rows, payload, viewer)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = doAuth(t, http.MethodPost, rows, payload, operator)
	assert.Equal(t, http.StatusCreated, code)

	code, _ = doAuth(t, http.MethodDelete, rows+"?id=1", "", "garbage")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = doAuth(t, http.MethodDelete, rows+"?id=1", "", operator)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, http.MethodGet, srv.URL+"/audit", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, body = doAuth(t, http.MethodGet, srv.URL+"/audit", "", viewer)
	require.Equal(t, http.StatusOK, code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 3, "rejected requests never reach the handlers")
	assert.Equal(t, []audit.Action{audit.ActionTick, audit.ActionWrite, audit.ActionDelete},
		[]audit.Action{events[0].Action, events[1].Action, events[2].Action})
	for _, e := range events {
		assert.Equal(t, "ops", e.Subject)
		assert.Equal(t, audit.StatusSuccess, e.Status)
	}
	assert.Equal(t, 1, events[2].Rows)
}

func TestAdminAudit(t *testing.T) {
	_, n, srv := newAdmin(t)
	_, err := n.Tick(context.Background())
	require.NoError(t, err)
	rows := srv.URL + "/tables/users/rows"

	code, _ := do(t, http.MethodPost, rows, `{"name":"ash","email":"ash@example.com","password":"pikachu"}`)
	require.Equal(t, http.StatusCreated, code)
	code, _ = do(t, http.MethodPost, srv.URL+"/tables/pokemon/rows", `{"name":"pikachu"}`)
	require.Equal(t, http.StatusBadRequest, code)

	code, body := do(t, http.MethodGet, srv.URL+"/audit?status=failure", "")
	require.Equal(t, http.StatusOK, code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionWrite, events[0].Action)
	assert.Equal(t, "pokemon", events[0].Table)
	assert.Empty(t, events[0].Subject, "no token without auth")
	assert.NotEmpty(t, events[0].ErrorMessage)

	code, body = do(t, http.MethodGet, srv.URL+"/audit?table=users", "")
	require.Equal(t, http.StatusOK, code)
	events = nil
	require.NoError(t, json.Unmarshal(body, &events))
	require.Len(t, events, 1)
	assert.Equal(t, audit.StatusSuccess, events[0].Status)
}

func TestAdminServeTLS(t *testing.T) {
	h := newHarness(t)
	n := h.startedNode(t, nodeConfig(9, 1))
	tlsConfig, err := coordtls.ServerConfig(coordtls.DefaultConfig())
	require.NoError(t, err)

	admin := NewAdminServer("127.0.0.1:0", n, nil)
	admin.SetTLSConfig(tlsConfig)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- admin.Serve(l) }()

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	resp, err := client.Get("https://" + l.Addr().String() + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, resp.TLS)

	require.NoError(t, admin.Shutdown(context.Background()))
	assert.NoError(t, <-served)
}
