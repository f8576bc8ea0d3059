package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dd0wney/pokeball-coordinator/pkg/node"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchStatus(t *testing.T) {
	want := node.Status{NodeID: 3, State: "leader", IsLeader: true, LeaderID: 3, Active: []string{"db1"}, Down: []string{"db2"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	got, err := fetchStatus(client, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = fetchStatus(client, srv.URL+"/missing")
	assert.Error(t, err)
}

func TestTableRows(t *testing.T) {
	rows := tableRows([]nodeResult{
		{url: "http://a", status: node.Status{NodeID: 1, State: "follower", LeaderID: 3, Active: []string{"db1", "db2"}}},
		{url: "http://b", err: errors.New("refused")},
		{url: "http://c", status: node.Status{NodeID: 2, State: "idle"}},
	})
	require.Len(t, rows, 3)
	assert.Equal(t, "3", rows[0][3])
	assert.Equal(t, "db1,db2", rows[0][4])
	assert.Equal(t, "unreachable", rows[1][2])
	assert.Equal(t, "-", rows[2][3])
}

func TestSummary(t *testing.T) {
	agreed := []nodeResult{
		{status: node.Status{NodeID: 3, IsLeader: true, LeaderID: 3}},
		{status: node.Status{NodeID: 1, LeaderID: 3}},
	}
	assert.Contains(t, summary(agreed), "leader 3 agreed")

	split := []nodeResult{
		{status: node.Status{NodeID: 3, IsLeader: true, LeaderID: 3}},
		{status: node.Status{NodeID: 2, IsLeader: true, LeaderID: 2}},
	}
	assert.Contains(t, summary(split), "2 nodes claim leadership")

	down := []nodeResult{{err: errors.New("timeout")}}
	s := summary(down)
	assert.Contains(t, s, "no leader")
	assert.Contains(t, s, "1 unreachable")
}
