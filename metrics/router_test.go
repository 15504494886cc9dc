package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drpcorg/tabby/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, srv *httptest.Server, path string) (int, string) {
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRouter(t *testing.T) {
	relay := network.NewWsServer(nil)
	ws := httptest.NewServer(relay)
	defer ws.Close()
	defer relay.Close()
	srv := httptest.NewServer(Router(NewRegistry(), relay.Stats()))
	defer srv.Close()

	client := network.DialWs("ws"+strings.TrimPrefix(ws.URL, "http")+"/team/pets", nil)
	defer client.Close()
	assert.Eventually(t, client.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(relay.Stats().GetPathIDs()) == 1 },
		5*time.Second, 10*time.Millisecond)

	code, body := get(t, srv, "/paths")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `["team/pets"]`, body)

	code, body = get(t, srv, "/paths/team%2Fpets/clients")
	assert.Equal(t, http.StatusOK, code)
	var clients []string
	require.NoError(t, json.Unmarshal([]byte(body), &clients))
	assert.Len(t, clients, 1)

	_, body = get(t, srv, "/stats")
	var snap network.ServerStatsSnapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, 1, snap.Clients)
	assert.Equal(t, 1, snap.MaxPaths)

	code, body = get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "tabby_ws_clients")
}

func TestRouter_NoRelay(t *testing.T) {
	srv := httptest.NewServer(Router(NewRegistry(), nil))
	defer srv.Close()
	code, _ := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get(t, srv, "/paths")
	assert.Equal(t, http.StatusNotFound, code)
}
