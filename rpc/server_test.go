package rpc_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolchain/consensusworker"
	"github.com/tolelom/tolchain/pool"
	"github.com/tolelom/tolchain/rpc"
)

func startTestServer(t *testing.T, authToken string) (string, func()) {
	t.Helper()
	h := rpc.NewHandler(make(chan consensusworker.Command), pool.New())
	s := rpc.NewServer("127.0.0.1:0", h, authToken)
	require.NoError(t, s.Start())
	return "http://" + s.Addr().String(), func() { require.NoError(t, s.Stop()) }
}

func postJSONRPC(t *testing.T, url string, body any, token string) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(buf))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestServerRejectsNonPostMethods(t *testing.T) {
	addr, stop := startTestServer(t, "")
	defer stop()

	resp, err := http.Get(addr)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerServesMempoolSizeOverHTTP(t *testing.T) {
	addr, stop := startTestServer(t, "")
	defer stop()

	resp := postJSONRPC(t, addr, rpc.Request{JSONRPC: "2.0", ID: 1, Method: "getMempoolSize"}, "")
	defer resp.Body.Close()

	var decoded rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Nil(t, decoded.Error)
	require.Equal(t, float64(0), decoded.Result)
}

func TestServerRejectsWrongJSONRPCVersion(t *testing.T) {
	addr, stop := startTestServer(t, "")
	defer stop()

	resp := postJSONRPC(t, addr, map[string]any{"jsonrpc": "1.0", "id": 1, "method": "getMempoolSize"}, "")
	defer resp.Body.Close()

	var decoded rpc.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.NotNil(t, decoded.Error)
	require.Equal(t, rpc.CodeInvalidRequest, decoded.Error.Code)
}

func TestServerRequiresBearerTokenWhenConfigured(t *testing.T) {
	addr, stop := startTestServer(t, "s3cret")
	defer stop()

	req := rpc.Request{JSONRPC: "2.0", ID: 1, Method: "getMempoolSize"}

	unauth := postJSONRPC(t, addr, req, "")
	defer unauth.Body.Close()
	require.Equal(t, http.StatusUnauthorized, unauth.StatusCode)

	authed := postJSONRPC(t, addr, req, "s3cret")
	defer authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)
}
